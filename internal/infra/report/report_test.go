package report

import (
	"archive/tar"
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"io"
	"strings"
	"testing"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"

	"github.com/stretchr/testify/require"
)

func signedChain(t *testing.T, n int) []domain.AccessRecord {
	t.Helper()
	head := domain.ChainHead{TenantID: "demo-kafe"}
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var out []domain.AccessRecord
	for i := 0; i < n; i++ {
		draft, err := chain.Prepare(domain.Incoming{
			Identity:        domain.NationalIdentity("10000000146"),
			FullName:        "Ali Veli",
			Phone:           "5551112233",
			NetworkAddress:  "192.168.1.10",
			HardwareAddress: "aa:bb:cc:dd:ee:ff",
			EntryTime:       base.Add(time.Duration(i) * time.Second),
		}, 1)
		require.NoError(t, err)
		seq, prev := chain.Next(head)
		signedAt := base.Add(time.Minute)
		out = append(out, domain.AccessRecord{
			TenantID:         "demo-kafe",
			Seq:              seq,
			Identity:         draft.Identity,
			FullName:         draft.FullName,
			Phone:            draft.Phone,
			NetworkAddress:   draft.NetworkAddress,
			HardwareAddress:  draft.HardwareAddress,
			EntryTime:        draft.EntryTime,
			CanonicalVersion: 1,
			ContentDigest:    draft.ContentDigest,
			PreviousDigest:   prev,
			SignState:        domain.SignStateSigned,
			BatchID:          "b-1",
			TSAToken:         []byte("token"),
			TSASerial:        "7",
			TSABackendID:     "tsa-primary",
			SignedAt:         &signedAt,
		})
		head.LastSeq = seq
		head.LastDigest = draft.ContentDigest
	}
	return out
}

func evidenceDoc(t *testing.T, records []domain.AccessRecord) Document {
	t.Helper()
	var digests []string
	for _, r := range records {
		digests = append(digests, hex.EncodeToString(r.ContentDigest))
	}
	doc := Document{
		Kind:        domain.ReportEvidence,
		TenantID:    "demo-kafe",
		RunID:       "run-1",
		RunState:    domain.RunDone,
		SeqFrom:     1,
		SeqTo:       int64(len(records)),
		GeneratedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Counters:    domain.RunCounters{Total: 3, Valid: 1, Modified: 1, ChainBroken: 1},
		Score:       33,
		Compliance:  domain.NonCompliant,
		Retention: []domain.RetentionStatement{
			{Class: domain.ClassAccessLog, RetainFor: "2y", TargetStore: domain.StoreLocal, Enabled: true, Conforming: true},
		},
		Findings: []FindingLine{
			{Seq: 2, Category: domain.ResultModified, ExpectedDigest: "aa", ActualDigest: "bb"},
			{Seq: 3, Category: domain.ResultChainBroken},
		},
		Batches: []BatchLine{{
			ID:             "b-1",
			SeqFrom:        1,
			SeqTo:          int64(len(records)),
			BackendID:      "tsa-primary",
			Serial:         "7",
			SignedAt:       *records[0].SignedAt,
			Digest:         hex.EncodeToString(chain.BatchDigest(records)),
			Token:          base64.StdEncoding.EncodeToString([]byte("token")),
			ContentDigests: digests,
		}},
	}
	for _, r := range records {
		doc.Records = append(doc.Records, RecordLineOf(r))
	}
	return doc
}

func TestRenderIsDeterministicForEveryFormat(t *testing.T) {
	doc := evidenceDoc(t, signedChain(t, 3))
	for _, format := range []domain.ReportFormat{domain.FormatPDF, domain.FormatCSV, domain.FormatJSON, domain.FormatXML} {
		t.Run(string(format), func(t *testing.T) {
			first, err := Render(doc, format)
			require.NoError(t, err)
			second, err := Render(doc, format)
			require.NoError(t, err)
			require.NotEmpty(t, first)
			require.True(t, bytes.Equal(first, second), "render must be byte-identical")
		})
	}
}

func TestRenderContent(t *testing.T) {
	doc := evidenceDoc(t, signedChain(t, 3))

	csvOut, err := Render(doc, domain.FormatCSV)
	require.NoError(t, err)
	require.Contains(t, string(csvOut), "score,33\n")
	require.Contains(t, string(csvOut), "compliance,NON_COMPLIANT\n")
	require.Contains(t, string(csvOut), "2,MODIFIED,aa,bb,,\n")

	jsonOut, err := Render(doc, domain.FormatJSON)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(jsonOut), `{"batches":`), "keys must be sorted")

	xmlOut, err := Render(doc, domain.FormatXML)
	require.NoError(t, err)
	var decoded Document
	require.NoError(t, xml.Unmarshal(xmlOut, &decoded))
	require.Equal(t, 33, decoded.Score)
	require.Len(t, decoded.Findings, 2)
	require.Equal(t, doc.Batches[0].ContentDigests, decoded.Batches[0].ContentDigests)

	pdfOut, err := Render(doc, domain.FormatPDF)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(pdfOut, []byte("%PDF-")))

	_, err = Render(doc, "docx")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEvidenceBundleVerifies(t *testing.T) {
	records := signedChain(t, 3)
	doc := evidenceDoc(t, records)

	bundle, err := EvidenceBundle(doc, domain.FormatJSON, records)
	require.NoError(t, err)
	again, err := EvidenceBundle(doc, domain.FormatJSON, records)
	require.NoError(t, err)
	require.Equal(t, bundle, again)

	check, err := VerifyBundle(bytes.NewReader(bundle), nil)
	require.NoError(t, err)
	require.True(t, check.OK(), "problems: %v", check.Problems)
	require.Equal(t, 3, check.Records)
	require.Equal(t, 1, check.Batches)
	require.ElementsMatch(t, []string{"report.json", RecordsName, BatchesName}, check.Files)

	check, err = VerifyBundle(bytes.NewReader(bundle), x509.NewCertPool())
	require.NoError(t, err)
	require.False(t, check.OK(), "a placeholder token must not validate against a root")
}

func TestVerifyBundleDetectsTampering(t *testing.T) {
	records := signedChain(t, 3)
	doc := evidenceDoc(t, records)
	records[1].FullName = "Veli Ali"

	bundle, err := EvidenceBundle(doc, domain.FormatCSV, records)
	require.NoError(t, err)
	check, err := VerifyBundle(bytes.NewReader(bundle), nil)
	require.NoError(t, err)
	require.False(t, check.OK())
	require.Contains(t, strings.Join(check.Problems, "\n"), "record 2: MODIFIED")
}

func TestVerifyBundleDetectsManifestMismatch(t *testing.T) {
	records := signedChain(t, 2)
	doc := evidenceDoc(t, records)
	bundle, err := EvidenceBundle(doc, domain.FormatXML, records)
	require.NoError(t, err)

	var rewritten bytes.Buffer
	tr := tar.NewReader(bytes.NewReader(bundle))
	tw := tar.NewWriter(&rewritten)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		if hdr.Name == "report.xml" {
			data = append(data, ' ')
			hdr.Size = int64(len(data))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	check, err := VerifyBundle(&rewritten, nil)
	require.NoError(t, err)
	require.Contains(t, check.Problems, "report.xml: sha-256 mismatch")
}
