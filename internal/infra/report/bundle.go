package report

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/archive"
	"sealog/internal/infra/chain"
	"sealog/internal/infra/crypto"
	"sealog/internal/infra/tsa"
)

const (
	ManifestName = "MANIFEST"
	RecordsName  = "records.jsonl.gz"
	BatchesName  = "batches.json"

	maxBundleFile = 256 << 20
)

type File struct {
	Name string
	Data []byte
}

// EvidenceBundle packs the rendered report, the record subset in archive
// format and the batch tokens into a tar with a MANIFEST of SHA-256 digests.
func EvidenceBundle(doc Document, format domain.ReportFormat, records []domain.AccessRecord) ([]byte, error) {
	rendered, err := Render(doc, format)
	if err != nil {
		return nil, err
	}
	encoded, err := archive.Encode(records)
	if err != nil {
		return nil, err
	}
	batches, err := crypto.CanonicalJSON(doc.Batches)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = WriteBundle(&buf, []File{
		{Name: "report." + format.Extension(), Data: rendered},
		{Name: RecordsName, Data: encoded},
		{Name: BatchesName, Data: batches},
	}, doc.GeneratedAt)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteBundle writes files in name order followed by the MANIFEST. Every
// entry carries modTime so equal input produces equal bytes.
func WriteBundle(w io.Writer, files []File, modTime time.Time) error {
	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var manifest strings.Builder
	for _, f := range sorted {
		if f.Name == ManifestName {
			return fmt.Errorf("%w: %s is reserved", domain.ErrInvalidArgument, ManifestName)
		}
		sum := sha256.Sum256(f.Data)
		fmt.Fprintf(&manifest, "%s  %s\n", hex.EncodeToString(sum[:]), f.Name)
	}
	sorted = append(sorted, File{Name: ManifestName, Data: []byte(manifest.String())})

	mtime := modTime.UTC().Truncate(time.Second)
	tw := tar.NewWriter(w)
	for _, f := range sorted {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.Name,
			Mode:     0o644,
			Size:     int64(len(f.Data)),
			ModTime:  mtime,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(f.Data); err != nil {
			return err
		}
	}
	return tw.Close()
}

// BundleCheck is the outcome of an offline bundle verification.
type BundleCheck struct {
	Files    []string
	Records  int
	Batches  int
	Tokens   int
	Problems []string
}

func (c BundleCheck) OK() bool {
	return len(c.Problems) == 0
}

func (c *BundleCheck) problem(format string, args ...any) {
	c.Problems = append(c.Problems, fmt.Sprintf(format, args...))
}

// VerifyBundle checks MANIFEST digests, the record chain and every batch
// digest. With roots set, batch tokens are also validated against them.
func VerifyBundle(r io.Reader, roots *x509.CertPool) (BundleCheck, error) {
	files, err := readTar(r)
	if err != nil {
		return BundleCheck{}, err
	}
	var check BundleCheck
	manifest, ok := files[ManifestName]
	if !ok {
		return BundleCheck{}, errors.New("bundle has no MANIFEST")
	}
	listed := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(manifest))
	for scanner.Scan() {
		sum, name, found := strings.Cut(scanner.Text(), "  ")
		if !found {
			check.problem("malformed manifest line %q", scanner.Text())
			continue
		}
		listed[name] = true
		check.Files = append(check.Files, name)
		data, ok := files[name]
		if !ok {
			check.problem("%s listed in manifest but missing", name)
			continue
		}
		actual := sha256.Sum256(data)
		if hex.EncodeToString(actual[:]) != sum {
			check.problem("%s: sha-256 mismatch", name)
		}
	}
	for name := range files {
		if name != ManifestName && !listed[name] {
			check.problem("%s present but not listed in manifest", name)
		}
	}

	records, err := archive.ReadAll(bytes.NewReader(files[RecordsName]))
	if err != nil {
		return check, fmt.Errorf("records: %w", err)
	}
	check.Records = len(records)
	bySeq := make(map[int64][]byte, len(records))
	chain.Walk(records, nil, func(seq int64, rec *domain.AccessRecord, link chain.Link) {
		if link.Category != domain.ResultValid {
			check.problem("record %d: %s", seq, link.Category)
		}
		if rec != nil {
			bySeq[seq] = link.Recomputed
		}
	})

	var batches []BatchLine
	if raw, ok := files[BatchesName]; ok {
		if err := json.Unmarshal(raw, &batches); err != nil {
			return check, fmt.Errorf("batches: %w", err)
		}
	}
	check.Batches = len(batches)
	for _, b := range batches {
		verifyBatch(&check, b, bySeq, roots)
	}
	return check, nil
}

func verifyBatch(check *BundleCheck, b BatchLine, bySeq map[int64][]byte, roots *x509.CertPool) {
	if int64(len(b.ContentDigests)) != b.SeqTo-b.SeqFrom+1 {
		check.problem("batch %s: %d digests for range %d-%d", b.ID, len(b.ContentDigests), b.SeqFrom, b.SeqTo)
		return
	}
	digests := make([][]byte, 0, len(b.ContentDigests))
	for i, h := range b.ContentDigests {
		d, err := hex.DecodeString(h)
		if err != nil {
			check.problem("batch %s: bad digest at %d", b.ID, i)
			return
		}
		if recomputed, ok := bySeq[b.SeqFrom+int64(i)]; ok && !bytes.Equal(recomputed, d) {
			check.problem("batch %s: record %d does not match the signed digest list", b.ID, b.SeqFrom+int64(i))
		}
		digests = append(digests, d)
	}
	batchDigest := chain.BatchDigestOf(digests)
	if hex.EncodeToString(batchDigest) != b.Digest {
		check.problem("batch %s: batch digest mismatch", b.ID)
		return
	}
	if roots == nil {
		return
	}
	token, err := base64.StdEncoding.DecodeString(b.Token)
	if err != nil {
		check.problem("batch %s: token is not base64", b.ID)
		return
	}
	if _, err := tsa.VerifyToken(token, batchDigest, roots); err != nil {
		check.problem("batch %s: token invalid: %v", b.ID, err)
		return
	}
	check.Tokens++
}

func readTar(r io.Reader) (map[string][]byte, error) {
	files := make(map[string][]byte)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxBundleFile {
			return nil, fmt.Errorf("bundle entry %s too large", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = data
	}
	return files, nil
}
