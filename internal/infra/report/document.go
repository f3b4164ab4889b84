package report

import (
	"encoding/hex"
	"encoding/xml"
	"time"

	"sealog/internal/domain"
)

// Document is the format-independent content of a report. Renderers are pure
// functions of a Document.
type Document struct {
	XMLName     xml.Name          `json:"-" xml:"report"`
	Kind        domain.ReportKind `json:"kind" xml:"kind,attr"`
	TenantID    string            `json:"tenant_id" xml:"tenant_id"`
	RunID       string            `json:"run_id" xml:"run_id"`
	RunState    domain.RunState   `json:"run_state" xml:"run_state"`
	SeqFrom     int64             `json:"seq_from" xml:"seq_from"`
	SeqTo       int64             `json:"seq_to" xml:"seq_to"`
	GeneratedAt time.Time         `json:"generated_at" xml:"generated_at"`

	Counters   domain.RunCounters      `json:"counters" xml:"counters"`
	Score      int                     `json:"score" xml:"score"`
	Compliance domain.ComplianceStatus `json:"compliance" xml:"compliance"`

	Retention []domain.RetentionStatement `json:"retention,omitempty" xml:"retention>statement,omitempty"`
	Findings  []FindingLine               `json:"findings,omitempty" xml:"findings>finding,omitempty"`
	Records   []RecordLine                `json:"records,omitempty" xml:"records>record,omitempty"`
	Batches   []BatchLine                 `json:"batches,omitempty" xml:"batches>batch,omitempty"`
}

type FindingLine struct {
	Seq            int64                 `json:"seq" xml:"seq,attr"`
	Category       domain.ResultCategory `json:"category" xml:"category"`
	ExpectedDigest string                `json:"expected_digest,omitempty" xml:"expected_digest,omitempty"`
	ActualDigest   string                `json:"actual_digest,omitempty" xml:"actual_digest,omitempty"`
	BackendID      string                `json:"backend_id,omitempty" xml:"backend_id,omitempty"`
	Detail         string                `json:"detail,omitempty" xml:"detail,omitempty"`
}

// RecordLine is the evidence view of a record: digests and signing metadata,
// no personal data.
type RecordLine struct {
	Seq            int64            `json:"seq" xml:"seq,attr"`
	EntryTime      time.Time        `json:"entry_time" xml:"entry_time"`
	ContentDigest  string           `json:"content_digest" xml:"content_digest"`
	PreviousDigest string           `json:"previous_digest" xml:"previous_digest"`
	SignState      domain.SignState `json:"sign_state" xml:"sign_state"`
	BatchID        string           `json:"batch_id,omitempty" xml:"batch_id,omitempty"`
	TSASerial      string           `json:"tsa_serial,omitempty" xml:"tsa_serial,omitempty"`
	TSABackendID   string           `json:"tsa_backend_id,omitempty" xml:"tsa_backend_id,omitempty"`
}

// BatchLine carries what an auditor needs to re-bind a batch token offline.
// Token is base64 DER.
type BatchLine struct {
	ID             string    `json:"id" xml:"id,attr"`
	SeqFrom        int64     `json:"seq_from" xml:"seq_from"`
	SeqTo          int64     `json:"seq_to" xml:"seq_to"`
	BackendID      string    `json:"backend_id" xml:"backend_id"`
	Serial         string    `json:"serial" xml:"serial"`
	SignedAt       time.Time `json:"signed_at" xml:"signed_at"`
	Digest         string    `json:"digest" xml:"digest"`
	Token          string    `json:"token" xml:"token"`
	ContentDigests []string  `json:"content_digests" xml:"content_digests>digest"`
}

func FindingLineOf(f domain.Finding) FindingLine {
	return FindingLine{
		Seq:            f.Seq,
		Category:       f.Category,
		ExpectedDigest: f.ExpectedDigest,
		ActualDigest:   f.ActualDigest,
		BackendID:      f.BackendID,
		Detail:         f.Detail,
	}
}

func RecordLineOf(rec domain.AccessRecord) RecordLine {
	return RecordLine{
		Seq:            rec.Seq,
		EntryTime:      rec.EntryTime.UTC(),
		ContentDigest:  hex.EncodeToString(rec.ContentDigest),
		PreviousDigest: hex.EncodeToString(rec.PreviousDigest),
		SignState:      rec.SignState,
		BatchID:        rec.BatchID,
		TSASerial:      rec.TSASerial,
		TSABackendID:   rec.TSABackendID,
	}
}
