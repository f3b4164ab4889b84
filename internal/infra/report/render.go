package report

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/crypto"

	"github.com/go-pdf/fpdf"
)

// Render produces the report bytes for format. The same Document always
// renders to the same bytes.
func Render(doc Document, format domain.ReportFormat) ([]byte, error) {
	switch format {
	case domain.FormatJSON:
		return crypto.CanonicalJSON(doc)
	case domain.FormatCSV:
		return renderCSV(doc)
	case domain.FormatXML:
		return renderXML(doc)
	case domain.FormatPDF:
		return renderPDF(doc)
	default:
		return nil, fmt.Errorf("%w: unknown report format %q", domain.ErrInvalidArgument, format)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func summaryRows(doc Document) [][]string {
	c := doc.Counters
	return [][]string{
		{"kind", string(doc.Kind)},
		{"tenant_id", doc.TenantID},
		{"run_id", doc.RunID},
		{"run_state", string(doc.RunState)},
		{"seq_from", strconv.FormatInt(doc.SeqFrom, 10)},
		{"seq_to", strconv.FormatInt(doc.SeqTo, 10)},
		{"generated_at", stamp(doc.GeneratedAt)},
		{"total", strconv.FormatInt(c.Total, 10)},
		{"valid", strconv.FormatInt(c.Valid, 10)},
		{"modified", strconv.FormatInt(c.Modified, 10)},
		{"chain_broken", strconv.FormatInt(c.ChainBroken, 10)},
		{"missing", strconv.FormatInt(c.Missing, 10)},
		{"token_invalid", strconv.FormatInt(c.TokenInvalid, 10)},
		{"errors", strconv.FormatInt(c.Errors, 10)},
		{"score", strconv.Itoa(doc.Score)},
		{"compliance", string(doc.Compliance)},
	}
}

func retentionRows(doc Document) [][]string {
	rows := make([][]string, 0, len(doc.Retention))
	for _, r := range doc.Retention {
		rows = append(rows, []string{
			string(r.Class), r.RetainFor, string(r.TargetStore),
			strconv.FormatBool(r.Enabled), strconv.FormatInt(r.Overdue, 10), strconv.FormatBool(r.Conforming),
		})
	}
	return rows
}

func findingRows(doc Document) [][]string {
	rows := make([][]string, 0, len(doc.Findings))
	for _, f := range doc.Findings {
		rows = append(rows, []string{
			strconv.FormatInt(f.Seq, 10), string(f.Category), f.ExpectedDigest, f.ActualDigest, f.BackendID, f.Detail,
		})
	}
	return rows
}

func recordRows(doc Document) [][]string {
	rows := make([][]string, 0, len(doc.Records))
	for _, r := range doc.Records {
		rows = append(rows, []string{
			strconv.FormatInt(r.Seq, 10), stamp(r.EntryTime), r.ContentDigest, r.PreviousDigest,
			string(r.SignState), r.BatchID, r.TSASerial, r.TSABackendID,
		})
	}
	return rows
}

func batchRows(doc Document) [][]string {
	rows := make([][]string, 0, len(doc.Batches))
	for _, b := range doc.Batches {
		rows = append(rows, []string{
			b.ID, strconv.FormatInt(b.SeqFrom, 10), strconv.FormatInt(b.SeqTo, 10), b.BackendID, b.Serial,
			stamp(b.SignedAt), b.Digest, b.Token,
		})
	}
	return rows
}

var (
	retentionHeader = []string{"retention_class", "retain_for", "target_store", "enabled", "overdue", "conforming"}
	findingHeader   = []string{"seq", "category", "expected_digest", "actual_digest", "backend_id", "detail"}
	recordHeader    = []string{"seq", "entry_time", "content_digest", "previous_digest", "sign_state", "batch_id", "tsa_serial", "tsa_backend_id"}
	batchHeader     = []string{"batch_id", "seq_from", "seq_to", "backend_id", "serial", "signed_at", "digest", "token_base64"}
)

func renderCSV(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	write := func(header []string, rows [][]string) {
		if len(rows) == 0 {
			return
		}
		w.Write(nil)
		w.Write(header)
		w.WriteAll(rows)
	}
	w.Write([]string{"field", "value"})
	w.WriteAll(summaryRows(doc))
	write(retentionHeader, retentionRows(doc))
	write(findingHeader, findingRows(doc))
	write(recordHeader, recordRows(doc))
	write(batchHeader, batchRows(doc))
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderXML(doc Document) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	return append(out, '\n'), nil
}

func renderPDF(doc Document) ([]byte, error) {
	generated := doc.GeneratedAt.UTC()
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(generated)
	pdf.SetModificationDate(generated)
	pdf.SetCompression(true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	title := fmt.Sprintf("%s report", doc.Kind)
	pdf.SetTitle(title, true)
	pdf.SetAuthor("sealog", true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, row := range summaryRows(doc) {
		pdf.CellFormat(45, 6, tr(row[0]), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, tr(row[1]), "", 1, "L", false, 0, "")
	}

	table := func(heading string, header []string, rows [][]string, widths []float64) {
		if len(rows) == 0 {
			return
		}
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, tr(heading), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "B", 7)
		for i, h := range header {
			pdf.CellFormat(widths[i], 5, tr(h), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Courier", "", 6)
		for _, row := range rows {
			for i, cell := range row {
				pdf.CellFormat(widths[i], 5, tr(clip(cell, widths[i])), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}
	table("Retention", retentionHeader, retentionRows(doc), []float64{35, 30, 35, 25, 25, 30})
	table("Findings", findingHeader, findingRows(doc), []float64{15, 25, 50, 50, 25, 25})
	table("Records", recordHeader, recordRows(doc), []float64{12, 28, 40, 40, 18, 20, 16, 16})
	table("Batches", batchHeader, batchRows(doc), []float64{30, 12, 12, 20, 14, 28, 40, 34})

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// clip shortens cell text to what fits in width millimetres of 6pt Courier.
func clip(s string, width float64) string {
	limit := int(width / 1.3)
	if limit < 4 || len(s) <= limit {
		return s
	}
	return s[:limit-2] + ".."
}
