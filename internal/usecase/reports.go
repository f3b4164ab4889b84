package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/report"
)

// ReportBuilder turns a finished VerificationRun into a report. The output is a function of
// the run and the records it references; rendering the same run twice gives the same bytes.
type ReportBuilder struct {
	Store Store
	Env   Env
}

func NewReportBuilder(store Store, env Env) *ReportBuilder {
	return &ReportBuilder{Store: store, Env: env.withDefaults()}
}

// Render builds the report and marks the run exported, which releases its hold on retention.
func (b *ReportBuilder) Render(ctx context.Context, tenantID, runID string, kind domain.ReportKind, format domain.ReportFormat) ([]byte, error) {
	doc, _, err := b.Document(ctx, tenantID, runID, kind)
	if err != nil {
		return nil, err
	}
	out, err := report.Render(doc, format)
	if err != nil {
		return nil, err
	}
	return out, b.exported(ctx, runID, kind, format, out)
}

// Bundle packs an evidence report with the records it covers and their batch tokens.
func (b *ReportBuilder) Bundle(ctx context.Context, tenantID, runID string, format domain.ReportFormat) ([]byte, error) {
	doc, records, err := b.Document(ctx, tenantID, runID, domain.ReportEvidence)
	if err != nil {
		return nil, err
	}
	out, err := report.EvidenceBundle(doc, format, records)
	if err != nil {
		return nil, err
	}
	return out, b.exported(ctx, runID, domain.ReportEvidence, "tar", out)
}

func (b *ReportBuilder) exported(ctx context.Context, runID string, kind domain.ReportKind, format domain.ReportFormat, out []byte) error {
	sum := sha256.Sum256(out)
	ref := fmt.Sprintf("%s.%s:sha256:%s", kind, format, hex.EncodeToString(sum[:]))
	return b.Store.Verifications().MarkExported(ctx, runID, ref)
}

// Document assembles the format-independent report content. Evidence documents also return
// the full records, expanded to whole batches so every token can be re-bound.
func (b *ReportBuilder) Document(ctx context.Context, tenantID, runID string, kind domain.ReportKind) (report.Document, []domain.AccessRecord, error) {
	run, err := b.Store.Verifications().GetRun(ctx, tenantID, runID)
	if err != nil {
		return report.Document{}, nil, err
	}
	if run.State != domain.RunDone {
		return report.Document{}, nil, fmt.Errorf("%w: run %s is %s", domain.ErrIllegalTransition, run.ID, run.State)
	}
	generated := run.CreatedAt
	if run.EndedAt != nil {
		generated = *run.EndedAt
	}
	score := run.Counters.Score()
	doc := report.Document{
		Kind:        kind,
		TenantID:    run.TenantID,
		RunID:       run.ID,
		RunState:    run.State,
		SeqFrom:     run.SeqFrom,
		SeqTo:       run.SeqTo,
		GeneratedAt: generated.UTC(),
		Counters:    run.Counters,
		Score:       score,
		Compliance:  domain.ComplianceFor(score),
	}

	switch kind {
	case domain.ReportCompliance:
		doc.Retention, err = b.retentionStatements(ctx, run.TenantID, generated)
		if err != nil {
			return report.Document{}, nil, err
		}
		return doc, nil, nil
	case domain.ReportIntegrity, domain.ReportEvidence:
		findings, err := b.Store.Verifications().ListFindings(ctx, run.ID)
		if err != nil {
			return report.Document{}, nil, err
		}
		for _, f := range findings {
			doc.Findings = append(doc.Findings, report.FindingLineOf(f))
		}
	default:
		return report.Document{}, nil, fmt.Errorf("%w: report kind %q", domain.ErrInvalidArgument, kind)
	}
	if kind == domain.ReportIntegrity || run.SeqTo < run.SeqFrom {
		return doc, nil, nil
	}

	records, batches, err := b.evidence(ctx, run.TenantID, run.SeqFrom, run.SeqTo)
	if err != nil {
		return report.Document{}, nil, err
	}
	for _, rec := range records {
		doc.Records = append(doc.Records, report.RecordLineOf(rec))
	}
	doc.Batches = batchLines(batches, records)
	return doc, records, nil
}

// evidence loads the records in [from, to] widened to the bounds of every batch they belong
// to, together with those batches.
func (b *ReportBuilder) evidence(ctx context.Context, tenantID string, from, to int64) ([]domain.AccessRecord, []domain.SignBatch, error) {
	records, err := b.Store.Records().Get(ctx, tenantID, from, to)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool)
	var batches []domain.SignBatch
	lo, hi := from, to
	for _, rec := range records {
		if rec.SignState != domain.SignStateSigned || rec.BatchID == "" || seen[rec.BatchID] {
			continue
		}
		seen[rec.BatchID] = true
		batch, err := b.Store.Batches().GetBatch(ctx, rec.BatchID)
		if err != nil {
			return nil, nil, err
		}
		batches = append(batches, batch)
		lo = min(lo, batch.SeqFrom)
		hi = max(hi, batch.SeqTo)
	}
	if lo < from || hi > to {
		if records, err = b.Store.Records().Get(ctx, tenantID, lo, hi); err != nil {
			return nil, nil, err
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].SeqFrom < batches[j].SeqFrom })
	return records, batches, nil
}

func batchLines(batches []domain.SignBatch, records []domain.AccessRecord) []report.BatchLine {
	bySeq := make(map[int64][]byte, len(records))
	for _, rec := range records {
		bySeq[rec.Seq] = rec.ContentDigest
	}
	lines := make([]report.BatchLine, 0, len(batches))
	for _, batch := range batches {
		line := report.BatchLine{
			ID:        batch.ID,
			SeqFrom:   batch.SeqFrom,
			SeqTo:     batch.SeqTo,
			BackendID: batch.BackendID,
			Serial:    batch.Serial,
			Digest:    hex.EncodeToString(batch.Digest),
			Token:     base64.StdEncoding.EncodeToString(batch.Token),
		}
		if batch.SignedAt != nil {
			line.SignedAt = batch.SignedAt.UTC()
		}
		for seq := batch.SeqFrom; seq <= batch.SeqTo; seq++ {
			if d, ok := bySeq[seq]; ok {
				line.ContentDigests = append(line.ContentDigests, hex.EncodeToString(d))
			}
		}
		lines = append(lines, line)
	}
	return lines
}

// retentionStatements reports, per configured class, whether anything has outlived its
// period as of ref. Overdue counts are only tracked for access logs.
func (b *ReportBuilder) retentionStatements(ctx context.Context, tenantID string, ref time.Time) ([]domain.RetentionStatement, error) {
	policies, err := b.Store.Retention().ListPolicies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RetentionStatement, 0, len(policies))
	for _, p := range policies {
		st := domain.RetentionStatement{
			Class:       p.Class,
			RetainFor:   fmt.Sprintf("%dy%dm%dd", p.Years, p.Months, p.Days),
			TargetStore: p.TargetStore,
			Enabled:     p.Enabled,
		}
		if p.Class == domain.ClassAccessLog {
			overdue, err := b.Store.Records().Scan(ctx, tenantID, time.Unix(0, 0).UTC(), p.Cutoff(ref))
			if err != nil {
				return nil, err
			}
			st.Overdue = int64(len(overdue))
		}
		st.Conforming = p.Enabled && st.Overdue == 0
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out, nil
}
