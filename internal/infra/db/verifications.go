package db

import (
	"context"
	"errors"
	"time"

	"sealog/internal/domain"

	"gorm.io/gorm"
)

type verificationRepo struct{ s *Store }

func runModelFromDomain(run domain.VerificationRun) VerificationRunModel {
	return VerificationRunModel{
		ID:              run.ID,
		TenantID:        run.TenantID,
		SeqFrom:         run.SeqFrom,
		SeqTo:           run.SeqTo,
		WindowFrom:      utcPtr(run.WindowFrom),
		WindowTo:        utcPtr(run.WindowTo),
		State:           string(run.State),
		Total:           run.Counters.Total,
		Valid:           run.Counters.Valid,
		Modified:        run.Counters.Modified,
		ChainBroken:     run.Counters.ChainBroken,
		Missing:         run.Counters.Missing,
		TokenInvalid:    run.Counters.TokenInvalid,
		Errors:          run.Counters.Errors,
		CursorSeq:       run.Cursor,
		Error:           run.Error,
		Exported:        run.Exported,
		ReportRef:       run.ReportRef,
		CancelRequested: run.CancelRequested,
		StartedAt:       utcPtr(run.StartedAt),
		EndedAt:         utcPtr(run.EndedAt),
		CreatedAt:       run.CreatedAt.UTC(),
	}
}

func runFromModel(m VerificationRunModel) domain.VerificationRun {
	return domain.VerificationRun{
		ID:         m.ID,
		TenantID:   m.TenantID,
		SeqFrom:    m.SeqFrom,
		SeqTo:      m.SeqTo,
		WindowFrom: utcPtr(m.WindowFrom),
		WindowTo:   utcPtr(m.WindowTo),
		State:      domain.RunState(m.State),
		Counters: domain.RunCounters{
			Total:        m.Total,
			Valid:        m.Valid,
			Modified:     m.Modified,
			ChainBroken:  m.ChainBroken,
			Missing:      m.Missing,
			TokenInvalid: m.TokenInvalid,
			Errors:       m.Errors,
		},
		Cursor:          m.CursorSeq,
		Error:           m.Error,
		Exported:        m.Exported,
		ReportRef:       m.ReportRef,
		CancelRequested: m.CancelRequested,
		StartedAt:       utcPtr(m.StartedAt),
		EndedAt:         utcPtr(m.EndedAt),
		CreatedAt:       m.CreatedAt.UTC(),
	}
}

// CreateRun takes the chain head lock so the run's range is pinned before any concurrent
// retention deletion can observe it.
func (r verificationRepo) CreateRun(ctx context.Context, run domain.VerificationRun) (domain.VerificationRun, error) {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.State == "" {
		run.State = domain.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.s.now()
	}
	model := runModelFromDomain(run)
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockHead(tx, run.TenantID); err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.VerificationRun{}, mapErr(err)
	}
	return runFromModel(model), nil
}

func (r verificationRepo) GetRun(ctx context.Context, tenantID, runID string) (domain.VerificationRun, error) {
	q := r.s.db.WithContext(ctx).Where("id = ?", runID)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var m VerificationRunModel
	if err := q.Take(&m).Error; err != nil {
		return domain.VerificationRun{}, mapErr(err)
	}
	return runFromModel(m), nil
}

// UpdateRun persists progress. A cancel request recorded concurrently is never lost.
func (r verificationRepo) UpdateRun(ctx context.Context, run domain.VerificationRun) error {
	model := runModelFromDomain(run)
	res := r.s.db.WithContext(ctx).Model(&VerificationRunModel{}).Where("id = ?", run.ID).Updates(map[string]any{
		"seq_from":         model.SeqFrom,
		"seq_to":           model.SeqTo,
		"state":            model.State,
		"total":            model.Total,
		"valid":            model.Valid,
		"modified":         model.Modified,
		"chain_broken":     model.ChainBroken,
		"missing":          model.Missing,
		"token_invalid":    model.TokenInvalid,
		"errors":           model.Errors,
		"cursor_seq":       model.CursorSeq,
		"error":            model.Error,
		"exported":         model.Exported,
		"report_ref":       model.ReportRef,
		"cancel_requested": gorm.Expr("cancel_requested OR ?", model.CancelRequested),
		"started_at":       model.StartedAt,
		"ended_at":         model.EndedAt,
	})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r verificationRepo) RequestCancel(ctx context.Context, tenantID, runID string) error {
	db := r.s.db.WithContext(ctx)
	res := db.Model(&VerificationRunModel{}).
		Where("id = ? AND tenant_id = ? AND state IN ?", runID, tenantID,
			[]string{string(domain.RunPending), string(domain.RunRunning)}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err := r.GetRun(ctx, tenantID, runID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrIllegalTransition
}

func (r verificationRepo) ListRuns(ctx context.Context, tenantID string, states ...domain.RunState) ([]domain.VerificationRun, error) {
	q := r.s.db.WithContext(ctx).Model(&VerificationRunModel{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if len(states) > 0 {
		q = q.Where("state IN ?", stateStrings(states))
	}
	var models []VerificationRunModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.VerificationRun, 0, len(models))
	for _, m := range models {
		out = append(out, runFromModel(m))
	}
	return out, nil
}

func (r verificationRepo) AddFindings(ctx context.Context, findings []domain.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	models := make([]FindingModel, 0, len(findings))
	for _, f := range findings {
		models = append(models, FindingModel{
			RunID:          f.RunID,
			Seq:            f.Seq,
			Category:       string(f.Category),
			ExpectedDigest: f.ExpectedDigest,
			ActualDigest:   f.ActualDigest,
			BackendID:      f.BackendID,
			Detail:         f.Detail,
		})
	}
	return mapErr(r.s.db.WithContext(ctx).CreateInBatches(&models, 500).Error)
}

func (r verificationRepo) ListFindings(ctx context.Context, runID string) ([]domain.Finding, error) {
	var models []FindingModel
	if err := r.s.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq ASC, id ASC").Find(&models).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.Finding, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Finding{
			RunID:          m.RunID,
			Seq:            m.Seq,
			Category:       domain.ResultCategory(m.Category),
			ExpectedDigest: m.ExpectedDigest,
			ActualDigest:   m.ActualDigest,
			BackendID:      m.BackendID,
			Detail:         m.Detail,
		})
	}
	return out, nil
}

func (r verificationRepo) DeleteFindings(ctx context.Context, runID string) error {
	return mapErr(r.s.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&FindingModel{}).Error)
}

func (r verificationRepo) MarkExported(ctx context.Context, runID, reportRef string) error {
	res := r.s.db.WithContext(ctx).Model(&VerificationRunModel{}).Where("id = ?", runID).Updates(map[string]any{
		"exported":   true,
		"report_ref": reportRef,
	})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PurgeRuns keeps DONE runs whose report was never exported.
func (r verificationRepo) PurgeRuns(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	res := r.s.db.WithContext(ctx).
		Where("tenant_id = ? AND ended_at IS NOT NULL AND ended_at < ?", tenantID, before.UTC()).
		Where("NOT (state = ? AND NOT exported)", string(domain.RunDone)).
		Delete(&VerificationRunModel{})
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return res.RowsAffected, nil
}
