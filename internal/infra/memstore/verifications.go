package memstore

import (
	"context"
	"sort"
	"time"

	"sealog/internal/domain"
)

type verificationRepo struct{ s *Store }

func cloneRun(run *domain.VerificationRun) domain.VerificationRun {
	out := *run
	out.WindowFrom = cloneTime(run.WindowFrom)
	out.WindowTo = cloneTime(run.WindowTo)
	out.StartedAt = cloneTime(run.StartedAt)
	out.EndedAt = cloneTime(run.EndedAt)
	return out
}

func (r verificationRepo) CreateRun(ctx context.Context, run domain.VerificationRun) (domain.VerificationRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.VerificationRun{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tenants[run.TenantID]; !ok {
		return domain.VerificationRun{}, domain.ErrTenantUnknown
	}
	if run.ID == "" {
		run.ID = newID()
	}
	if run.State == "" {
		run.State = domain.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.s.clock()
	}
	stored := cloneRun(&run)
	r.s.runs[run.ID] = &stored
	return cloneRun(&stored), nil
}

func (r verificationRepo) GetRun(ctx context.Context, tenantID, runID string) (domain.VerificationRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.VerificationRun{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.runs[runID]
	if !ok || (tenantID != "" && run.TenantID != tenantID) {
		return domain.VerificationRun{}, domain.ErrNotFound
	}
	return cloneRun(run), nil
}

// UpdateRun persists progress. A cancel request recorded concurrently is never lost.
func (r verificationRepo) UpdateRun(ctx context.Context, run domain.VerificationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.runs[run.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cancel := existing.CancelRequested
	stored := cloneRun(&run)
	stored.CancelRequested = stored.CancelRequested || cancel
	r.s.runs[run.ID] = &stored
	return nil
}

func (r verificationRepo) RequestCancel(ctx context.Context, tenantID, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok || run.TenantID != tenantID {
		return domain.ErrNotFound
	}
	if !run.Active() {
		return domain.ErrIllegalTransition
	}
	run.CancelRequested = true
	return nil
}

func (r verificationRepo) ListRuns(ctx context.Context, tenantID string, states ...domain.RunState) ([]domain.VerificationRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.VerificationRun
	for _, run := range r.s.runs {
		if tenantID != "" && run.TenantID != tenantID {
			continue
		}
		if !stateIn(run.State, states) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r verificationRepo) AddFindings(ctx context.Context, findings []domain.Finding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, f := range findings {
		r.s.findings[f.RunID] = append(r.s.findings[f.RunID], f)
	}
	return nil
}

func (r verificationRepo) ListFindings(ctx context.Context, runID string) ([]domain.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := append([]domain.Finding(nil), r.s.findings[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r verificationRepo) DeleteFindings(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.findings, runID)
	return nil
}

func (r verificationRepo) MarkExported(ctx context.Context, runID, reportRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	run.Exported = true
	run.ReportRef = reportRef
	return nil
}

func (r verificationRepo) PurgeRuns(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, run := range r.s.runs {
		if run.TenantID != tenantID || run.EndedAt == nil || !run.EndedAt.Before(before) {
			continue
		}
		if run.State == domain.RunDone && !run.Exported {
			continue
		}
		delete(r.s.runs, id)
		delete(r.s.findings, id)
		n++
	}
	return n, nil
}
