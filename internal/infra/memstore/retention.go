package memstore

import (
	"context"
	"sort"
	"time"

	"sealog/internal/domain"
)

type retentionRepo struct{ s *Store }

func clonePolicy(p *domain.RetentionPolicy) domain.RetentionPolicy {
	out := *p
	out.LastRunAt = cloneTime(p.LastRunAt)
	return out
}

func cloneJob(j *domain.ArchiveJob) domain.ArchiveJob {
	out := *j
	out.StartedAt = cloneTime(j.StartedAt)
	out.EndedAt = cloneTime(j.EndedAt)
	return out
}

func (r retentionRepo) ListPolicies(ctx context.Context, tenantID string) ([]domain.RetentionPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.RetentionPolicy
	for _, p := range r.s.policies {
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Class < out[j].Class
	})
	return out, nil
}

// UpsertPolicy keys policies by tenant and class.
func (r retentionRepo) UpsertPolicy(ctx context.Context, p domain.RetentionPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.TenantID == "" || p.Class == "" {
		return domain.ErrInvalidArgument
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.policies {
		if existing.TenantID == p.TenantID && existing.Class == p.Class {
			p.ID = id
			if p.LastRunAt == nil {
				p.LastRunAt = cloneTime(existing.LastRunAt)
			}
		}
	}
	if p.ID == "" {
		p.ID = newID()
	}
	stored := clonePolicy(&p)
	r.s.policies[p.ID] = &stored
	return nil
}

func (r retentionRepo) TouchPolicy(ctx context.Context, policyID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.policies[policyID]
	if !ok {
		return domain.ErrNotFound
	}
	last := at
	p.LastRunAt = &last
	return nil
}

func (r retentionRepo) CreateJob(ctx context.Context, job domain.ArchiveJob) (domain.ArchiveJob, error) {
	if err := ctx.Err(); err != nil {
		return domain.ArchiveJob{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if job.ID == "" {
		job.ID = newID()
	}
	if job.State == "" {
		job.State = domain.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.s.clock()
	}
	stored := cloneJob(&job)
	r.s.jobs[job.ID] = &stored
	return cloneJob(&stored), nil
}

func (r retentionRepo) UpdateJob(ctx context.Context, job domain.ArchiveJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	stored := cloneJob(&job)
	r.s.jobs[job.ID] = &stored
	return nil
}

func (r retentionRepo) GetJob(ctx context.Context, jobID string) (domain.ArchiveJob, error) {
	if err := ctx.Err(); err != nil {
		return domain.ArchiveJob{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	j, ok := r.s.jobs[jobID]
	if !ok {
		return domain.ArchiveJob{}, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (r retentionRepo) ListJobs(ctx context.Context, tenantID string, states ...domain.JobState) ([]domain.ArchiveJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.ArchiveJob
	for _, j := range r.s.jobs {
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		if !stateIn(j.State, states) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SeqFrom != out[j].SeqFrom {
			return out[i].SeqFrom < out[j].SeqFrom
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
