package memstore

import (
	"context"
	"sort"
	"time"

	"sealog/internal/domain"
)

type tenantRepo struct{ s *Store }

func (r tenantRepo) Get(ctx context.Context, tenantID string) (domain.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Tenant{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.tenants[tenantID]
	if !ok {
		return domain.Tenant{}, domain.ErrTenantUnknown
	}
	out := *t
	out.FrozenAt = cloneTime(t.FrozenAt)
	return out, nil
}

func (r tenantRepo) List(ctx context.Context) ([]domain.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Tenant, 0, len(r.s.tenants))
	for _, t := range r.s.tenants {
		cp := *t
		cp.FrozenAt = cloneTime(t.FrozenAt)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert stores tenant settings. An existing freeze is preserved.
func (r tenantRepo) Upsert(ctx context.Context, t domain.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ID == "" {
		return domain.ErrInvalidArgument
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.tenants[t.ID]; ok {
		t.Frozen = existing.Frozen
		t.FrozenReason = existing.FrozenReason
		t.FrozenAt = cloneTime(existing.FrozenAt)
	}
	r.s.tenants[t.ID] = &t
	r.s.chain(t.ID)
	return nil
}

func (r tenantRepo) Freeze(ctx context.Context, tenantID, reason string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tenants[tenantID]
	if !ok {
		return domain.ErrTenantUnknown
	}
	t.Frozen = true
	t.FrozenReason = reason
	t.FrozenAt = &at
	return nil
}

func (r tenantRepo) Unfreeze(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tenants[tenantID]
	if !ok {
		return domain.ErrTenantUnknown
	}
	t.Frozen = false
	t.FrozenReason = ""
	t.FrozenAt = nil
	return nil
}
