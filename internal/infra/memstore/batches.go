package memstore

import (
	"context"
	"sort"
	"time"

	"sealog/internal/domain"
)

type batchRepo struct{ s *Store }

func (r batchRepo) GetBatch(ctx context.Context, batchID string) (domain.SignBatch, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignBatch{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	b, ok := r.s.batches[batchID]
	if !ok {
		return domain.SignBatch{}, domain.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (r batchRepo) ListBatches(ctx context.Context, tenantID string, states ...domain.BatchState) ([]domain.SignBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.SignBatch
	for _, b := range r.s.batches {
		if tenantID != "" && b.TenantID != tenantID {
			continue
		}
		if !stateIn(b.State, states) {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		if out[i].SeqFrom != out[j].SeqFrom {
			return out[i].SeqFrom < out[j].SeqFrom
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RecoverInFlight reverts the records of every IN_FLIGHT batch to UNSIGNED and leaves the
// batch retryable immediately.
func (r batchRepo) RecoverInFlight(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	recovered := 0
	for _, b := range r.s.batches {
		if b.State != domain.BatchInFlight {
			continue
		}
		state := r.s.chain(b.TenantID)
		for seq := b.SeqFrom; seq <= b.SeqTo; seq++ {
			rec, ok := state.records[seq]
			if ok && rec.SignState == domain.SignStateSigning && rec.BatchID == b.ID {
				rec.SignState = domain.SignStateUnsigned
				rec.BatchID = ""
			}
		}
		at := now
		b.State = domain.BatchRetryableFail
		b.NextAttemptAt = &at
		b.LastError = "recovered after interrupted attempt"
		b.UpdatedAt = now
		recovered++
	}
	return recovered, nil
}

func (r batchRepo) PurgeBatches(ctx context.Context, tenantID string, belowSeq int64, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, b := range r.s.batches {
		if b.TenantID != tenantID || b.SeqTo >= belowSeq || !b.CreatedAt.Before(before) {
			continue
		}
		if b.State == domain.BatchInFlight || b.State == domain.BatchPending {
			continue
		}
		delete(r.s.batches, id)
		n++
	}
	return n, nil
}
