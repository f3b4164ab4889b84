package memstore

import (
	"bytes"
	"context"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"
)

type recordRepo struct{ s *Store }

func lowWater(head domain.ChainHead) int64 {
	if head.LowWater < 1 {
		return 1
	}
	return head.LowWater
}

func (r recordRepo) Append(ctx context.Context, tenantID string, draft domain.RecordDraft, dedupWindow time.Duration, now time.Time) (domain.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AppendResult{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tenant, ok := r.s.tenants[tenantID]
	if !ok {
		return domain.AppendResult{}, domain.ErrTenantUnknown
	}
	if tenant.Frozen {
		return domain.AppendResult{}, domain.ErrTenantFrozen
	}
	state := r.s.chain(tenantID)

	if dedupWindow > 0 {
		cutoff := now.Add(-dedupWindow)
		for seq := state.head.LastSeq; seq >= lowWater(state.head); seq-- {
			rec, ok := state.records[seq]
			if !ok {
				continue
			}
			if rec.CreatedAt.Before(cutoff) {
				break
			}
			if bytes.Equal(rec.ContentDigest, draft.ContentDigest) {
				return domain.AppendResult{Record: cloneRecord(rec), Deduplicated: true}, nil
			}
		}
	}

	seq, prev := chain.Next(state.head)
	rec := &domain.AccessRecord{
		TenantID:         tenantID,
		Seq:              seq,
		Identity:         draft.Identity,
		FullName:         draft.FullName,
		Phone:            draft.Phone,
		NetworkAddress:   draft.NetworkAddress,
		HardwareAddress:  draft.HardwareAddress,
		EntryTime:        draft.EntryTime,
		Suspicious:       draft.Suspicious,
		NATAddress:       draft.NATAddress,
		NATPort:          draft.NATPort,
		Location:         draft.Location,
		DeviceName:       draft.DeviceName,
		Producer:         draft.Producer,
		CanonicalVersion: draft.CanonicalVersion,
		ContentDigest:    cloneBytes(draft.ContentDigest),
		PreviousDigest:   prev,
		SignState:        domain.SignStateUnsigned,
		CreatedAt:        now,
	}
	state.records[seq] = rec
	state.head.LastSeq = seq
	state.head.LastDigest = cloneBytes(rec.ContentDigest)
	state.head.UpdatedAt = now
	return domain.AppendResult{Record: cloneRecord(rec)}, nil
}

func (r recordRepo) Get(ctx context.Context, tenantID string, from, to int64) ([]domain.AccessRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	state, ok := r.s.chains[tenantID]
	if !ok {
		return nil, domain.ErrTenantUnknown
	}
	if from < 1 {
		from = 1
	}
	if to > state.head.LastSeq {
		to = state.head.LastSeq
	}
	var out []domain.AccessRecord
	for seq := from; seq <= to; seq++ {
		if rec, ok := state.records[seq]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// Scan returns records whose entry time lies in [from, to), in sequence order.
func (r recordRepo) Scan(ctx context.Context, tenantID string, from, to time.Time) ([]domain.AccessRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	state, ok := r.s.chains[tenantID]
	if !ok {
		return nil, domain.ErrTenantUnknown
	}
	var out []domain.AccessRecord
	for seq := lowWater(state.head); seq <= state.head.LastSeq; seq++ {
		rec, ok := state.records[seq]
		if !ok {
			continue
		}
		if !rec.EntryTime.Before(from) && rec.EntryTime.Before(to) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (r recordRepo) SeqRange(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error) {
	records, err := r.Scan(ctx, tenantID, from, to)
	if err != nil {
		return 0, 0, err
	}
	if len(records) == 0 {
		return 0, 0, domain.ErrNotFound
	}
	return records[0].Seq, records[len(records)-1].Seq, nil
}

func (r recordRepo) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChainHead{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if _, ok := r.s.tenants[tenantID]; !ok {
		return domain.ChainHead{}, domain.ErrTenantUnknown
	}
	state, ok := r.s.chains[tenantID]
	if !ok {
		return domain.ChainHead{TenantID: tenantID}, nil
	}
	head := state.head
	head.LastDigest = cloneBytes(head.LastDigest)
	return head, nil
}

func (r recordRepo) HeadAndTip(ctx context.Context, tenantID string) (domain.ChainHead, domain.ChainTip, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChainHead{}, domain.ChainTip{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if _, ok := r.s.tenants[tenantID]; !ok {
		return domain.ChainHead{}, domain.ChainTip{}, domain.ErrTenantUnknown
	}
	state, ok := r.s.chains[tenantID]
	if !ok {
		return domain.ChainHead{TenantID: tenantID}, domain.ChainTip{}, nil
	}
	head := state.head
	head.LastDigest = cloneBytes(head.LastDigest)
	var tip domain.ChainTip
	for seq := range state.records {
		if seq > tip.Seq {
			tip.Seq = seq
		}
	}
	if tip.Seq > 0 {
		tip.Digest = cloneBytes(state.records[tip.Seq].ContentDigest)
	}
	return head, tip, nil
}

// SelectUnsigned returns the contiguous run of UNSIGNED records starting at the lowest one.
func (r recordRepo) SelectUnsigned(ctx context.Context, tenantID string, limit int) ([]domain.AccessRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	state, ok := r.s.chains[tenantID]
	if !ok {
		return nil, domain.ErrTenantUnknown
	}
	var out []domain.AccessRecord
	for seq := lowWater(state.head); seq <= state.head.LastSeq && len(out) < limit; seq++ {
		rec, ok := state.records[seq]
		unsigned := ok && rec.SignState == domain.SignStateUnsigned
		if !unsigned {
			if len(out) > 0 {
				break
			}
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (r recordRepo) MarkSigning(ctx context.Context, batch domain.SignBatch) (domain.SignBatch, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignBatch{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	state, ok := r.s.chains[batch.TenantID]
	if !ok {
		return domain.SignBatch{}, domain.ErrTenantUnknown
	}
	stored := &batch
	if batch.ID == "" && batch.State == "" {
		stored.State = domain.BatchPending
	}
	if batch.ID != "" {
		existing, ok := r.s.batches[batch.ID]
		if !ok {
			return domain.SignBatch{}, domain.ErrNotFound
		}
		stored = existing
	}
	if stored.State != domain.BatchPending && stored.State != domain.BatchRetryableFail {
		return domain.SignBatch{}, domain.ErrIllegalTransition
	}
	if stored.SeqFrom < 1 || stored.SeqTo < stored.SeqFrom {
		return domain.SignBatch{}, domain.ErrInvalidArgument
	}
	for seq := stored.SeqFrom; seq <= stored.SeqTo; seq++ {
		rec, ok := state.records[seq]
		if !ok || rec.SignState != domain.SignStateUnsigned {
			return domain.SignBatch{}, domain.ErrIllegalTransition
		}
	}
	now := r.s.clock()
	if stored.ID == "" {
		stored.ID = newID()
		stored.CreatedAt = now
		r.s.batches[stored.ID] = stored
	}
	for seq := stored.SeqFrom; seq <= stored.SeqTo; seq++ {
		rec := state.records[seq]
		rec.SignState = domain.SignStateSigning
		rec.BatchID = stored.ID
	}
	stored.State = domain.BatchInFlight
	stored.Attempts++
	stored.NextAttemptAt = nil
	stored.UpdatedAt = now
	return cloneBatch(stored), nil
}

func (r recordRepo) MarkSigned(ctx context.Context, batchID string, token domain.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(token.Bytes) == 0 || token.Serial == "" || token.BackendID == "" {
		return domain.ErrInvalidArgument
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	batch, ok := r.s.batches[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	if batch.State != domain.BatchInFlight {
		return domain.ErrIllegalTransition
	}
	state := r.s.chain(batch.TenantID)
	for seq := batch.SeqFrom; seq <= batch.SeqTo; seq++ {
		rec, ok := state.records[seq]
		if !ok || rec.SignState != domain.SignStateSigning || rec.BatchID != batchID {
			return domain.ErrIllegalTransition
		}
	}
	signedAt := token.Time
	if signedAt.IsZero() {
		signedAt = r.s.clock()
	}
	signedAt = signedAt.UTC()
	for seq := batch.SeqFrom; seq <= batch.SeqTo; seq++ {
		rec := state.records[seq]
		rec.SignState = domain.SignStateSigned
		rec.TSAToken = cloneBytes(token.Bytes)
		rec.TSASerial = token.Serial
		rec.TSABackendID = token.BackendID
		at := signedAt
		rec.SignedAt = &at
	}
	batch.State = domain.BatchOK
	batch.Token = cloneBytes(token.Bytes)
	batch.Serial = token.Serial
	batch.BackendID = token.BackendID
	batch.SignedAt = &signedAt
	batch.LastError = ""
	batch.UpdatedAt = r.s.clock()
	return nil
}

func (r recordRepo) MarkFailed(ctx context.Context, batchID string, outcome domain.SignOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	batch, ok := r.s.batches[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	if batch.State != domain.BatchInFlight {
		return domain.ErrIllegalTransition
	}
	state := r.s.chain(batch.TenantID)
	for seq := batch.SeqFrom; seq <= batch.SeqTo; seq++ {
		rec, ok := state.records[seq]
		if !ok || rec.SignState != domain.SignStateSigning || rec.BatchID != batchID {
			continue
		}
		rec.SignState = domain.SignStateUnsigned
		rec.BatchID = ""
		if !outcome.Retryable {
			rec.SignFailures++
			if outcome.FailureCap > 0 && rec.SignFailures >= outcome.FailureCap {
				rec.SignState = domain.SignStateFailed
			}
		}
	}
	if outcome.Retryable {
		batch.State = domain.BatchRetryableFail
		batch.NextAttemptAt = cloneTime(outcome.NextAttemptAt)
	} else {
		batch.State = domain.BatchPermanentFail
		batch.NextAttemptAt = nil
	}
	batch.LastError = outcome.Detail
	batch.UpdatedAt = r.s.clock()
	return nil
}

func (r recordRepo) ResetFailed(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	state, ok := r.s.chains[tenantID]
	if !ok {
		return 0, domain.ErrTenantUnknown
	}
	var n int64
	for _, rec := range state.records {
		if rec.SignState == domain.SignStateFailed {
			rec.SignState = domain.SignStateUnsigned
			rec.SignFailures = 0
			n++
		}
	}
	return n, nil
}

func (r recordRepo) ArchiveCandidates(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]domain.AccessRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	state, ok := r.s.chains[tenantID]
	if !ok {
		return nil, domain.ErrTenantUnknown
	}
	var out []domain.AccessRecord
	for seq := lowWater(state.head); seq <= state.head.LastSeq && len(out) < limit; seq++ {
		rec, ok := state.records[seq]
		if !ok {
			break
		}
		if rec.ArchiveJobID != "" {
			if len(out) > 0 {
				break
			}
			continue
		}
		if rec.SignState == domain.SignStateSigning || !rec.EntryTime.Before(cutoff) {
			break
		}
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (r recordRepo) MarkArchived(ctx context.Context, tenantID string, from, to int64, class domain.RetentionClass, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	state, ok := r.s.chains[tenantID]
	if !ok {
		return domain.ErrTenantUnknown
	}
	for seq := from; seq <= to; seq++ {
		rec, ok := state.records[seq]
		if !ok || rec.SignState == domain.SignStateSigning {
			return domain.ErrIllegalTransition
		}
	}
	for seq := from; seq <= to; seq++ {
		rec := state.records[seq]
		rec.RetentionClass = string(class)
		rec.ArchiveJobID = jobID
	}
	return nil
}

func (r recordRepo) DeletePrefix(ctx context.Context, tenantID string, throughSeq int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	state, ok := r.s.chains[tenantID]
	if !ok {
		return 0, domain.ErrTenantUnknown
	}
	low := lowWater(state.head)
	if throughSeq < low {
		return 0, nil
	}
	if throughSeq > state.head.LastSeq {
		return 0, domain.ErrInvalidArgument
	}
	for seq := low; seq <= throughSeq; seq++ {
		rec, ok := state.records[seq]
		if !ok {
			continue
		}
		if rec.ArchiveJobID == "" || rec.SignState == domain.SignStateSigning {
			return 0, domain.ErrIllegalTransition
		}
	}
	for _, run := range r.s.runs {
		if run.TenantID == tenantID && run.References(low, throughSeq) {
			return 0, domain.ErrRetentionDeferred
		}
	}
	var n int64
	for seq := low; seq <= throughSeq; seq++ {
		if _, ok := state.records[seq]; ok {
			delete(state.records, seq)
			n++
		}
	}
	state.head.LowWater = throughSeq + 1
	state.head.UpdatedAt = r.s.clock()
	return n, nil
}
