package usecase_test

import (
	"testing"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"
	"sealog/internal/usecase"

	"github.com/stretchr/testify/require"
)

func unavailable() error {
	return domain.NewTSAError(domain.ErrTSAUnavailable, "primary", 503, nil)
}

func TestSignTenantHappyPath(t *testing.T) {
	f := newFixture(t)
	f.appendN(t, 1, start)

	var during domain.SignState
	f.tsa.during = func() { during = f.records(t, 1, 1)[0].SignState }

	rep, err := f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Batches)
	require.Equal(t, int64(1), rep.Signed)
	require.Equal(t, domain.SignStateSigning, during)

	rec := f.records(t, 1, 1)[0]
	require.Equal(t, domain.SignStateSigned, rec.SignState)
	require.NotEmpty(t, rec.TSAToken)
	require.Equal(t, "primary", rec.TSABackendID)
	require.NotNil(t, rec.SignedAt)
	require.WithinDuration(t, f.clock.Now(), *rec.SignedAt, 60*time.Second)

	batch, err := f.store.Batches().GetBatch(f.ctx, rec.BatchID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchOK, batch.State)
	require.Equal(t, chain.BatchDigestOf([][]byte{rec.ContentDigest}), batch.Digest)
	require.Equal(t, rec.TSASerial, batch.Serial)
}

func TestSignTenantCutsBatchesBySize(t *testing.T) {
	f := newFixture(t)
	f.appendN(t, 25, start)

	rep, err := f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Batches)
	require.Equal(t, int64(25), rep.Signed)

	batches, err := f.store.Batches().ListBatches(f.ctx, tenantID, domain.BatchOK)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	require.Equal(t, int64(1), batches[0].SeqFrom)
	require.Equal(t, int64(10), batches[0].SeqTo)
	require.Equal(t, int64(21), batches[2].SeqFrom)
	require.Equal(t, int64(25), batches[2].SeqTo)

	for _, b := range batches {
		recs := f.records(t, b.SeqFrom, b.SeqTo)
		require.Equal(t, chain.BatchDigest(recs), b.Digest)
		for _, rec := range recs {
			require.Equal(t, b.Serial, rec.TSASerial)
			require.Equal(t, b.BackendID, rec.TSABackendID)
		}
	}
}

func TestSignTenantRetryableFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	f.appendN(t, 3, start)
	f.tsa.failNext(unavailable())

	rep, err := f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Retryable)

	failed, err := f.store.Batches().ListBatches(f.ctx, tenantID, domain.BatchRetryableFail)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].NextAttemptAt)
	require.Equal(t, f.clock.Now().Add(usecase.DefaultSignRetryBase), *failed[0].NextAttemptAt)
	for _, rec := range f.records(t, 1, 3) {
		require.Equal(t, domain.SignStateUnsigned, rec.SignState)
	}
	require.Len(t, f.events.OfKind(domain.EventTransientFailure), 1)

	// Not due yet: the waiting records must not be cut into a second batch.
	calls := f.tsa.calls
	rep, err = f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Zero(t, rep.Batches)
	require.Equal(t, calls, f.tsa.calls)

	f.clock.Advance(usecase.DefaultSignRetryBase + time.Second)
	rep, err = f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, int64(3), rep.Signed)

	batch, err := f.store.Batches().GetBatch(f.ctx, failed[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchOK, batch.State)
	require.Equal(t, 2, batch.Attempts)
}

func TestSignTenantGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.appendN(t, 2, start)
	f.tsa.failNext(unavailable(), unavailable(), unavailable())

	for i := 0; i < usecase.DefaultSignMaxAttempts; i++ {
		_, err := f.signer.SignTenant(f.ctx, tenantID)
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	permanent, err := f.store.Batches().ListBatches(f.ctx, tenantID, domain.BatchPermanentFail)
	require.NoError(t, err)
	require.Len(t, permanent, 1)
	require.Equal(t, usecase.DefaultSignMaxAttempts, permanent[0].Attempts)
	require.Len(t, f.events.OfKind(domain.EventBatchFailed), 1)
	for _, rec := range f.records(t, 1, 2) {
		require.Equal(t, domain.SignStateUnsigned, rec.SignState)
		require.Equal(t, 1, rec.SignFailures)
	}

	// The records go into a fresh batch on the next pass.
	rep, err := f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, int64(2), rep.Signed)
}

func TestSignTenantRejectionIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.appendN(t, 1, start)
	f.tsa.failNext(domain.NewTSAError(domain.ErrTSARejected, "primary", 0, nil))

	rep, err := f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	permanent, err := f.store.Batches().ListBatches(f.ctx, tenantID, domain.BatchPermanentFail)
	require.NoError(t, err)
	require.Len(t, permanent, 1)
	require.Equal(t, 1, permanent[0].Attempts)
}

func TestSignTenantFailureCapMovesRecordsToFailed(t *testing.T) {
	f := newFixture(t)
	f.signer.Opts.FailureCap = 2
	f.appendN(t, 1, start)
	rejected := domain.NewTSAError(domain.ErrTSARejected, "primary", 0, nil)
	f.tsa.failNext(rejected, rejected)

	for i := 0; i < 2; i++ {
		_, err := f.signer.SignTenant(f.ctx, tenantID)
		require.NoError(t, err)
	}
	require.Equal(t, domain.SignStateFailed, f.records(t, 1, 1)[0].SignState)

	rep, err := f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Zero(t, rep.Batches)

	n, err := f.signer.ResetFailed(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	rep, err = f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, int64(1), rep.Signed)
}

func TestSignTenantSkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.appendN(t, 1, start)
	release, ok, err := f.locks.TryAcquire(f.ctx, usecase.SignLockKey(tenantID))
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, err = f.signer.SignTenant(f.ctx, tenantID)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	require.Zero(t, f.tsa.calls)
}

func TestSignAllCoversEveryTenant(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Tenants().Upsert(f.ctx, domain.Tenant{ID: "other", Slug: "other"}))
	f.appendN(t, 2, start)
	_, err := f.ingest.Append(f.ctx, "other", incoming("Ali Veli", start))
	require.NoError(t, err)

	reports, err := f.signer.SignAll(f.ctx)
	require.NoError(t, err)
	var signed int64
	for _, rep := range reports {
		signed += rep.Signed
	}
	require.Equal(t, int64(3), signed)
}

func TestRecoverRevertsInterruptedBatch(t *testing.T) {
	f := newFixture(t)
	recs := f.appendN(t, 3, start)

	// A signer that stopped after marking the batch and before the TSA answered.
	inFlight, err := f.store.Records().MarkSigning(f.ctx, domain.SignBatch{
		TenantID: tenantID,
		SeqFrom:  1,
		SeqTo:    3,
		Digest:   chain.BatchDigest(recs),
	})
	require.NoError(t, err)
	require.Equal(t, domain.BatchInFlight, inFlight.State)
	for _, rec := range f.records(t, 1, 3) {
		require.Equal(t, domain.SignStateSigning, rec.SignState)
	}

	n, err := f.signer.Recover(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	for _, rec := range f.records(t, 1, 3) {
		require.Equal(t, domain.SignStateUnsigned, rec.SignState)
		require.Empty(t, rec.BatchID)
	}
	batch, err := f.store.Batches().GetBatch(f.ctx, inFlight.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchRetryableFail, batch.State)

	rep, err := f.signer.SignTenant(f.ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Recovered)
	require.Equal(t, int64(3), rep.Signed)
	for _, rec := range f.records(t, 1, 3) {
		require.Equal(t, domain.SignStateSigned, rec.SignState)
		require.Equal(t, inFlight.ID, rec.BatchID)
	}
	batch, err = f.store.Batches().GetBatch(f.ctx, inFlight.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchOK, batch.State)
	require.Equal(t, 2, batch.Attempts)
}
