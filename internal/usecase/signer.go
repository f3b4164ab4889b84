package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSignMaxAttempts = 3
	DefaultSignRetryBase   = 300 * time.Second
	DefaultSignFailureCap  = 5
	DefaultBatchesPerRun   = 10
	DefaultSignParallelism = 4
)

type SignerOptions struct {
	// MaxAttempts bounds how often a batch is sent while failures stay retryable.
	MaxAttempts int
	RetryBase   time.Duration
	// FailureCap moves a record to FAILED after this many permanently failed batches.
	FailureCap    int
	BatchesPerRun int
	Parallelism   int
	// Jitter picks the actual delay in [0, ceiling]. Defaults to a uniform draw.
	Jitter func(ceiling time.Duration) time.Duration
}

// SignReport summarises one SignTenant pass.
type SignReport struct {
	TenantID  string
	Batches   int
	Signed    int64
	Retryable int
	Failed    int
	Recovered int
}

// BatchSigner groups unsigned records into batches and has each batch digest timestamped.
// Only one signer works on a tenant at a time; a second caller finds the sign lock held and
// backs off.
type BatchSigner struct {
	Store Store
	TSA   TimestampClient
	Locks Locker
	Opts  SignerOptions
	Env   Env
}

func NewBatchSigner(store Store, tsa TimestampClient, locks Locker, opts SignerOptions, env Env) *BatchSigner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultSignMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultSignRetryBase
	}
	if opts.FailureCap <= 0 {
		opts.FailureCap = DefaultSignFailureCap
	}
	if opts.BatchesPerRun <= 0 {
		opts.BatchesPerRun = DefaultBatchesPerRun
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultSignParallelism
	}
	if opts.Jitter == nil {
		opts.Jitter = fullJitter
	}
	return &BatchSigner{Store: store, TSA: tsa, Locks: locks, Opts: opts, Env: env.withDefaults()}
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// Recover returns batches left IN_FLIGHT by a crash to RETRYABLE_FAIL so their records can
// be signed again. It must run before the first SignTenant of a process.
func (s *BatchSigner) Recover(ctx context.Context) (int, error) {
	n, err := s.Store.Batches().RecoverInFlight(ctx, s.Env.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Env.Logger.Warn("recovered in-flight sign batches", "batches", n)
	}
	return n, nil
}

// SignAll runs SignTenant for every tenant. Tenants whose lock is held elsewhere are skipped.
func (s *BatchSigner) SignAll(ctx context.Context) ([]SignReport, error) {
	tenants, err := s.Store.Tenants().List(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]SignReport, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Opts.Parallelism)
	for i, t := range tenants {
		g.Go(func() error {
			rep, err := s.SignTenant(gctx, t.ID)
			if errors.Is(err, domain.ErrLockHeld) {
				return nil
			}
			if err != nil {
				s.Env.Logger.Warn("sign tenant failed", "tenant", t.ID, "error", err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// SignTenant retries due RETRYABLE_FAIL batches, then cuts and signs new batches from the
// lowest unsigned records. It stops at the first failed attempt.
func (s *BatchSigner) SignTenant(ctx context.Context, tenantID string) (SignReport, error) {
	report := SignReport{TenantID: tenantID}
	if s == nil || s.Store == nil || s.TSA == nil || s.Locks == nil {
		return report, errors.New("batch signer is not configured")
	}
	release, ok, err := s.Locks.TryAcquire(ctx, SignLockKey(tenantID))
	if err != nil {
		return report, err
	}
	if !ok {
		return report, domain.ErrLockHeld
	}
	defer release()

	ctx, span := tracer.Start(ctx, "signer.SignTenant", trace.WithAttributes(attribute.String("tenant", tenantID)))
	defer span.End()

	tenant, err := s.Store.Tenants().Get(ctx, tenantID)
	if err != nil {
		return report, err
	}

	waiting, err := s.retryDue(ctx, tenant, &report)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	if report.Retryable > 0 || report.Failed > 0 {
		return report, nil
	}

	for report.Batches < s.Opts.BatchesPerRun {
		records, err := s.Store.Records().SelectUnsigned(ctx, tenantID, tenant.EffectiveBatchSize())
		if err != nil {
			span.RecordError(err)
			return report, err
		}
		records = excludeWaiting(records, waiting)
		if len(records) == 0 {
			break
		}
		batch, err := s.Store.Records().MarkSigning(ctx, domain.SignBatch{
			TenantID: tenantID,
			SeqFrom:  records[0].Seq,
			SeqTo:    records[len(records)-1].Seq,
			Digest:   chain.BatchDigest(records),
		})
		if err != nil {
			span.RecordError(err)
			return report, err
		}
		ok, err := s.attempt(ctx, tenant, batch, &report)
		if err != nil {
			span.RecordError(err)
			return report, err
		}
		if !ok {
			break
		}
	}
	span.SetAttributes(attribute.Int("batches", report.Batches), attribute.Int64("signed", report.Signed))
	if report.Failed > 0 {
		span.SetStatus(codes.Error, "batch failed")
	}
	return report, nil
}

// retryDue re-sends RETRYABLE_FAIL batches whose back-off has elapsed and returns the ones
// still waiting, whose records must not be cut into new batches yet.
func (s *BatchSigner) retryDue(ctx context.Context, tenant domain.Tenant, report *SignReport) ([]domain.SignBatch, error) {
	pending, err := s.Store.Batches().ListBatches(ctx, tenant.ID, domain.BatchRetryableFail)
	if err != nil {
		return nil, err
	}
	now := s.Env.now()
	var waiting []domain.SignBatch
	for _, b := range pending {
		if b.NextAttemptAt != nil && now.Before(*b.NextAttemptAt) {
			waiting = append(waiting, b)
			continue
		}
		batch, err := s.Store.Records().MarkSigning(ctx, b)
		if errors.Is(err, domain.ErrIllegalTransition) {
			// Records were re-batched or reset by an operator; the batch is stale.
			s.Env.Logger.Debug("skipping stale retry batch", "tenant", tenant.ID, "batch", b.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		report.Recovered++
		ok, err := s.attempt(ctx, tenant, batch, report)
		if err != nil {
			return nil, err
		}
		if !ok {
			return waiting, nil
		}
	}
	return waiting, nil
}

func excludeWaiting(records []domain.AccessRecord, waiting []domain.SignBatch) []domain.AccessRecord {
	for i, rec := range records {
		for _, b := range waiting {
			if rec.Seq >= b.SeqFrom && rec.Seq <= b.SeqTo {
				return records[:i]
			}
		}
	}
	return records
}

// attempt sends one IN_FLIGHT batch to the timestamp client and settles it. It reports
// whether the batch was signed.
func (s *BatchSigner) attempt(ctx context.Context, tenant domain.Tenant, batch domain.SignBatch, report *SignReport) (bool, error) {
	ctx, span := tracer.Start(ctx, "signer.attempt", trace.WithAttributes(
		attribute.String("batch", batch.ID),
		attribute.Int64("seq_from", batch.SeqFrom),
		attribute.Int64("seq_to", batch.SeqTo),
		attribute.Int("attempt", batch.Attempts),
	))
	defer span.End()
	report.Batches++

	token, tsaErr := s.TSA.Timestamp(ctx, tenant, batch.Digest)
	if tsaErr == nil {
		if err := s.Store.Records().MarkSigned(ctx, batch.ID, token); err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("mark batch %s signed: %w", batch.ID, err)
		}
		report.Signed += batch.Size()
		s.Env.Metrics.BatchFinished(tenant.ID, string(domain.BatchOK), batch.Size())
		s.Env.Logger.Debug("batch signed", "tenant", tenant.ID, "batch", batch.ID, "backend", token.BackendID, "serial", token.Serial)
		return true, nil
	}
	span.RecordError(tsaErr)

	now := s.Env.now()
	outcome := domain.SignOutcome{Detail: tsaErr.Error(), FailureCap: s.Opts.FailureCap}
	if domain.IsRetryable(tsaErr) && batch.Attempts < s.Opts.MaxAttempts {
		next := now.Add(s.backoff(batch.Attempts))
		outcome.Retryable = true
		outcome.NextAttemptAt = &next
	}
	if err := s.Store.Records().MarkFailed(ctx, batch.ID, outcome); err != nil {
		return false, fmt.Errorf("mark batch %s failed: %w", batch.ID, err)
	}

	attrs := map[string]string{
		"batch":    batch.ID,
		"seq_from": strconv.FormatInt(batch.SeqFrom, 10),
		"seq_to":   strconv.FormatInt(batch.SeqTo, 10),
		"attempt":  strconv.Itoa(batch.Attempts),
	}
	if outcome.Retryable {
		report.Retryable++
		s.Env.Metrics.BatchFinished(tenant.ID, string(domain.BatchRetryableFail), batch.Size())
		s.Env.Logger.Warn("batch signing failed, will retry", "tenant", tenant.ID, "batch", batch.ID, "next_attempt", outcome.NextAttemptAt, "error", tsaErr)
		attrs["next_attempt_at"] = outcome.NextAttemptAt.Format(time.RFC3339)
		s.Env.publish(ctx, domain.Event{
			Kind:       domain.EventTransientFailure,
			Severity:   domain.SeverityMedium,
			TenantID:   tenant.ID,
			Subject:    batch.ID,
			Message:    fmt.Sprintf("timestamping batch %d-%d failed, retry scheduled: %v", batch.SeqFrom, batch.SeqTo, tsaErr),
			Attributes: attrs,
			At:         now,
		})
		return false, nil
	}
	report.Failed++
	s.Env.Metrics.BatchFinished(tenant.ID, string(domain.BatchPermanentFail), batch.Size())
	s.Env.Logger.Error("batch signing failed", "tenant", tenant.ID, "batch", batch.ID, "attempts", batch.Attempts, "error", tsaErr)
	s.Env.publish(ctx, domain.Event{
		Kind:       domain.EventBatchFailed,
		Severity:   domain.SeverityHigh,
		TenantID:   tenant.ID,
		Subject:    batch.ID,
		Message:    fmt.Sprintf("timestamping batch %d-%d failed permanently: %v", batch.SeqFrom, batch.SeqTo, tsaErr),
		Attributes: attrs,
		At:         now,
	})
	return false, nil
}

// backoff is exponential in the attempt number with full jitter.
func (s *BatchSigner) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := s.Opts.RetryBase
	for i := 1; i < attempt && ceiling < 24*time.Hour; i++ {
		ceiling *= 2
	}
	return s.Opts.Jitter(ceiling)
}

// ResetFailed returns FAILED records of a tenant to UNSIGNED so a later pass signs them.
func (s *BatchSigner) ResetFailed(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.Store.Records().ResetFailed(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	s.Env.Logger.Info("reset failed records", "tenant", tenantID, "records", n)
	return n, nil
}
