package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/archive"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultArchiveBatch = 10000
	DefaultJobsPerRun   = 50
)

type RetentionOptions struct {
	// ArchiveBatch caps the records packed into one archive object.
	ArchiveBatch int
	JobsPerRun   int
}

// RetentionReport summarises one policy run.
type RetentionReport struct {
	PolicyID string
	TenantID string
	Class    domain.RetentionClass
	Jobs     []domain.ArchiveJob
	Archived int64
	Deleted  int64
	Deferred bool
}

// RetentionManager archives records to their policy's target store and deletes what has
// outlived the retention period. Records are only deleted after an archive copy has been
// read back and its digest compared, and never while a verification run still references
// them.
type RetentionManager struct {
	Store  Store
	Stores map[domain.StoreKind]ArchiveStore
	Locks  Locker
	Opts   RetentionOptions
	Env    Env
}

func NewRetentionManager(store Store, stores []ArchiveStore, locks Locker, opts RetentionOptions, env Env) *RetentionManager {
	if opts.ArchiveBatch <= 0 {
		opts.ArchiveBatch = DefaultArchiveBatch
	}
	if opts.JobsPerRun <= 0 {
		opts.JobsPerRun = DefaultJobsPerRun
	}
	byKind := make(map[domain.StoreKind]ArchiveStore, len(stores))
	for _, st := range stores {
		byKind[st.Kind()] = st
	}
	return &RetentionManager{Store: store, Stores: byKind, Locks: locks, Opts: opts, Env: env.withDefaults()}
}

// DefaultPolicy is the access-log policy a tenant gets when none is configured.
func DefaultPolicy(tenantID string, target domain.StoreKind) domain.RetentionPolicy {
	return domain.RetentionPolicy{
		TenantID:    tenantID,
		Class:       domain.ClassAccessLog,
		Years:       2,
		TargetStore: target,
		Cadence:     domain.CadenceDaily,
		Enabled:     true,
	}
}

// SetPolicy validates and stores a policy, keyed by tenant and class.
func (m *RetentionManager) SetPolicy(ctx context.Context, p domain.RetentionPolicy) (domain.RetentionPolicy, error) {
	if err := m.validate(p); err != nil {
		return domain.RetentionPolicy{}, err
	}
	if _, err := m.Store.Tenants().Get(ctx, p.TenantID); err != nil {
		return domain.RetentionPolicy{}, err
	}
	if err := m.Store.Retention().UpsertPolicy(ctx, p); err != nil {
		return domain.RetentionPolicy{}, err
	}
	policies, err := m.Store.Retention().ListPolicies(ctx, p.TenantID)
	if err != nil {
		return domain.RetentionPolicy{}, err
	}
	for _, stored := range policies {
		if stored.Class == p.Class {
			return stored, nil
		}
	}
	return domain.RetentionPolicy{}, domain.ErrNotFound
}

func (m *RetentionManager) validate(p domain.RetentionPolicy) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, fmt.Sprintf(format, args...))
	}
	switch p.Class {
	case domain.ClassAccessLog, domain.ClassTrafficLog, domain.ClassSignature, domain.ClassReport, domain.ClassGeneral:
	default:
		return invalid("unknown retention class %q", p.Class)
	}
	if p.TenantID == "" {
		return invalid("policy needs a tenant")
	}
	if p.Years < 0 || p.Months < 0 || p.Days < 0 || p.Years+p.Months+p.Days == 0 {
		return invalid("retention period must be positive")
	}
	switch p.Cadence {
	case domain.CadenceDaily, domain.CadenceWeekly, domain.CadenceMonthly, domain.CadenceQuarterly:
	default:
		return invalid("unknown cadence %q", p.Cadence)
	}
	if p.Class == domain.ClassAccessLog {
		if _, ok := m.Stores[p.TargetStore]; !ok {
			return invalid("target store %q is not configured", p.TargetStore)
		}
		if p.ArchiveAfter < 0 {
			return invalid("archive-after must not be negative")
		}
		ref := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		if p.ArchiveAfter > 0 && !ref.AddDate(0, 0, -p.ArchiveAfter).After(p.Cutoff(ref)) {
			return invalid("archive-after must be shorter than the retention period")
		}
	}
	return nil
}

func (m *RetentionManager) Policies(ctx context.Context, tenantID string) ([]domain.RetentionPolicy, error) {
	return m.Store.Retention().ListPolicies(ctx, tenantID)
}

func (m *RetentionManager) Jobs(ctx context.Context, tenantID string, states ...domain.JobState) ([]domain.ArchiveJob, error) {
	return m.Store.Retention().ListJobs(ctx, tenantID, states...)
}

// Run executes every enabled policy whose cadence is due.
func (m *RetentionManager) Run(ctx context.Context) ([]RetentionReport, error) {
	policies, err := m.Store.Retention().ListPolicies(ctx, "")
	if err != nil {
		return nil, err
	}
	now := m.Env.now()
	var reports []RetentionReport
	for _, p := range policies {
		if !p.Enabled || !p.Due(now) {
			continue
		}
		rep, err := m.RunPolicy(ctx, p)
		if err != nil {
			m.Env.Logger.Warn("retention policy failed", "tenant", p.TenantID, "class", p.Class, "error", err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// RunPolicy applies one policy now, regardless of its cadence.
func (m *RetentionManager) RunPolicy(ctx context.Context, p domain.RetentionPolicy) (RetentionReport, error) {
	report := RetentionReport{PolicyID: p.ID, TenantID: p.TenantID, Class: p.Class}
	ctx, span := tracer.Start(ctx, "retention.RunPolicy", trace.WithAttributes(
		attribute.String("tenant", p.TenantID),
		attribute.String("class", string(p.Class)),
	))
	defer span.End()

	now := m.Env.now()
	var err error
	if p.Class == domain.ClassAccessLog {
		err = m.runAccessLog(ctx, p, now, &report)
	} else {
		err = m.purge(ctx, p, now, &report)
	}
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	if err := m.Store.Retention().TouchPolicy(ctx, p.ID, now); err != nil {
		return report, err
	}
	m.Env.Logger.Info("retention policy applied",
		"tenant", p.TenantID, "class", p.Class, "archived", report.Archived, "deleted", report.Deleted, "deferred", report.Deferred)
	m.Env.publish(ctx, domain.Event{
		Kind:     domain.EventRetentionDone,
		Severity: domain.SeverityLow,
		TenantID: p.TenantID,
		Subject:  string(p.Class),
		Message:  fmt.Sprintf("retention for %s: %d archived, %d deleted", p.Class, report.Archived, report.Deleted),
		Attributes: map[string]string{
			"policy":   p.ID,
			"archived": strconv.FormatInt(report.Archived, 10),
			"deleted":  strconv.FormatInt(report.Deleted, 10),
			"deferred": strconv.FormatBool(report.Deferred),
		},
		At: now,
	})
	return report, nil
}

func (m *RetentionManager) runAccessLog(ctx context.Context, p domain.RetentionPolicy, now time.Time, report *RetentionReport) error {
	store, ok := m.Stores[p.TargetStore]
	if !ok {
		return fmt.Errorf("%w: target store %q is not configured", domain.ErrArchiveStore, p.TargetStore)
	}
	archiveCutoff := p.ArchiveCutoff(now)
	for len(report.Jobs) < m.Opts.JobsPerRun {
		candidates, err := m.Store.Records().ArchiveCandidates(ctx, p.TenantID, archiveCutoff, m.Opts.ArchiveBatch)
		if err != nil {
			return err
		}
		records := archivable(candidates)
		if len(records) == 0 {
			break
		}
		job, err := m.archive(ctx, p, store, records, now)
		report.Jobs = append(report.Jobs, job)
		if err != nil {
			return err
		}
		report.Archived += job.RecordsArchived
	}
	return m.deleteExpired(ctx, p, p.Cutoff(now), now, report)
}

// archivable keeps the prefix of settled records that falls in a single calendar month.
func archivable(candidates []domain.AccessRecord) []domain.AccessRecord {
	if len(candidates) == 0 {
		return nil
	}
	first := monthStart(candidates[0].EntryTime)
	for i, rec := range candidates {
		if rec.SignState != domain.SignStateSigned && rec.SignState != domain.SignStateFailed {
			return candidates[:i]
		}
		if !monthStart(rec.EntryTime).Equal(first) {
			return candidates[:i]
		}
	}
	return candidates
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (m *RetentionManager) archive(ctx context.Context, p domain.RetentionPolicy, store ArchiveStore, records []domain.AccessRecord, now time.Time) (domain.ArchiveJob, error) {
	window := monthStart(records[0].EntryTime)
	from, to := records[0].Seq, records[len(records)-1].Seq
	job, err := m.Store.Retention().CreateJob(ctx, domain.ArchiveJob{
		PolicyID:         p.ID,
		TenantID:         p.TenantID,
		Class:            p.Class,
		Store:            store.Kind(),
		SeqFrom:          from,
		SeqTo:            to,
		WindowFrom:       window,
		WindowTo:         window.AddDate(0, 1, 0),
		State:            domain.JobRunning,
		RecordsProcessed: int64(len(records)),
		StartedAt:        &now,
		CreatedAt:        now,
	})
	if err != nil {
		return job, err
	}

	fail := func(cause error, retryable bool) (domain.ArchiveJob, error) {
		ended := m.Env.now()
		job.State = domain.JobFailed
		job.Retryable = retryable
		job.RecordsFailed = int64(len(records))
		job.Error = cause.Error()
		job.EndedAt = &ended
		if err := m.Store.Retention().UpdateJob(ctx, job); err != nil {
			m.Env.Logger.Warn("update archive job failed", "job", job.ID, "error", err)
		}
		m.Env.Logger.Error("archive job failed", "tenant", p.TenantID, "job", job.ID, "store", store.Kind(), "error", cause)
		m.Env.publish(ctx, domain.Event{
			Kind:       domain.EventTransientFailure,
			Severity:   domain.SeverityMedium,
			TenantID:   p.TenantID,
			Subject:    job.ID,
			Message:    fmt.Sprintf("archiving records %d-%d to %s failed: %v", from, to, store.Kind(), cause),
			Attributes: map[string]string{"job": job.ID, "store": string(store.Kind())},
			At:         ended,
		})
		return job, fmt.Errorf("%w: %v", domain.ErrArchiveStore, cause)
	}

	payload, err := archive.Encode(records)
	if err != nil {
		return fail(err, false)
	}
	key := archive.Key(p.TenantID, window, from, to)
	receipt, err := store.Put(ctx, key, payload)
	if err != nil {
		return fail(err, true)
	}
	want := archive.SHA256Hex(payload)
	readBack, err := store.Get(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("read back %s: %w", key, err), true)
	}
	if got := archive.SHA256Hex(readBack); got != want || (receipt.SHA256 != "" && receipt.SHA256 != want) {
		return fail(fmt.Errorf("read back %s: digest %s, expected %s", key, got, want), false)
	}
	if err := m.Store.Records().MarkArchived(ctx, p.TenantID, from, to, p.Class, job.ID); err != nil {
		return fail(err, errors.Is(err, domain.ErrStoreUnavailable))
	}

	ended := m.Env.now()
	job.State = domain.JobDone
	job.RecordsArchived = int64(len(records))
	job.BytesMoved = int64(len(payload))
	job.ArchiveKey = key
	job.ArchiveSHA256 = want
	job.EndedAt = &ended
	if err := m.Store.Retention().UpdateJob(ctx, job); err != nil {
		return job, err
	}
	m.Env.Metrics.Archived(p.TenantID, string(store.Kind()), job.RecordsArchived, job.BytesMoved)
	return job, nil
}

// deleteExpired removes the archived prefix of records older than cutoff.
func (m *RetentionManager) deleteExpired(ctx context.Context, p domain.RetentionPolicy, cutoff, now time.Time, report *RetentionReport) error {
	through, err := m.expiredThrough(ctx, p.TenantID, cutoff)
	if err != nil || through == 0 {
		return err
	}
	if m.Locks != nil {
		release, err := m.Locks.Acquire(ctx, SignLockKey(p.TenantID))
		if err != nil {
			return err
		}
		defer release()
	}
	deleted, err := m.Store.Records().DeletePrefix(ctx, p.TenantID, through)
	if errors.Is(err, domain.ErrRetentionDeferred) {
		report.Deferred = true
		m.Env.Metrics.RetentionDeferred(p.TenantID)
		m.Env.Logger.Info("retention deletion deferred by verification run", "tenant", p.TenantID, "through", through)
		return nil
	}
	if err != nil {
		return err
	}
	report.Deleted += deleted
	m.Env.Metrics.Deleted(p.TenantID, deleted)
	job, err := m.Store.Retention().CreateJob(ctx, domain.ArchiveJob{
		PolicyID:       p.ID,
		TenantID:       p.TenantID,
		Class:          p.Class,
		Store:          p.TargetStore,
		SeqTo:          through,
		State:          domain.JobDone,
		RecordsDeleted: deleted,
		StartedAt:      &now,
		EndedAt:        &now,
		CreatedAt:      now,
	})
	if err != nil {
		return err
	}
	report.Jobs = append(report.Jobs, job)
	return nil
}

// expiredThrough returns the last sequence of the contiguous archived prefix whose entry times
// are all before cutoff, or zero when nothing qualifies.
func (m *RetentionManager) expiredThrough(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	head, err := m.Store.Records().Head(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	var through int64
	page := int64(m.Opts.ArchiveBatch)
	for from := max(head.LowWater, 1); from <= head.LastSeq; from += page {
		records, err := m.Store.Records().Get(ctx, tenantID, from, min(from+page-1, head.LastSeq))
		if err != nil {
			return 0, err
		}
		for _, rec := range records {
			if rec.ArchiveJobID == "" || !rec.EntryTime.Before(cutoff) || rec.SignState == domain.SignStateSigning {
				return through, nil
			}
			through = rec.Seq
		}
		if len(records) == 0 {
			break
		}
	}
	return through, nil
}

func (m *RetentionManager) purge(ctx context.Context, p domain.RetentionPolicy, now time.Time, report *RetentionReport) error {
	cutoff := p.Cutoff(now)
	var (
		n   int64
		err error
	)
	switch p.Class {
	case domain.ClassSignature:
		head, herr := m.Store.Records().Head(ctx, p.TenantID)
		if herr != nil {
			return herr
		}
		n, err = m.Store.Batches().PurgeBatches(ctx, p.TenantID, head.LowWater, cutoff)
	case domain.ClassReport:
		n, err = m.Store.Verifications().PurgeRuns(ctx, p.TenantID, cutoff)
	case domain.ClassTrafficLog:
		n, err = m.Store.Flows().PurgeStats(ctx, p.TenantID, cutoff)
	case domain.ClassGeneral:
		n, err = m.Store.Flows().PurgeAlerts(ctx, p.TenantID, cutoff)
	default:
		return fmt.Errorf("%w: unknown retention class %q", domain.ErrInvalidArgument, p.Class)
	}
	if err != nil {
		return err
	}
	report.Deleted = n
	if n == 0 {
		return nil
	}
	job, err := m.Store.Retention().CreateJob(ctx, domain.ArchiveJob{
		PolicyID:       p.ID,
		TenantID:       p.TenantID,
		Class:          p.Class,
		Store:          p.TargetStore,
		State:          domain.JobDone,
		RecordsDeleted: n,
		StartedAt:      &now,
		EndedAt:        &now,
		CreatedAt:      now,
	})
	if err != nil {
		return err
	}
	report.Jobs = append(report.Jobs, job)
	return nil
}
