package usecase

import (
	"context"
	"time"

	"sealog/internal/domain"
)

type TenantRepository interface {
	Get(ctx context.Context, tenantID string) (domain.Tenant, error)
	List(ctx context.Context) ([]domain.Tenant, error)
	Upsert(ctx context.Context, t domain.Tenant) error
	Freeze(ctx context.Context, tenantID, reason string, at time.Time) error
	Unfreeze(ctx context.Context, tenantID string) error
}

// RecordRepository is the Record Store. Append and MarkSigning are serialised per tenant;
// MarkSigned only touches SIGNING rows.
type RecordRepository interface {
	Append(ctx context.Context, tenantID string, draft domain.RecordDraft, dedupWindow time.Duration, now time.Time) (domain.AppendResult, error)
	Get(ctx context.Context, tenantID string, from, to int64) ([]domain.AccessRecord, error)
	Scan(ctx context.Context, tenantID string, from, to time.Time) ([]domain.AccessRecord, error)
	SeqRange(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error)
	Head(ctx context.Context, tenantID string) (domain.ChainHead, error)
	// HeadAndTip reads the ChainHead and the stored tip in one consistent snapshot; no append
	// may land between the two reads.
	HeadAndTip(ctx context.Context, tenantID string) (domain.ChainHead, domain.ChainTip, error)

	SelectUnsigned(ctx context.Context, tenantID string, limit int) ([]domain.AccessRecord, error)
	MarkSigning(ctx context.Context, batch domain.SignBatch) (domain.SignBatch, error)
	MarkSigned(ctx context.Context, batchID string, token domain.Token) error
	MarkFailed(ctx context.Context, batchID string, outcome domain.SignOutcome) error
	ResetFailed(ctx context.Context, tenantID string) (int64, error)

	ArchiveCandidates(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]domain.AccessRecord, error)
	MarkArchived(ctx context.Context, tenantID string, from, to int64, class domain.RetentionClass, jobID string) error
	// DeletePrefix removes live records up to and including throughSeq. It refuses with
	// domain.ErrRetentionDeferred while a verification run references any of them.
	DeletePrefix(ctx context.Context, tenantID string, throughSeq int64) (int64, error)
}

type BatchRepository interface {
	GetBatch(ctx context.Context, batchID string) (domain.SignBatch, error)
	ListBatches(ctx context.Context, tenantID string, states ...domain.BatchState) ([]domain.SignBatch, error)
	RecoverInFlight(ctx context.Context, now time.Time) (int, error)
	PurgeBatches(ctx context.Context, tenantID string, belowSeq int64, before time.Time) (int64, error)
}

type VerificationRepository interface {
	CreateRun(ctx context.Context, run domain.VerificationRun) (domain.VerificationRun, error)
	GetRun(ctx context.Context, tenantID, runID string) (domain.VerificationRun, error)
	UpdateRun(ctx context.Context, run domain.VerificationRun) error
	RequestCancel(ctx context.Context, tenantID, runID string) error
	ListRuns(ctx context.Context, tenantID string, states ...domain.RunState) ([]domain.VerificationRun, error)
	AddFindings(ctx context.Context, findings []domain.Finding) error
	ListFindings(ctx context.Context, runID string) ([]domain.Finding, error)
	DeleteFindings(ctx context.Context, runID string) error
	MarkExported(ctx context.Context, runID, reportRef string) error
	PurgeRuns(ctx context.Context, tenantID string, before time.Time) (int64, error)
}

type FlowRepository interface {
	SaveMonitor(ctx context.Context, m domain.FlowMonitor) error
	GetMonitor(ctx context.Context, monitorID string) (domain.FlowMonitor, error)
	FindMonitor(ctx context.Context, tenantID, name string) (domain.FlowMonitor, error)
	ListMonitors(ctx context.Context) ([]domain.FlowMonitor, error)
	// SaveSample persists the sampler's view of a monitor (status, rates, baseline) without
	// touching the traffic counters that RecordTraffic maintains.
	SaveSample(ctx context.Context, m domain.FlowMonitor) error
	RecordTraffic(ctx context.Context, tenantID, producer string, records, bytes int64, at time.Time) error
	RecordHeartbeat(ctx context.Context, tenantID, producer string, at time.Time) error

	// OpenAlert stores a new alert unless one of the same (monitor, kind) is unresolved; the
	// existing alert is returned with created=false in that case.
	OpenAlert(ctx context.Context, alert domain.FlowAlert) (domain.FlowAlert, bool, error)
	ResolveAlerts(ctx context.Context, monitorID string, kinds []domain.AlertKind, at time.Time) ([]domain.FlowAlert, error)
	AckAlert(ctx context.Context, tenantID, alertID string, at time.Time) error
	ListAlerts(ctx context.Context, tenantID string, openOnly bool) ([]domain.FlowAlert, error)
	PurgeAlerts(ctx context.Context, tenantID string, before time.Time) (int64, error)

	AddStat(ctx context.Context, stat domain.FlowStat) error
	ListStats(ctx context.Context, monitorID string, from, to time.Time) ([]domain.FlowStat, error)
	PurgeStats(ctx context.Context, tenantID string, before time.Time) (int64, error)
}

type RetentionRepository interface {
	ListPolicies(ctx context.Context, tenantID string) ([]domain.RetentionPolicy, error)
	UpsertPolicy(ctx context.Context, p domain.RetentionPolicy) error
	TouchPolicy(ctx context.Context, policyID string, at time.Time) error
	CreateJob(ctx context.Context, job domain.ArchiveJob) (domain.ArchiveJob, error)
	UpdateJob(ctx context.Context, job domain.ArchiveJob) error
	GetJob(ctx context.Context, jobID string) (domain.ArchiveJob, error)
	ListJobs(ctx context.Context, tenantID string, states ...domain.JobState) ([]domain.ArchiveJob, error)
}

// Store bundles every repository the core needs.
type Store interface {
	Tenants() TenantRepository
	Records() RecordRepository
	Batches() BatchRepository
	Verifications() VerificationRepository
	Flows() FlowRepository
	Retention() RetentionRepository
}

type TimestampClient interface {
	Timestamp(ctx context.Context, tenant domain.Tenant, digest []byte) (domain.Token, error)
	VerifyToken(ctx context.Context, backendID string, token, digest []byte) (domain.Token, error)
}

// Release frees a lock taken through Locker.
type Release func()

type Locker interface {
	TryAcquire(ctx context.Context, key string) (Release, bool, error)
	Acquire(ctx context.Context, key string) (Release, error)
}

type ArchiveStore interface {
	Kind() domain.StoreKind
	Put(ctx context.Context, key string, payload []byte) (domain.ArchiveReceipt, error)
	Head(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

func SignLockKey(tenantID string) string {
	return "sealog:sign:" + tenantID
}
