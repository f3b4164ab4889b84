package domain

import "time"

type RetentionClass string

const (
	ClassAccessLog  RetentionClass = "access-log"
	ClassTrafficLog RetentionClass = "traffic-log"
	ClassSignature  RetentionClass = "signature"
	ClassReport     RetentionClass = "report"
	ClassGeneral    RetentionClass = "general"
)

type StoreKind string

const (
	StoreLocal  StoreKind = "local"
	StoreObject StoreKind = "object-storage"
	StoreWORM   StoreKind = "worm"
	StoreTape   StoreKind = "tape"
)

type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
)

const DefaultAccessLogRetentionDays = 730

type RetentionPolicy struct {
	ID           string
	TenantID     string
	Class        RetentionClass
	Years        int
	Months       int
	Days         int
	ArchiveAfter int
	TargetStore  StoreKind
	Cadence      Cadence
	Enabled      bool
	LastRunAt    *time.Time
}

// Cutoff returns the instant before which entries have outlived the policy.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(-p.Years, -p.Months, -p.Days)
}

// ArchiveCutoff returns the instant before which entries must be archived. It is never later
// than Cutoff.
func (p RetentionPolicy) ArchiveCutoff(now time.Time) time.Time {
	cutoff := p.Cutoff(now)
	if p.ArchiveAfter <= 0 {
		return cutoff
	}
	archive := now.AddDate(0, 0, -p.ArchiveAfter)
	if archive.Before(cutoff) {
		return cutoff
	}
	return archive
}

// Due reports whether the cleanup cadence allows another run at now.
func (p RetentionPolicy) Due(now time.Time) bool {
	if p.LastRunAt == nil {
		return true
	}
	var next time.Time
	switch p.Cadence {
	case CadenceWeekly:
		next = p.LastRunAt.AddDate(0, 0, 7)
	case CadenceMonthly:
		next = p.LastRunAt.AddDate(0, 1, 0)
	case CadenceQuarterly:
		next = p.LastRunAt.AddDate(0, 3, 0)
	default:
		next = p.LastRunAt.AddDate(0, 0, 1)
	}
	return !now.Before(next)
}

type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobDone      JobState = "DONE"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

type ArchiveJob struct {
	ID         string
	PolicyID   string
	TenantID   string
	Class      RetentionClass
	Store      StoreKind
	SeqFrom    int64
	SeqTo      int64
	WindowFrom time.Time
	WindowTo   time.Time
	State      JobState
	Retryable  bool

	RecordsProcessed int64
	RecordsArchived  int64
	RecordsDeleted   int64
	RecordsFailed    int64
	BytesMoved       int64

	ArchiveKey    string
	ArchiveSHA256 string
	Error         string

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
}

// ArchiveReceipt is what a target store returns for a successful put.
type ArchiveReceipt struct {
	Store    StoreKind
	Key      string
	Location string
	Size     int64
	SHA256   string
}
