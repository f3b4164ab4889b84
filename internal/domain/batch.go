package domain

import "time"

type BatchState string

const (
	BatchPending       BatchState = "PENDING"
	BatchInFlight      BatchState = "IN_FLIGHT"
	BatchOK            BatchState = "OK"
	BatchRetryableFail BatchState = "RETRYABLE_FAIL"
	BatchPermanentFail BatchState = "PERMANENT_FAIL"
)

type SignBatch struct {
	ID        string
	TenantID  string
	SeqFrom   int64
	SeqTo     int64
	BackendID string
	State     BatchState
	Attempts  int
	Digest    []byte

	Token     []byte
	Serial    string
	SignedAt  *time.Time
	LastError string

	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (b SignBatch) Size() int64 {
	if b.SeqTo < b.SeqFrom {
		return 0
	}
	return b.SeqTo - b.SeqFrom + 1
}

// SignOutcome is what the store records when a batch attempt fails.
type SignOutcome struct {
	Retryable     bool
	Detail        string
	NextAttemptAt *time.Time
	// FailureCap moves records to FAILED once they have been through this many permanently
	// failed batches. Zero disables the cap.
	FailureCap int
}
