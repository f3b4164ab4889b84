package domain

import (
	"time"
)

type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunDone      RunState = "DONE"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

type ResultCategory string

const (
	ResultValid        ResultCategory = "VALID"
	ResultModified     ResultCategory = "MODIFIED"
	ResultChainBroken  ResultCategory = "CHAIN_BROKEN"
	ResultMissing      ResultCategory = "MISSING"
	ResultTokenInvalid ResultCategory = "TOKEN_INVALID"
	ResultError        ResultCategory = "ERROR"
)

type ComplianceStatus string

const (
	Compliant          ComplianceStatus = "COMPLIANT"
	PartiallyCompliant ComplianceStatus = "PARTIALLY_COMPLIANT"
	NonCompliant       ComplianceStatus = "NON_COMPLIANT"
)

type RunCounters struct {
	Total        int64 `json:"total" xml:"total"`
	Valid        int64 `json:"valid" xml:"valid"`
	Modified     int64 `json:"modified" xml:"modified"`
	ChainBroken  int64 `json:"chain_broken" xml:"chain_broken"`
	Missing      int64 `json:"missing" xml:"missing"`
	TokenInvalid int64 `json:"token_invalid" xml:"token_invalid"`
	Errors       int64 `json:"errors" xml:"errors"`
}

func (c *RunCounters) Add(category ResultCategory) {
	c.Total++
	switch category {
	case ResultValid:
		c.Valid++
	case ResultModified:
		c.Modified++
	case ResultChainBroken:
		c.ChainBroken++
	case ResultMissing:
		c.Missing++
	case ResultTokenInvalid:
		c.TokenInvalid++
	default:
		c.Errors++
	}
}

// Score is floor(valid / total * 100); an empty run scores zero.
func (c RunCounters) Score() int {
	if c.Total <= 0 {
		return 0
	}
	return int(c.Valid * 100 / c.Total)
}

func ComplianceFor(score int) ComplianceStatus {
	switch {
	case score >= 95:
		return Compliant
	case score >= 70:
		return PartiallyCompliant
	default:
		return NonCompliant
	}
}

type VerificationRun struct {
	ID       string
	TenantID string
	SeqFrom  int64
	SeqTo    int64
	// WindowFrom/WindowTo are set when the run was requested by time window.
	WindowFrom *time.Time
	WindowTo   *time.Time

	State     RunState
	Counters  RunCounters
	Cursor    int64
	Error     string
	Exported  bool
	ReportRef string

	CancelRequested bool

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
}

func (r VerificationRun) Active() bool {
	return r.State == RunPending || r.State == RunRunning
}

// References reports whether the run still pins records in [from, to] against deletion.
func (r VerificationRun) References(from, to int64) bool {
	pinning := r.Active() || (r.State == RunDone && !r.Exported)
	if !pinning {
		return false
	}
	return r.SeqFrom <= to && from <= r.SeqTo
}

type Finding struct {
	RunID          string
	Seq            int64
	Category       ResultCategory
	ExpectedDigest string
	ActualDigest   string
	BackendID      string
	Detail         string
}
