package domain

import (
	"errors"
	"fmt"
	"time"
)

type BackendKind string

const (
	BackendPrimary       BackendKind = "primary"
	BackendSecondary     BackendKind = "secondary"
	BackendLocalFallback BackendKind = "local-fallback"
)

type AuthStyle string

const (
	AuthNone   AuthStyle = "none"
	AuthBearer AuthStyle = "bearer"
	AuthBasic  AuthStyle = "basic"
)

type TSABackend struct {
	ID          string
	Kind        BackendKind
	Endpoint    string
	Auth        AuthStyle
	Credentials string
	Enabled     bool
	Priority    int
	Healthy     bool
	LastProbeAt *time.Time
	LastError   string
}

// Token is a verified timestamp token bound to the digest it was requested for.
type Token struct {
	BackendID    string
	Bytes        []byte
	Signature    []byte
	Certificates [][]byte
	Serial       string
	Time         time.Time
	Digest       []byte
}

var (
	ErrTSAUnavailable = errors.New("tsa unavailable")
	ErrTSARejected    = errors.New("tsa rejected")
	ErrTSABadResponse = errors.New("tsa bad response")
	ErrTSAClockSkew   = errors.New("tsa clock skew")
)

type TSAError struct {
	Kind       error
	BackendID  string
	StatusCode int
	Err        error
}

func (e *TSAError) Error() string {
	msg := e.Kind.Error()
	if e.BackendID != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.BackendID)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: http %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *TSAError) Unwrap() error {
	return e.Err
}

func (e *TSAError) Is(target error) bool {
	return target == e.Kind
}

func NewTSAError(kind error, backendID string, status int, err error) *TSAError {
	return &TSAError{Kind: kind, BackendID: backendID, StatusCode: status, Err: err}
}

// IsRetryable reports whether a signing attempt that failed with err may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTSAUnavailable) || errors.Is(err, ErrStoreUnavailable)
}
