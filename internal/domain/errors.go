package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrTenantUnknown     = errors.New("tenant unknown")
	ErrTenantFrozen      = errors.New("tenant frozen")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrRetentionDeferred = errors.New("retention deferred")
	ErrLockHeld          = errors.New("lock held")
	ErrInvariantViolated = errors.New("invariant violated")
	ErrArchiveStore      = errors.New("archive store unavailable")
)
