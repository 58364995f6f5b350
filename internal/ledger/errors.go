package ledger

import "errors"

// Sentinel errors surfaced by mutating ledger operations. These abort
// only the offending call; prior persisted state stays untouched.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientPosition = errors.New("insufficient position amount")
	ErrPositionNotFound     = errors.New("position not found")
	ErrLockNotAcquired      = errors.New("ledger lock not acquired")
	ErrLedgerNotFound       = errors.New("ledger not found")
)
