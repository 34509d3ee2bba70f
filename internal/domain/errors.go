package domain

import "errors"

// Validation errors. Rejected synchronously and never retried.
var (
	ErrInvalidDeadline  = errors.New("invalid deadline")
	ErrInvalidStake     = errors.New("invalid stake")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrInvalidPredicate = errors.New("invalid predicate")
	ErrInvalidAccount   = errors.New("invalid account")
	ErrMarketNotFound   = errors.New("market not found")
	ErrMarketClosed     = errors.New("market closed")
)

// Settlement and concurrency errors.
var (
	// ErrTransient marca fallos de infraestructura que se reintentan en el próximo tick.
	ErrTransient          = errors.New("transient failure")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrMarketHalted       = errors.New("market halted")
	ErrVersionConflict    = errors.New("version conflict")
	ErrAlreadyTerminal    = errors.New("market already terminal")
	ErrRecordNotFound     = errors.New("sleep record not found")
	ErrLockHeld           = errors.New("lock already held")
	// ErrTransferRejected is a permanent refusal from the asset-transfer
	// collaborator (insufficient funds, unknown account). Never retried.
	ErrTransferRejected = errors.New("transfer rejected")
)
