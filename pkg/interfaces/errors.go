package interfaces

import "errors"

// Shared sentinels for cross-component error handling. Defined here so both
// implementations and callers can compare without import cycles.
var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableEnded    = errors.New("table has ended")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrMissingToken  = errors.New("missing authentication token")
	ErrStoreClosed   = errors.New("event store is closed")
)
