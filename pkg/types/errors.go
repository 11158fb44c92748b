package types

import "errors"

// Envelope validation errors. A validation failure drops the single message
// with a logged warning; it never tears down the connection.
var (
	ErrMissingType        = errors.New("envelope type is required")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrMissingTimestamp   = errors.New("envelope timestamp is required")
	ErrPayloadTooLarge    = errors.New("envelope payload exceeds 64KB limit")
	ErrEmptyPayload       = errors.New("envelope payload is empty")
	ErrInvalidAction      = errors.New("action must be one of fold, check, call, bet, raise, all_in")
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidTableName   = errors.New("table name must be 1-200 characters")
	ErrInvalidCreatedBy   = errors.New("created_by must be a valid user ID")
	ErrChatTooLong        = errors.New("chat message exceeds 500 characters")
)
