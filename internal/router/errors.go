package router

import "errors"

// Routing errors
var (
	ErrSenderNotConnected = errors.New("sender is not connected")
	ErrSenderNotAtTable   = errors.New("sender is not seated at this table")
	ErrSpectatorCannotAct = errors.New("spectators cannot perform game actions")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
)
