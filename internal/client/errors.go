package client

import "errors"

var (
	// ErrConnectionFailed covers transport-level dial failures.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrHandshakeTimeout means the opening handshake never completed,
	// distinct from losing an established connection.
	ErrHandshakeTimeout = errors.New("connection handshake timed out")

	// ErrMaxReconnectAttempts is the terminal error after the retry budget
	// is spent. Surfaced exactly once.
	ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")

	// ErrNotConnected is returned when a send is attempted while the
	// connection is not established; the message is dropped, not queued.
	ErrNotConnected = errors.New("not connected")

	// ErrClientDestroyed is returned by Connect after Disconnect.
	ErrClientDestroyed = errors.New("client has been destroyed")
)
