package interfaces

import "cardroom/pkg/types"

// Connection represents one authenticated WebSocket session on the server.
// Implementations must serialize writes internally (single-writer pattern) so
// that routing code can push to a connection from any goroutine.
type Connection interface {
	// SendEnvelope queues an envelope for delivery to the client.
	SendEnvelope(env *types.Envelope) error

	// WriteJSON queues an arbitrary JSON message; used by surfaces that
	// speak outside the envelope catalog (history replays, system notices).
	WriteJSON(v interface{}) error

	// Close shuts the connection down and releases its writer goroutine.
	// Safe to call more than once.
	Close() error

	// GetUserID returns the remote principal's user ID.
	GetUserID() string

	// GetUsername returns the remote principal's display name.
	GetUsername() string

	// GetRole returns "player", "spectator" or "moderator".
	GetRole() string

	// GetTableID returns the table this connection is attached to.
	GetTableID() string

	// IsAuthenticated reports whether a principal has been attached.
	IsAuthenticated() bool
}
