package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the envelope version written by this build.
const ProtocolVersion = 1

// Message type discriminators. The type string fully determines the payload
// shape; consumers must treat unknown types as ignorable, not fatal.
const (
	MessageTypePing                  = "ping"
	MessageTypePong                  = "pong"
	MessageTypeJoinTable             = "join_table"
	MessageTypeLeaveTable            = "leave_table"
	MessageTypePlayerAction          = "player_action"
	MessageTypeChat                  = "chat"
	MessageTypeGameUpdate            = "game_update"
	MessageTypeConnectionEstablished = "connection_established"
	MessageTypeSpectatorJoined       = "spectator_joined"
	MessageTypeError                 = "error"
)

// Player action verbs carried by player_action payloads.
const (
	ActionFold  = "fold"
	ActionCheck = "check"
	ActionCall  = "call"
	ActionBet   = "bet"
	ActionRaise = "raise"
	ActionAllIn = "all_in"
)

// Connection roles established at handshake time.
const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
	RoleModerator = "moderator"
)

// Envelope is the unit of wire transport. Payload stays raw JSON so routing
// code never has to understand payloads it only forwards.
type Envelope struct {
	ID            string          `json:"id,omitempty"`
	Version       int             `json:"version,omitempty"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	SequenceID    uint64          `json:"sequenceId,omitempty"`
	RequiresAck   bool            `json:"requiresAck,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewEnvelope builds an envelope with a server-generated ID, the current
// protocol version, and a millisecond timestamp. Payload may be nil.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		Version:   ProtocolVersion,
		Type:      msgType,
		Timestamp: NowMillis(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}

	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(e.Payload, v)
}

// NowMillis returns the current time in milliseconds since the epoch, the
// timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Principal is the identity yielded by token verification.
type Principal struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PlayerAction is the payload of a player_action message.
type PlayerAction struct {
	PlayerID string `json:"playerId"`
	Action   string `json:"action"`
	Amount   int64  `json:"amount,omitempty"`
	TableID  string `json:"tableId"`
}

// Chat is the payload of a chat message in both directions.
type Chat struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
	Message  string `json:"message"`
	IsSystem bool   `json:"isSystem"`
}

// GameUpdate is the payload of a game_update push. GameState and Players are
// produced by the game engine and forwarded opaquely.
type GameUpdate struct {
	TableID        string          `json:"tableId"`
	GameState      json.RawMessage `json:"gameState,omitempty"`
	Players        json.RawMessage `json:"players,omitempty"`
	Phase          string          `json:"phase"`
	Pot            int64           `json:"pot"`
	CurrentBet     int64           `json:"currentBet"`
	ActivePlayerID string          `json:"activePlayerId,omitempty"`
	CommunityCards []string        `json:"communityCards,omitempty"`
}

// ConnectionEstablished confirms a join to the joining client.
type ConnectionEstablished struct {
	PlayerID string `json:"playerId"`
	TableID  string `json:"tableId"`
}

// SpectatorJoined confirms admission to a new spectator. The count is the
// roster size observed after the admission.
type SpectatorJoined struct {
	TableID        string `json:"tableId"`
	SpectatorCount int    `json:"spectatorCount"`
}

// RateLimitInfo carries retry metadata on rate-limit rejections. ResetAt is
// milliseconds since the epoch; RetryAfter is whole seconds, rounded up.
type RateLimitInfo struct {
	Remaining  int   `json:"remaining"`
	Limit      int   `json:"limit"`
	ResetAt    int64 `json:"resetAt"`
	RetryAfter int   `json:"retryAfter"`
}

// ErrorPayload is the payload of an error message pushed to a client.
type ErrorPayload struct {
	Message       string         `json:"message"`
	Code          string         `json:"code,omitempty"`
	RateLimitInfo *RateLimitInfo `json:"rateLimitInfo,omitempty"`
}

// Table is a poker table's lifecycle record.
type Table struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedBy string     `json:"created_by"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Status    string     `json:"status"`
}

// Table status values.
const (
	TableStatusActive = "active"
	TableStatusEnded  = "ended"
)

// AuditEvent is a write-only record of something the realtime path did: a
// chat line, a rate-limit violation, a moderation action, a table lifecycle
// change. The realtime path never reads these back.
type AuditEvent struct {
	ID        string                 `json:"id"`
	TableID   string                 `json:"table_id"`
	Kind      string                 `json:"kind"`
	Actor     string                 `json:"actor"`
	Detail    map[string]interface{} `json:"detail"`
	Timestamp time.Time              `json:"timestamp"`
}

// Audit event kinds.
const (
	AuditKindChat           = "chat"
	AuditKindRateLimited    = "rate_limited"
	AuditKindModeration     = "moderation"
	AuditKindTableLifecycle = "table_lifecycle"
)
