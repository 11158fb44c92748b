package types

import "regexp"

// Compiled once; envelope validation runs on every inbound frame.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MaxPayloadBytes bounds a single envelope payload.
const MaxPayloadBytes = 65536

// Validate checks the structural invariants of an inbound envelope. Unknown
// type strings deliberately pass: the routing layer ignores them so protocol
// additions never break older servers.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}

	// Version 0 means the field was omitted; treat it as version 1.
	if e.Version > ProtocolVersion {
		return ErrUnsupportedVersion
	}

	if e.Timestamp <= 0 {
		return ErrMissingTimestamp
	}

	if len(e.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	return nil
}

// Validate checks a player_action payload.
func (a *PlayerAction) Validate() error {
	if !IsValidUserID(a.PlayerID) {
		return ErrInvalidUserID
	}
	if !IsValidAction(a.Action) {
		return ErrInvalidAction
	}
	return nil
}

// Validate checks a chat payload.
func (c *Chat) Validate() error {
	if !IsValidUserID(c.PlayerID) {
		return ErrInvalidUserID
	}
	if len(c.Message) == 0 || len(c.Message) > 500 {
		return ErrChatTooLong
	}
	return nil
}

// Validate ensures a table record meets all requirements.
func (t *Table) Validate() error {
	if len(t.Name) < 1 || len(t.Name) > 200 {
		return ErrInvalidTableName
	}
	if !IsValidUserID(t.CreatedBy) {
		return ErrInvalidCreatedBy
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidAction checks if the verb is one of the closed action set.
func IsValidAction(action string) bool {
	switch action {
	case ActionFold, ActionCheck, ActionCall, ActionBet, ActionRaise, ActionAllIn:
		return true
	default:
		return false
	}
}

// IsValidRole checks if the role is one of the connection roles.
func IsValidRole(role string) bool {
	switch role {
	case RolePlayer, RoleSpectator, RoleModerator:
		return true
	default:
		return false
	}
}
