package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"cardroom/internal/ratelimit"
	"cardroom/internal/spectator"
	"cardroom/internal/websocket"
	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

// Router dispatches inbound envelopes to game, chat, and control handling.
// It owns no connection lifecycle: the hub feeds it one envelope at a time
// together with the sender's connection, and delivery failures to individual
// recipients never abort a dispatch.
type Router struct {
	registry   *websocket.Registry
	spectators *spectator.Manager
	engine     interfaces.GameEngine
	store      interfaces.EventStore
	limiter    *ratelimit.Limiter
}

// NewRouter creates a router. The store may be nil in tests; audit recording
// is then skipped.
func NewRouter(registry *websocket.Registry, spectators *spectator.Manager, engine interfaces.GameEngine, store interfaces.EventStore, limiter *ratelimit.Limiter) *Router {
	return &Router{
		registry:   registry,
		spectators: spectators,
		engine:     engine,
		store:      store,
		limiter:    limiter,
	}
}

// RouteEnvelope dispatches one validated envelope from an authenticated
// sender. Unknown types are ignored so older servers tolerate newer clients.
func (r *Router) RouteEnvelope(ctx context.Context, sender *websocket.Connection, env *types.Envelope) error {
	switch env.Type {
	case types.MessageTypePing:
		return r.handlePing(sender, env)

	case types.MessageTypeJoinTable:
		return r.handleJoin(sender)

	case types.MessageTypeLeaveTable:
		log.Printf("Leave requested: user=%s table=%s", sender.GetUserID(), sender.GetTableID())
		return nil

	case types.MessageTypePlayerAction:
		return r.handlePlayerAction(ctx, sender, env)

	case types.MessageTypeChat:
		return r.handleChat(ctx, sender, env)

	default:
		log.Printf("Ignoring unknown message type %q from user=%s", env.Type, sender.GetUserID())
		return nil
	}
}

// handlePing answers a keep-alive probe. The pong carries the ping's ID as
// correlation so the client can match round trips.
func (r *Router) handlePing(sender *websocket.Connection, env *types.Envelope) error {
	pong, err := types.NewEnvelope(types.MessageTypePong, nil)
	if err != nil {
		return err
	}
	pong.CorrelationID = env.ID
	return sender.SendEnvelope(pong)
}

// handleJoin acknowledges a table join. Seat assignment already happened at
// handshake time; this confirms it to the client.
func (r *Router) handleJoin(sender *websocket.Connection) error {
	env, err := types.NewEnvelope(types.MessageTypeConnectionEstablished, &types.ConnectionEstablished{
		PlayerID: sender.GetUserID(),
		TableID:  sender.GetTableID(),
	})
	if err != nil {
		return err
	}
	return sender.SendEnvelope(env)
}

// handlePlayerAction runs the full action pipeline: validate, rate limit,
// apply through the engine, then push the resulting state to participants
// immediately and to spectators through the coalescing manager.
func (r *Router) handlePlayerAction(ctx context.Context, sender *websocket.Connection, env *types.Envelope) error {
	if sender.GetRole() == types.RoleSpectator {
		return ErrSpectatorCannotAct
	}

	var action types.PlayerAction
	if err := env.DecodePayload(&action); err != nil {
		return fmt.Errorf("malformed action payload: %w", err)
	}

	// Identity and table come from the authenticated connection, never from
	// the payload.
	action.PlayerID = sender.GetUserID()
	action.TableID = sender.GetTableID()

	if err := action.Validate(); err != nil {
		return err
	}

	if !r.allow(ctx, sender, ratelimit.ClassAction, env) {
		return ErrRateLimitExceeded
	}

	snapshot, err := r.engine.Apply(ctx, action.TableID, &action)
	if err != nil {
		return fmt.Errorf("engine rejected action: %w", err)
	}

	update := &types.Envelope{
		ID:        env.ID,
		Version:   types.ProtocolVersion,
		Type:      types.MessageTypeGameUpdate,
		Payload:   snapshot,
		Timestamp: types.NowMillis(),
	}
	r.pushToPlayers(action.TableID, update)
	r.spectators.QueueUpdate(action.TableID, snapshot)

	return nil
}

// handleChat validates, rate limits, and fans a chat line out to everyone at
// the table. Chat is low frequency, so spectators receive it immediately
// instead of through the coalescing cycle.
func (r *Router) handleChat(ctx context.Context, sender *websocket.Connection, env *types.Envelope) error {
	var chat types.Chat
	if err := env.DecodePayload(&chat); err != nil {
		return fmt.Errorf("malformed chat payload: %w", err)
	}

	chat.PlayerID = sender.GetUserID()
	chat.Username = sender.GetUsername()
	chat.IsSystem = false

	if err := chat.Validate(); err != nil {
		return err
	}

	class := ratelimit.ClassChat
	if sender.GetRole() == types.RoleSpectator {
		class = ratelimit.ClassChatRelaxed
	}
	if !r.allow(ctx, sender, class, env) {
		return ErrRateLimitExceeded
	}

	out, err := types.NewEnvelope(types.MessageTypeChat, &chat)
	if err != nil {
		return err
	}

	tableID := sender.GetTableID()
	r.recordAudit(ctx, types.AuditKindChat, tableID, chat.PlayerID, map[string]interface{}{
		"message": chat.Message,
	})
	r.pushToPlayers(tableID, out)
	r.spectators.Broadcast(tableID, out)

	return nil
}

// allow consults the sliding-window limiter for one message. Moderators are
// exempt: the bypass lives here, on the caller side, so the limiter itself
// stays role-agnostic. A rejection sends a rate-limit error envelope to the
// sender and records an audit event.
func (r *Router) allow(ctx context.Context, sender *websocket.Connection, class string, env *types.Envelope) bool {
	principal := sender.GetPrincipal()
	if principal != nil && principal.HasRole(types.RoleModerator) {
		return true
	}

	key := sender.GetUserID() + ":" + sender.GetTableID()
	result := r.limiter.Check(class, key, time.Now())
	if result.Accepted {
		return true
	}

	log.Printf("Rate limited: user=%s table=%s class=%s retry_after=%ds",
		sender.GetUserID(), sender.GetTableID(), class, result.RetryAfter)

	errEnv, err := types.NewEnvelope(types.MessageTypeError, &types.ErrorPayload{
		Code:    "RATE_LIMITED",
		Message: "Too many messages, slow down",
		RateLimitInfo: &types.RateLimitInfo{
			Remaining:  result.Remaining,
			Limit:      result.Limit,
			ResetAt:    result.ResetAt.UnixMilli(),
			RetryAfter: result.RetryAfter,
		},
	})
	if err == nil {
		errEnv.CorrelationID = env.ID
		if sendErr := sender.SendEnvelope(errEnv); sendErr != nil {
			log.Printf("Failed to send rate-limit notice to %s: %v", sender.GetUserID(), sendErr)
		}
	}

	r.recordAudit(ctx, types.AuditKindRateLimited, sender.GetTableID(), sender.GetUserID(), map[string]interface{}{
		"class":       class,
		"retry_after": result.RetryAfter,
	})
	return false
}

// pushToPlayers delivers an envelope to every participant at a table,
// continuing past individual failures.
func (r *Router) pushToPlayers(tableID string, env *types.Envelope) {
	for _, conn := range r.registry.GetTablePlayers(tableID) {
		if err := conn.SendEnvelope(env); err != nil {
			log.Printf("Failed to deliver %s to %s: %v", env.Type, conn.GetUserID(), err)
		}
	}
}

// recordAudit persists an audit event, tolerating a nil store and logging
// rather than failing the triggering message on storage errors.
func (r *Router) recordAudit(ctx context.Context, kind, tableID, actor string, detail map[string]interface{}) {
	if r.store == nil {
		return
	}
	event := &types.AuditEvent{
		ID:        uuid.New().String(),
		TableID:   tableID,
		Kind:      kind,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := r.store.RecordEvent(ctx, event); err != nil {
		log.Printf("Failed to record %s event: %v", kind, err)
	}
}
