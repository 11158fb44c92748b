package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cardroom/internal/spectator"
	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is deployment policy, enforced by the fronting
		// proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// EnvelopeSink receives inbound envelopes and connection lifecycle events.
// The hub implements it; the indirection keeps this package free of routing
// dependencies.
type EnvelopeSink interface {
	SendEnvelope(sender *Connection, env *types.Envelope) error
	RegisterConnection(conn *Connection) error
	UnregisterConnection(conn *Connection) error
}

// TableValidator answers whether a table can accept a new connection.
type TableValidator interface {
	ValidateJoin(ctx context.Context, tableID string) error
}

// SpectatorGate is the spectator manager surface the handler needs.
type SpectatorGate interface {
	Admit(tableID string, principal *types.Principal, conn interfaces.Connection) (*spectator.Spectator, error)
	Remove(tableID, spectatorID string)
	Count(tableID string) int
	Capacity() int
}

// Handler authenticates and upgrades WebSocket requests, then runs the
// per-connection read pump.
type Handler struct {
	sink       EnvelopeSink
	tables     TableValidator
	spectators SpectatorGate
	engine     interfaces.GameEngine
	verifier   interfaces.TokenVerifier
	guardCfg   *FrameGuardConfig
}

// NewHandler creates a handler. A nil guard config falls back to defaults.
func NewHandler(sink EnvelopeSink, tables TableValidator, spectators SpectatorGate, engine interfaces.GameEngine, verifier interfaces.TokenVerifier, guardCfg *FrameGuardConfig) *Handler {
	if guardCfg == nil {
		guardCfg = DefaultFrameGuardConfig()
	}
	return &Handler{
		sink:       sink,
		tables:     tables,
		spectators: spectators,
		engine:     engine,
		verifier:   verifier,
		guardCfg:   guardCfg,
	}
}

// HandleWebSocket validates a connection request, upgrades it, and hands the
// socket to either the player or the spectator path. All rejections happen
// before the upgrade so clients get real HTTP status codes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	tableID := q.Get("table_id")
	spectate := q.Get("spectate") == "1"

	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	if tableID == "" {
		http.Error(w, "Missing table_id", http.StatusBadRequest)
		return
	}

	principal, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	if err := h.tables.ValidateJoin(r.Context(), tableID); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrTableNotFound), errors.Is(err, interfaces.ErrTableEnded):
			http.Error(w, "Table not found or ended", http.StatusNotFound)
		default:
			http.Error(w, "Table validation failed", http.StatusInternalServerError)
		}
		return
	}

	// Capacity is checked before the upgrade so a full table costs one HTTP
	// round trip, not an upgraded socket that closes immediately.
	if spectate && h.spectators.Count(tableID) >= h.spectators.Capacity() {
		http.Error(w, "Table spectator limit reached", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.guardCfg)

	role := types.RolePlayer
	if spectate {
		role = types.RoleSpectator
	}
	if principal.HasRole(types.RoleModerator) {
		role = types.RoleModerator
	}
	wsConn.SetPrincipal(principal, role, tableID)

	if spectate {
		go h.handleSpectator(wsConn, principal, tableID)
		return
	}

	if err := h.sink.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}

	go h.handlePlayer(wsConn)
}

// handleSpectator admits the observer, seeds it with the current table
// state, and then only answers keep-alive pings until disconnect. Spectator
// traffic never reaches the hub.
func (h *Handler) handleSpectator(conn *Connection, principal *types.Principal, tableID string) {
	spec, err := h.spectators.Admit(tableID, principal, conn)
	if err != nil {
		log.Printf("Spectator admission failed: table=%s user=%s err=%v", tableID, principal.UserID, err)
		_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "admission refused")
		return
	}
	defer func() {
		h.spectators.Remove(tableID, spec.ID)
		_ = conn.Close()
	}()

	h.sendSnapshotSeed(conn, tableID)

	conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	go h.pingLoop(conn)

	for {
		env, ok := h.readEnvelope(conn)
		if !ok {
			return
		}
		if env == nil {
			continue
		}
		if env.Type == types.MessageTypePing {
			pong, err := types.NewEnvelope(types.MessageTypePong, nil)
			if err == nil {
				pong.CorrelationID = env.ID
				_ = conn.SendEnvelope(pong)
			}
		}
		// Everything else from a spectator is ignored.
	}
}

// handlePlayer runs the read pump for a participant, forwarding validated
// envelopes to the hub.
func (h *Handler) handlePlayer(conn *Connection) {
	defer func() {
		if err := h.sink.UnregisterConnection(conn); err != nil {
			log.Printf("Failed to unregister %s: %v", conn.GetUserID(), err)
		}
		_ = conn.Close()
	}()

	conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	go h.pingLoop(conn)

	for {
		env, ok := h.readEnvelope(conn)
		if !ok {
			return
		}
		if env == nil {
			continue
		}

		if err := h.sink.SendEnvelope(conn, env); err != nil {
			log.Printf("Failed to queue %s from %s: %v", env.Type, conn.GetUserID(), err)
		}
	}
}

// readEnvelope reads and validates one frame. It returns (nil, true) for
// frames to skip and (nil, false) when the connection is done. A client that
// outruns the frame guard is closed with a policy violation.
func (h *Handler) readEnvelope(conn *Connection) (*types.Envelope, bool) {
	messageType, data, err := conn.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			log.Printf("WebSocket error for %s: %v", conn.GetUserID(), err)
		}
		return nil, false
	}

	if !conn.AllowFrame() {
		log.Printf("Frame guard tripped: user=%s", conn.GetUserID())
		_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "too many frames")
		return nil, false
	}

	if messageType != websocket.TextMessage {
		return nil, true
	}

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("Dropping malformed frame from %s: %v", conn.GetUserID(), err)
		return nil, true
	}
	if err := env.Validate(); err != nil {
		log.Printf("Dropping invalid envelope from %s: %v", conn.GetUserID(), err)
		return nil, true
	}

	return &env, true
}

// pingLoop sends transport pings until the connection closes. The read
// deadline plus pong handler pair detects dead peers.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// sendSnapshotSeed pushes the current table state to a newly admitted
// spectator so it does not wait for the next coalesced flush.
func (h *Handler) sendSnapshotSeed(conn *Connection, tableID string) {
	snapshot, err := h.engine.Snapshot(context.Background(), tableID)
	if err != nil {
		log.Printf("Failed to snapshot table %s for spectator seed: %v", tableID, err)
		return
	}

	env, err := types.NewEnvelope(types.MessageTypeGameUpdate, snapshot)
	if err != nil {
		return
	}
	if err := conn.SendEnvelope(env); err != nil {
		log.Printf("Failed to seed spectator on table %s: %v", tableID, err)
	}
}
