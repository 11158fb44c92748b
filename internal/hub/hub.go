package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"cardroom/internal/router"
	"cardroom/internal/websocket"
	"cardroom/pkg/types"
)

// Hub is the single coordination point between transport and routing. All
// envelopes and connection lifecycle events funnel through one goroutine, so
// routing never races with registration.
type Hub struct {
	messageChannel    chan *envelopeContext
	registerChannel   chan *websocket.Connection
	unregisterChannel chan *websocket.Connection
	shutdownChannel   chan struct{}

	registry *websocket.Registry
	router   *router.Router

	running bool
	mu      sync.RWMutex
}

// envelopeContext pairs an inbound envelope with its sender so the router
// never has to re-resolve the connection.
type envelopeContext struct {
	env      *types.Envelope
	sender   *websocket.Connection
	received time.Time
}

// NewHub creates a hub. Buffer sizes absorb action bursts at showdown
// without blocking reader goroutines.
func NewHub(registry *websocket.Registry, router *router.Router) *Hub {
	return &Hub{
		messageChannel:    make(chan *envelopeContext, 1000),
		registerChannel:   make(chan *websocket.Connection, 100),
		unregisterChannel: make(chan *websocket.Connection, 100),
		shutdownChannel:   make(chan struct{}),
		registry:          registry,
		router:            router,
	}
}

// Start launches the processing goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting message hub...")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down. Safe to call once; a second call returns
// ErrHubNotRunning.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping message hub...")
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

// SendEnvelope queues an inbound envelope for routing. Non-blocking: when
// the buffer is full the caller gets an error instead of a stalled reader.
func (h *Hub) SendEnvelope(sender *websocket.Connection, env *types.Envelope) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	ec := &envelopeContext{env: env, sender: sender, received: time.Now()}
	select {
	case h.messageChannel <- ec:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

// RegisterConnection queues a connection for registration.
func (h *Hub) RegisterConnection(conn *websocket.Connection) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.registerChannel <- conn:
		return nil
	default:
		return ErrRegisterChannelFull
	}
}

// UnregisterConnection queues a connection for removal. Passing the instance
// rather than a user ID lets the registry skip stale unregisters after a
// reconnect replaced the connection.
func (h *Hub) UnregisterConnection(conn *websocket.Connection) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.unregisterChannel <- conn:
		return nil
	default:
		return ErrUnregisterChannelFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer log.Println("Hub processing stopped")

	for {
		select {
		case ec := <-h.messageChannel:
			h.handleEnvelope(ctx, ec)

		case conn := <-h.registerChannel:
			h.handleRegistration(conn)

		case conn := <-h.unregisterChannel:
			h.registry.UnregisterConnection(conn)

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

// handleEnvelope routes one envelope. Routing errors are reported to the
// sender and never stop the loop.
func (h *Hub) handleEnvelope(ctx context.Context, ec *envelopeContext) {
	if err := h.router.RouteEnvelope(ctx, ec.sender, ec.env); err != nil {
		log.Printf("Routing failed: type=%s user=%s table=%s err=%v",
			ec.env.Type, ec.sender.GetUserID(), ec.sender.GetTableID(), err)
		h.sendErrorToSender(ec.sender, ec.env, err)
	}
}

func (h *Hub) handleRegistration(conn *websocket.Connection) {
	if conn == nil {
		log.Printf("Attempted to register nil connection")
		return
	}

	if err := h.registry.RegisterConnection(conn); err != nil {
		log.Printf("Connection registration failed for user %s: %v", conn.GetUserID(), err)
		if closeErr := conn.Close(); closeErr != nil {
			log.Printf("Failed to close connection after registration failure: %v", closeErr)
		}
		return
	}
	log.Printf("Connection registered: user=%s role=%s table=%s",
		conn.GetUserID(), conn.GetRole(), conn.GetTableID())
}

// sendErrorToSender pushes an error envelope for a failed dispatch. Rate
// limit rejections already carry their own notice from the router, so they
// are not duplicated here.
func (h *Hub) sendErrorToSender(sender *websocket.Connection, env *types.Envelope, routingErr error) {
	if errors.Is(routingErr, router.ErrRateLimitExceeded) {
		return
	}

	errEnv, err := types.NewEnvelope(types.MessageTypeError, &types.ErrorPayload{
		Code:    "ROUTING_FAILED",
		Message: routingErr.Error(),
	})
	if err != nil {
		return
	}
	errEnv.CorrelationID = env.ID

	if err := sender.SendEnvelope(errEnv); err != nil {
		log.Printf("Failed to send error message to %s: %v", sender.GetUserID(), err)
	}
}
