package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cardroom/pkg/types"
)

// Connection wraps one upgraded WebSocket session. Writes are serialized
// through a single writer goroutine; routing code may push from any
// goroutine. A token-bucket frame guard runs ahead of the application-level
// sliding-window limiter and catches runaway senders at the transport layer.
type Connection struct {
	conn    *websocket.Conn
	writeCh chan []byte

	principal *types.Principal
	role      string
	tableID   string

	frameGuard *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex
}

// FrameGuardConfig bounds raw inbound frames per connection.
type FrameGuardConfig struct {
	FramesPerSecond rate.Limit
	Burst           int
	Enabled         bool
}

// DefaultFrameGuardConfig allows 50 frames/s with a burst of 100, far above
// anything a legitimate client produces.
func DefaultFrameGuardConfig() *FrameGuardConfig {
	return &FrameGuardConfig{
		FramesPerSecond: 50,
		Burst:           100,
		Enabled:         true,
	}
}

// NewConnection wraps an upgraded connection and starts its writer.
func NewConnection(conn *websocket.Conn, guardCfg *FrameGuardConfig) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	var guard *rate.Limiter
	if guardCfg != nil && guardCfg.Enabled {
		guard = rate.NewLimiter(guardCfg.FramesPerSecond, guardCfg.Burst)
	}

	c := &Connection{
		conn:       conn,
		writeCh:    make(chan []byte, 100),
		frameGuard: guard,
		ctx:        ctx,
		cancel:     cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// SendEnvelope queues an envelope for delivery.
func (c *Connection) SendEnvelope(env *types.Envelope) error {
	return c.WriteJSON(env)
}

// WriteJSON queues a JSON message for delivery, with a bounded wait when the
// write buffer is full.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(5 * time.Second):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// AllowFrame consults the transport frame guard for one inbound frame.
func (c *Connection) AllowFrame() bool {
	if c.frameGuard == nil {
		return true
	}
	return c.frameGuard.Allow()
}

// Close shuts down the writer goroutine and the underlying transport. Safe
// to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// CloseWithCode writes a close frame with the given code before closing.
func (c *Connection) CloseWithCode(code int, reason string) error {
	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return c.Close()
}

// SetPrincipal attaches the verified identity to the connection.
func (c *Connection) SetPrincipal(principal *types.Principal, role, tableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = principal
	c.role = role
	c.tableID = tableID
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return ""
	}
	return c.principal.UserID
}

func (c *Connection) GetUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return ""
	}
	return c.principal.Username
}

func (c *Connection) GetPrincipal() *types.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetTableID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tableID
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal != nil
}

// Done exposes the connection's lifecycle context for goroutine cleanup.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
