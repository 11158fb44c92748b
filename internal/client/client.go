package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cardroom/pkg/types"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Defaults.
const (
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultKeepAliveInterval    = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	// ServerURL is the server origin, http(s) or ws(s); the scheme is
	// upgraded to the matching ws(s) variant.
	ServerURL string

	// Token is the handshake auth token; TableID the target table. Both
	// ride in the connection URI's query string.
	Token   string
	TableID string

	// Spectate requests read-only admission instead of a player seat.
	Spectate bool

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	KeepAliveInterval    time.Duration
	HandshakeTimeout     time.Duration

	// OnMessage receives every inbound envelope except keep-alive pongs,
	// which are consumed silently.
	OnMessage func(env *types.Envelope)

	// OnStatus observes lifecycle transitions; attempt is non-zero while
	// reconnecting.
	OnStatus func(state State, attempt int)

	// OnError receives transport errors and the terminal
	// ErrMaxReconnectAttempts.
	OnError func(err error)
}

// Client owns one physical WebSocket connection and drives its lifecycle:
// dial, keep-alive, reconnection with a bounded retry budget, teardown. A
// Client is owned by a single consumer and must not be shared.
type Client struct {
	cfg Config

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	attempts  int
	destroyed bool

	// reconnectTimer and keepAliveStop are cancelled synchronously on
	// Disconnect so no orphaned callback fires into a torn-down client.
	reconnectTimer *time.Timer
	keepAliveStop  chan struct{}

	writeMu sync.Mutex
}

// New creates a client. Zero config fields fall back to defaults.
func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Client{cfg: cfg}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the transport. A no-op when already connecting or connected;
// an error when the client has been destroyed by Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrClientDestroyed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.notifyStatus(StateConnecting, 0)
	return c.dial(ctx)
}

// dial performs one connection attempt from the Connecting state.
func (c *Client) dial(ctx context.Context) error {
	wsURL, err := buildWSURL(c.cfg.ServerURL, c.cfg.Token, c.cfg.TableID, c.cfg.Spectate)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		// A handshake that never completed is a distinct error kind so
		// callers can tell "never connected" from "disconnected after
		// connecting".
		connectErr := fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			connectErr = fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		c.notifyError(connectErr)
		c.handleClosure()
		return connectErr
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientDestroyed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	stop := make(chan struct{})
	c.keepAliveStop = stop
	c.mu.Unlock()

	c.notifyStatus(StateConnected, 0)

	go c.readLoop(conn)
	go c.keepAliveLoop(conn, stop)

	if err := c.sendEnvelope(types.MessageTypeJoinTable, nil); err != nil {
		log.Printf("client: failed to send join message: %v", err)
	}
	return nil
}

// Send transmits an envelope. Sends while not connected are dropped with a
// warning rather than queued; the caller hears about it through the error.
func (c *Client) Send(env *types.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		log.Printf("client: dropping %s message, not connected", env.Type)
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(env)
}

// sendEnvelope builds and sends a typed message.
func (c *Client) sendEnvelope(msgType string, payload interface{}) error {
	env, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Disconnect tears the client down: pending reconnect and keep-alive timers
// are cancelled synchronously, a leave message and a normal close frame go
// out if still connected, and no reconnection happens afterwards regardless
// of any subsequent transport event.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.keepAliveStop != nil {
		close(c.keepAliveStop)
		c.keepAliveStop = nil
	}
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.state = StateClosing
	c.mu.Unlock()

	if conn != nil {
		if wasConnected {
			if env, err := types.NewEnvelope(types.MessageTypeLeaveTable, nil); err == nil {
				c.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				conn.WriteJSON(env)
				c.writeMu.Unlock()
			}
		}
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.notifyStatus(StateDisconnected, 0)
}

// readLoop pumps inbound messages until the transport closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				// Normal closure never triggers the retry machinery.
				c.handleNormalClose()
				return
			}
			c.handleClosure()
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("client: dropping malformed envelope: %v", err)
			continue
		}

		// Liveness-probe acknowledgments are consumed silently.
		if env.Type == types.MessageTypePong {
			continue
		}

		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(&env)
		}
	}
}

// keepAliveLoop sends a liveness probe on a fixed interval. A missing reply
// is not detected here; dead peers surface as transport closures.
func (c *Client) keepAliveLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendEnvelope(types.MessageTypePing, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// handleNormalClose handles a close frame carrying the normal-closure code.
func (c *Client) handleNormalClose() {
	c.mu.Lock()
	if c.keepAliveStop != nil {
		close(c.keepAliveStop)
		c.keepAliveStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	c.notifyStatus(StateDisconnected, 0)
}

// handleClosure runs once per abnormal closure: stop the keep-alive, fall to
// Disconnected, and schedule exactly one reconnect while budget remains.
// Retries are driven solely by closure events, never by generic transport
// errors, so a reconnect is never scheduled twice for one failure.
func (c *Client) handleClosure() {
	c.mu.Lock()
	if c.keepAliveStop != nil {
		close(c.keepAliveStop)
		c.keepAliveStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.destroyed || c.state == StateClosing {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.notifyStatus(StateDisconnected, c.cfg.MaxReconnectAttempts)
		c.notifyError(ErrMaxReconnectAttempts)
		return
	}

	// The client is Connecting for the whole retry cycle, delay included,
	// so State() agrees with the status callback while the timer is pending.
	c.attempts++
	attempt := c.attempts
	c.state = StateConnecting
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.reconnect(attempt)
	})
	c.mu.Unlock()

	c.notifyStatus(StateConnecting, attempt)
}

// reconnect is the deferred retry scheduled by handleClosure.
func (c *Client) reconnect(attempt int) {
	c.mu.Lock()
	if c.destroyed || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	log.Printf("client: reconnect attempt %d/%d", attempt, c.cfg.MaxReconnectAttempts)
	c.dial(context.Background())
}

func (c *Client) notifyStatus(state State, attempt int) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(state, attempt)
	}
}

func (c *Client) notifyError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// buildWSURL upgrades the origin scheme to its ws(s) variant and attaches
// the handshake token and target table to the fixed /ws resource path.
func buildWSURL(origin, token, tableID string, spectate bool) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	q.Set("table_id", tableID)
	if spectate {
		q.Set("spectate", "1")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
