package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardroom/internal/ratelimit"
	"cardroom/internal/router"
	"cardroom/internal/spectator"
	"cardroom/internal/websocket"
	"cardroom/pkg/types"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newConnPair(t *testing.T) (*gorilla.Conn, *gorilla.Conn) {
	t.Helper()

	serverSide := make(chan *gorilla.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case peer := <-serverSide:
		t.Cleanup(func() { peer.Close() })
		return client, peer
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer")
		return nil, nil
	}
}

type noopEngine struct{}

func (noopEngine) Apply(ctx context.Context, tableID string, action *types.PlayerAction) (json.RawMessage, error) {
	return json.Marshal(&types.GameUpdate{TableID: tableID})
}

func (noopEngine) Snapshot(ctx context.Context, tableID string) (json.RawMessage, error) {
	return json.Marshal(&types.GameUpdate{TableID: tableID})
}

func newTestHub(t *testing.T) (*Hub, *websocket.Registry) {
	return newTestHubWithClasses(t, ratelimit.DefaultClasses())
}

func newTestHubWithClasses(t *testing.T, classes map[string]ratelimit.Class) (*Hub, *websocket.Registry) {
	t.Helper()

	registry := websocket.NewRegistry()
	spectators := spectator.NewManager(10, 20*time.Millisecond)
	t.Cleanup(spectators.Close)
	limiter := ratelimit.New(classes)
	r := router.NewRouter(registry, spectators, noopEngine{}, nil, limiter)
	return NewHub(registry, r), registry
}

func newAuthedConn(t *testing.T, userID, tableID, role string) (*websocket.Connection, *gorilla.Conn) {
	t.Helper()
	client, peer := newConnPair(t)
	conn := websocket.NewConnection(client, nil)
	t.Cleanup(func() { conn.Close() })
	conn.SetPrincipal(&types.Principal{UserID: userID, Username: userID, Roles: []string{role}}, role, tableID)
	return conn, peer
}

func TestHub_StartStopLifecycle(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	assert.ErrorIs(t, h.Start(ctx), ErrHubAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
}

func TestHub_OperationsRequireRunning(t *testing.T) {
	h, _ := newTestHub(t)
	conn, _ := newAuthedConn(t, "u1", "t1", types.RolePlayer)

	env, err := types.NewEnvelope(types.MessageTypePing, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, h.SendEnvelope(conn, env), ErrHubNotRunning)
	assert.ErrorIs(t, h.RegisterConnection(conn), ErrHubNotRunning)
	assert.ErrorIs(t, h.UnregisterConnection(conn), ErrHubNotRunning)
}

func TestHub_RegistersAndRoutes(t *testing.T) {
	h, registry := newTestHub(t)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	conn, peer := newAuthedConn(t, "u1", "t1", types.RolePlayer)
	require.NoError(t, h.RegisterConnection(conn))

	require.Eventually(t, func() bool {
		_, ok := registry.GetUserConnection("u1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ping, err := types.NewEnvelope(types.MessageTypePing, nil)
	require.NoError(t, err)
	require.NoError(t, h.SendEnvelope(conn, ping))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong types.Envelope
	require.NoError(t, peer.ReadJSON(&pong))
	assert.Equal(t, types.MessageTypePong, pong.Type)
	assert.Equal(t, ping.ID, pong.CorrelationID)

	require.NoError(t, h.UnregisterConnection(conn))
	require.Eventually(t, func() bool {
		_, ok := registry.GetUserConnection("u1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RateLimitNoticeNotDuplicated(t *testing.T) {
	h, registry := newTestHubWithClasses(t, map[string]ratelimit.Class{
		ratelimit.ClassAction: {Window: time.Minute, Limit: 1},
	})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	conn, peer := newAuthedConn(t, "u1", "t1", types.RolePlayer)
	require.NoError(t, h.RegisterConnection(conn))
	require.Eventually(t, func() bool {
		_, ok := registry.GetUserConnection("u1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	send := func() {
		action, err := types.NewEnvelope(types.MessageTypePlayerAction, &types.PlayerAction{
			Action: types.ActionBet,
			Amount: 10,
		})
		require.NoError(t, err)
		require.NoError(t, h.SendEnvelope(conn, action))
	}

	send()
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update types.Envelope
	require.NoError(t, peer.ReadJSON(&update))
	require.Equal(t, types.MessageTypeGameUpdate, update.Type)

	// The second action is rejected; the router's notice is the only one.
	send()
	var notice types.Envelope
	require.NoError(t, peer.ReadJSON(&notice))
	require.Equal(t, types.MessageTypeError, notice.Type)

	var payload types.ErrorPayload
	require.NoError(t, notice.DecodePayload(&payload))
	assert.Equal(t, "RATE_LIMITED", payload.Code)

	// A ping follows in order; anything duplicated for the rejection would
	// arrive before the pong.
	ping, err := types.NewEnvelope(types.MessageTypePing, nil)
	require.NoError(t, err)
	require.NoError(t, h.SendEnvelope(conn, ping))

	var next types.Envelope
	require.NoError(t, peer.ReadJSON(&next))
	assert.Equal(t, types.MessageTypePong, next.Type)
}

func TestHub_RoutingErrorReportedToSender(t *testing.T) {
	h, _ := newTestHub(t)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	// Spectators cannot submit actions; the rejection comes back as an
	// error envelope correlated to the offending message.
	conn, peer := newAuthedConn(t, "watcher", "t1", types.RoleSpectator)

	action, err := types.NewEnvelope(types.MessageTypePlayerAction, &types.PlayerAction{
		Action: types.ActionBet,
		Amount: 50,
	})
	require.NoError(t, err)
	require.NoError(t, h.SendEnvelope(conn, action))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notice types.Envelope
	require.NoError(t, peer.ReadJSON(&notice))
	assert.Equal(t, types.MessageTypeError, notice.Type)
	assert.Equal(t, action.ID, notice.CorrelationID)

	var payload types.ErrorPayload
	require.NoError(t, notice.DecodePayload(&payload))
	assert.Equal(t, "ROUTING_FAILED", payload.Code)
}
