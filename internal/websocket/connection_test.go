package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardroom/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newConnPair dials a throwaway server and returns the client-side socket
// plus the server-side peer for inspecting what was written.
func newConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case peer := <-serverSide:
		t.Cleanup(func() { peer.Close() })
		return client, peer
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
		return nil, nil
	}
}

func TestNewConnection(t *testing.T) {
	client, _ := newConnPair(t)

	conn := NewConnection(client, nil)
	defer conn.Close()

	assert.Equal(t, 100, cap(conn.writeCh))
	assert.False(t, conn.IsAuthenticated())
	assert.Empty(t, conn.GetUserID())
}

func TestConnection_PrincipalFlow(t *testing.T) {
	client, _ := newConnPair(t)

	conn := NewConnection(client, nil)
	defer conn.Close()

	principal := &types.Principal{UserID: "u1", Username: "Alice", Roles: []string{types.RolePlayer}}
	conn.SetPrincipal(principal, types.RolePlayer, "t1")

	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "u1", conn.GetUserID())
	assert.Equal(t, "Alice", conn.GetUsername())
	assert.Equal(t, types.RolePlayer, conn.GetRole())
	assert.Equal(t, "t1", conn.GetTableID())
	assert.Same(t, principal, conn.GetPrincipal())
}

func TestConnection_SendEnvelopeReachesPeer(t *testing.T) {
	client, peer := newConnPair(t)

	conn := NewConnection(client, nil)
	defer conn.Close()

	env, err := types.NewEnvelope(types.MessageTypeChat, &types.Chat{PlayerID: "p1", Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.SendEnvelope(env))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got types.Envelope
	require.NoError(t, peer.ReadJSON(&got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, types.MessageTypeChat, got.Type)
}

func TestConnection_WriteJSONMarshalFailure(t *testing.T) {
	client, _ := newConnPair(t)

	conn := NewConnection(client, nil)
	defer conn.Close()

	assert.ErrorIs(t, conn.WriteJSON(make(chan int)), ErrInvalidJSON)
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	client, _ := newConnPair(t)

	conn := NewConnection(client, nil)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.WriteJSON(map[string]string{"k": "v"}), ErrConnectionClosed)

	select {
	case <-conn.Done():
	default:
		t.Error("Done channel should be closed after Close")
	}
}

func TestConnection_FrameGuard(t *testing.T) {
	client, _ := newConnPair(t)

	conn := NewConnection(client, &FrameGuardConfig{FramesPerSecond: 1, Burst: 2, Enabled: true})
	defer conn.Close()

	assert.True(t, conn.AllowFrame())
	assert.True(t, conn.AllowFrame())
	assert.False(t, conn.AllowFrame())
}

func TestConnection_FrameGuardDisabled(t *testing.T) {
	client, _ := newConnPair(t)

	conn := NewConnection(client, &FrameGuardConfig{Enabled: false})
	defer conn.Close()

	for i := 0; i < 1000; i++ {
		assert.True(t, conn.AllowFrame())
	}
}
