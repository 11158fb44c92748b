package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardroom/internal/auth"
	"cardroom/internal/ratelimit"
	"cardroom/internal/spectator"
	"cardroom/internal/websocket"
	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

type fakeTables struct {
	mu     sync.Mutex
	tables map[string]*types.Table
}

func newFakeTables() *fakeTables {
	return &fakeTables{tables: map[string]*types.Table{}}
}

func (f *fakeTables) CreateTable(ctx context.Context, name, createdBy string) (*types.Table, error) {
	if len(name) == 0 || len(name) > 200 {
		return nil, types.ErrInvalidTableName
	}
	if !types.IsValidUserID(createdBy) {
		return nil, types.ErrInvalidCreatedBy
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &types.Table{
		ID:        fmt.Sprintf("table-%d", len(f.tables)+1),
		Name:      name,
		CreatedBy: createdBy,
		StartTime: time.Now(),
		Status:    types.TableStatusActive,
	}
	f.tables[t.ID] = t
	return t, nil
}

func (f *fakeTables) GetTable(ctx context.Context, tableID string) (*types.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableID]
	if !ok {
		return nil, interfaces.ErrTableNotFound
	}
	return t, nil
}

func (f *fakeTables) EndTable(ctx context.Context, tableID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableID]
	if !ok {
		return interfaces.ErrTableNotFound
	}
	if t.Status == types.TableStatusEnded {
		return errors.New("table already ended")
	}
	now := time.Now()
	t.EndTime = &now
	t.Status = types.TableStatusEnded
	return nil
}

func (f *fakeTables) ListActiveTables(ctx context.Context) ([]*types.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*types.Table
	for _, t := range f.tables {
		if t.Status == types.TableStatusActive {
			active = append(active, t)
		}
	}
	return active, nil
}

type fakeStore struct {
	mu        sync.Mutex
	events    []*types.AuditEvent
	unhealthy bool
}

func (f *fakeStore) CreateTable(ctx context.Context, table *types.Table) error { return nil }
func (f *fakeStore) GetTable(ctx context.Context, tableID string) (*types.Table, error) {
	return nil, interfaces.ErrTableNotFound
}
func (f *fakeStore) UpdateTable(ctx context.Context, table *types.Table) error { return nil }
func (f *fakeStore) ListActiveTables(ctx context.Context) ([]*types.Table, error) {
	return nil, nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, event *types.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) error {
	if f.unhealthy {
		return errors.New("database unreachable")
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) eventKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.events))
	for i, e := range f.events {
		kinds[i] = e.Kind
	}
	return kinds
}

type emptyRegistry struct{}

func (emptyRegistry) GetTablePlayers(tableID string) []*websocket.Connection { return nil }
func (emptyRegistry) GetStats() map[string]int {
	return map[string]int{"total_connections": 0, "active_tables": 0}
}

type serverFixture struct {
	server *httptest.Server
	tables *fakeTables
	store  *fakeStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	tables := newFakeTables()
	store := &fakeStore{}
	spectators := spectator.NewManager(5, 20*time.Millisecond)
	t.Cleanup(spectators.Close)
	limiter := ratelimit.New(map[string]ratelimit.Class{
		ratelimit.ClassChatRelaxed: {Window: time.Minute, Limit: 2},
	})
	verifier := auth.NewStaticVerifier()
	verifier.Register("tok-user", &types.Principal{UserID: "u1", Username: "Alice", Roles: []string{types.RolePlayer}})
	verifier.Register("tok-mod", &types.Principal{UserID: "m1", Username: "Mia", Roles: []string{types.RoleModerator}})

	api := NewServer(tables, store, emptyRegistry{}, spectators, limiter, verifier)
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	return &serverFixture{server: server, tables: tables, store: store}
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) *T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return &v
}

func TestCreateTable(t *testing.T) {
	f := newServerFixture(t)

	resp := f.request(t, http.MethodPost, "/api/tables", "", CreateTableRequest{Name: "Main", CreatedBy: "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[CreateTableResponse](t, resp)
	assert.NotEmpty(t, created.Table.ID)
	assert.Equal(t, "Main", created.Table.Name)
	assert.Equal(t, types.TableStatusActive, created.Table.Status)
}

func TestCreateTableValidation(t *testing.T) {
	f := newServerFixture(t)

	resp := f.request(t, http.MethodPost, "/api/tables", "", CreateTableRequest{CreatedBy: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/api/tables", "", CreateTableRequest{Name: "Main"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/api/tables", "", CreateTableRequest{Name: "Main", CreatedBy: "not a user!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTable(t *testing.T) {
	f := newServerFixture(t)
	created, err := f.tables.CreateTable(context.Background(), "Main", "alice")
	require.NoError(t, err)

	resp := f.request(t, http.MethodGet, "/api/tables/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[TableResponse](t, resp)
	assert.Equal(t, created.ID, got.Table.ID)
	assert.Equal(t, 0, got.PlayerCount)
	assert.Equal(t, 0, got.SpectatorCount)
}

func TestGetTableNotFound(t *testing.T) {
	f := newServerFixture(t)

	resp := f.request(t, http.MethodGet, "/api/tables/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndTable(t *testing.T) {
	f := newServerFixture(t)
	created, err := f.tables.CreateTable(context.Background(), "Main", "alice")
	require.NoError(t, err)

	resp := f.request(t, http.MethodDelete, "/api/tables/"+created.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A second delete reports the table is already over.
	resp = f.request(t, http.MethodDelete, "/api/tables/"+created.ID, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodDelete, "/api/tables/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTables(t *testing.T) {
	f := newServerFixture(t)
	_, err := f.tables.CreateTable(context.Background(), "Main", "alice")
	require.NoError(t, err)

	resp := f.request(t, http.MethodGet, "/api/tables", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decodeBody[ListTablesResponse](t, resp)
	require.Len(t, list.Tables, 1)
	assert.Equal(t, "Main", list.Tables[0].Name)
}

func TestHealthCheck(t *testing.T) {
	f := newServerFixture(t)

	resp := f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Database)
}

func TestHealthCheckUnhealthy(t *testing.T) {
	f := newServerFixture(t)
	f.store.unhealthy = true

	resp := f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	health := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "unhealthy", health.Status)
}

func TestPostChatRequiresToken(t *testing.T) {
	f := newServerFixture(t)
	created, err := f.tables.CreateTable(context.Background(), "Main", "alice")
	require.NoError(t, err)

	resp := f.request(t, http.MethodPost, "/api/tables/"+created.ID+"/chat", "", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/api/tables/"+created.ID+"/chat", "bogus", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPostChatUnknownTable(t *testing.T) {
	f := newServerFixture(t)

	resp := f.request(t, http.MethodPost, "/api/tables/missing/chat", "tok-user", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostChatValidation(t *testing.T) {
	f := newServerFixture(t)
	created, err := f.tables.CreateTable(context.Background(), "Main", "alice")
	require.NoError(t, err)

	resp := f.request(t, http.MethodPost, "/api/tables/"+created.ID+"/chat", "tok-user", ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostChatRateLimited(t *testing.T) {
	f := newServerFixture(t)
	created, err := f.tables.CreateTable(context.Background(), "Main", "alice")
	require.NoError(t, err)
	path := "/api/tables/" + created.ID + "/chat"

	// The relaxed class allows two messages in the test window.
	for i := 0; i < 2; i++ {
		resp := f.request(t, http.MethodPost, path, "tok-user", ChatRequest{Message: "hello"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decodeBody[ChatResponse](t, resp).Success)
	}

	resp := f.request(t, http.MethodPost, path, "tok-user", ChatRequest{Message: "hello"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	body := decodeBody[ChatResponse](t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "Rate limit exceeded", body.Error)
	require.NotNil(t, body.RateLimitInfo)
	assert.Equal(t, 2, body.RateLimitInfo.Limit)
	assert.Greater(t, body.RateLimitInfo.RetryAfter, 0)

	assert.Contains(t, f.store.eventKinds(), types.AuditKindRateLimited)
}

func TestPostChatModeratorBypassesLimit(t *testing.T) {
	f := newServerFixture(t)
	created, err := f.tables.CreateTable(context.Background(), "Main", "alice")
	require.NoError(t, err)
	path := "/api/tables/" + created.ID + "/chat"

	for i := 0; i < 10; i++ {
		resp := f.request(t, http.MethodPost, path, "tok-mod", ChatRequest{Message: "table closes in five"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decodeBody[ChatResponse](t, resp).Success)
	}

	kinds := f.store.eventKinds()
	assert.NotContains(t, kinds, types.AuditKindRateLimited)
	assert.Contains(t, kinds, types.AuditKindChat)
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/tables", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
