package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cardroom/internal/ratelimit"
	"cardroom/internal/spectator"
	"cardroom/internal/websocket"
	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

// TableService is the table manager surface the API needs.
type TableService interface {
	CreateTable(ctx context.Context, name, createdBy string) (*types.Table, error)
	GetTable(ctx context.Context, tableID string) (*types.Table, error)
	EndTable(ctx context.Context, tableID string) error
	ListActiveTables(ctx context.Context) ([]*types.Table, error)
}

// Registry is the connection registry surface the API needs.
type Registry interface {
	GetTablePlayers(tableID string) []*websocket.Connection
	GetStats() map[string]int
}

// Server is the HTTP control plane: table lifecycle, moderator chat, and
// health. No game traffic flows through here; that is the WebSocket path.
type Server struct {
	tables     TableService
	store      interfaces.EventStore
	registry   Registry
	spectators *spectator.Manager
	limiter    *ratelimit.Limiter
	verifier   interfaces.TokenVerifier
	router     *http.ServeMux
}

// NewServer wires the control plane routes.
func NewServer(tables TableService, store interfaces.EventStore, registry Registry, spectators *spectator.Manager, limiter *ratelimit.Limiter, verifier interfaces.TokenVerifier) *Server {
	s := &Server{
		tables:     tables,
		store:      store,
		registry:   registry,
		spectators: spectators,
		limiter:    limiter,
		verifier:   verifier,
		router:     http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/tables", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleTables))))
	s.router.Handle("/api/tables/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleTableByID))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTable(w, r)
	case http.MethodGet:
		s.listTables(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTableByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tables/")
	if path == "" {
		s.sendError(w, "Table ID required", http.StatusBadRequest)
		return
	}

	parts := strings.Split(path, "/")
	tableID := parts[0]
	if tableID == "" {
		s.sendError(w, "Invalid table ID", http.StatusBadRequest)
		return
	}

	if len(parts) > 1 && parts[1] == "chat" {
		if r.Method == http.MethodPost {
			s.postChat(w, r, tableID)
		} else if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
		} else {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getTable(w, r, tableID)
	case http.MethodDelete:
		s.endTable(w, r, tableID)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Request/Response types for JSON serialization
type CreateTableRequest struct {
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
}

type CreateTableResponse struct {
	Table *types.Table `json:"table"`
}

type TableResponse struct {
	Table          *types.Table `json:"table"`
	PlayerCount    int          `json:"player_count"`
	SpectatorCount int          `json:"spectator_count"`
}

type ListTablesResponse struct {
	Tables []TableWithCounts `json:"tables"`
}

type TableWithCounts struct {
	*types.Table
	PlayerCount    int `json:"player_count"`
	SpectatorCount int `json:"spectator_count"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Success       bool                 `json:"success"`
	Error         string               `json:"error,omitempty"`
	RateLimitInfo *types.RateLimitInfo `json:"rateLimitInfo,omitempty"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// createTable handles POST /api/tables.
func (s *Server) createTable(w http.ResponseWriter, r *http.Request) {
	var req CreateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		s.sendError(w, "Table name is required", http.StatusBadRequest)
		return
	}
	if req.CreatedBy == "" {
		s.sendError(w, "Creator ID is required", http.StatusBadRequest)
		return
	}

	t, err := s.tables.CreateTable(r.Context(), req.Name, req.CreatedBy)
	if err != nil {
		if errors.Is(err, types.ErrInvalidTableName) || errors.Is(err, types.ErrInvalidCreatedBy) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
		} else {
			s.sendError(w, "Failed to create table", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateTableResponse{Table: t})
}

// getTable handles GET /api/tables/{id}, enriched with live counts.
func (s *Server) getTable(w http.ResponseWriter, r *http.Request, tableID string) {
	t, err := s.tables.GetTable(r.Context(), tableID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTableNotFound) {
			s.sendError(w, "Table not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to get table", http.StatusInternalServerError)
		}
		return
	}

	json.NewEncoder(w).Encode(TableResponse{
		Table:          t,
		PlayerCount:    len(s.registry.GetTablePlayers(tableID)),
		SpectatorCount: s.spectators.Count(tableID),
	})
}

// endTable handles DELETE /api/tables/{id}. Connected players are told the
// table ended before the record is closed.
func (s *Server) endTable(w http.ResponseWriter, r *http.Request, tableID string) {
	conns := s.registry.GetTablePlayers(tableID)
	if len(conns) > 0 {
		env, err := types.NewEnvelope(types.MessageTypeError, &types.ErrorPayload{
			Code:    "TABLE_ENDED",
			Message: "Table ended by moderator",
		})
		if err == nil {
			for _, conn := range conns {
				if err := conn.SendEnvelope(env); err != nil {
					log.Printf("Failed to notify %s of table end: %v", conn.GetUserID(), err)
				}
			}
		}
	}

	if err := s.tables.EndTable(r.Context(), tableID); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrTableNotFound):
			s.sendError(w, "Table not found", http.StatusNotFound)
		case strings.Contains(err.Error(), "already ended"):
			s.sendError(w, "Table already ended", http.StatusBadRequest)
		default:
			s.sendError(w, "Failed to end table", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "Table ended successfully"})
}

// listTables handles GET /api/tables.
func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.tables.ListActiveTables(r.Context())
	if err != nil {
		s.sendError(w, "Failed to list tables", http.StatusInternalServerError)
		return
	}

	withCounts := make([]TableWithCounts, len(tables))
	for i, t := range tables {
		withCounts[i] = TableWithCounts{
			Table:          t,
			PlayerCount:    len(s.registry.GetTablePlayers(t.ID)),
			SpectatorCount: s.spectators.Count(t.ID),
		}
	}

	json.NewEncoder(w).Encode(ListTablesResponse{Tables: withCounts})
}

// postChat handles POST /api/tables/{id}/chat: an authenticated HTTP path
// into table chat, used by moderation tooling. The relaxed chat class
// applies; moderators bypass the limiter entirely. Rejections surface as 429
// with Retry-After and X-RateLimit-* headers.
func (s *Server) postChat(w http.ResponseWriter, r *http.Request, tableID string) {
	principal, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, "Invalid or missing token", http.StatusUnauthorized)
		return
	}

	if _, err := s.tables.GetTable(r.Context(), tableID); err != nil {
		if errors.Is(err, interfaces.ErrTableNotFound) {
			s.sendError(w, "Table not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to get table", http.StatusInternalServerError)
		}
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	chat := &types.Chat{
		PlayerID: principal.UserID,
		Username: principal.Username,
		Message:  req.Message,
		IsSystem: principal.HasRole(types.RoleModerator),
	}
	if err := chat.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !principal.HasRole(types.RoleModerator) {
		result := s.limiter.Check(ratelimit.ClassChatRelaxed, principal.UserID+":"+tableID, time.Now())
		if !result.Accepted {
			info := &types.RateLimitInfo{
				Remaining:  result.Remaining,
				Limit:      result.Limit,
				ResetAt:    result.ResetAt.UnixMilli(),
				RetryAfter: result.RetryAfter,
			}
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(ChatResponse{
				Success:       false,
				Error:         "Rate limit exceeded",
				RateLimitInfo: info,
			})
			s.recordAudit(r.Context(), types.AuditKindRateLimited, tableID, principal.UserID, map[string]interface{}{
				"class":       ratelimit.ClassChatRelaxed,
				"retry_after": result.RetryAfter,
			})
			return
		}
	}

	env, err := types.NewEnvelope(types.MessageTypeChat, chat)
	if err != nil {
		s.sendError(w, "Failed to encode chat", http.StatusInternalServerError)
		return
	}

	for _, conn := range s.registry.GetTablePlayers(tableID) {
		if err := conn.SendEnvelope(env); err != nil {
			log.Printf("Failed to deliver chat to %s: %v", conn.GetUserID(), err)
		}
	}
	s.spectators.Broadcast(tableID, env)

	s.recordAudit(r.Context(), types.AuditKindChat, tableID, principal.UserID, map[string]interface{}{
		"message": chat.Message,
		"via":     "http",
	})

	json.NewEncoder(w).Encode(ChatResponse{Success: true})
}

// healthCheck handles GET /health.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

// authenticate resolves the bearer token on a request.
func (s *Server) authenticate(r *http.Request) (*types.Principal, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, interfaces.ErrMissingToken
	}
	return s.verifier.Verify(strings.TrimPrefix(auth, "Bearer "))
}

func (s *Server) recordAudit(ctx context.Context, kind, tableID, actor string, detail map[string]interface{}) {
	if s.store == nil {
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
	if err := s.store.RecordEvent(ctx, event); err != nil {
		log.Printf("Failed to record %s event: %v", kind, err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
