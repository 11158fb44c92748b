package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"cardroom/internal/api"
	"cardroom/internal/auth"
	"cardroom/internal/config"
	"cardroom/internal/database"
	"cardroom/internal/engine"
	"cardroom/internal/hub"
	"cardroom/internal/ratelimit"
	"cardroom/internal/router"
	"cardroom/internal/spectator"
	"cardroom/internal/table"
	"cardroom/internal/websocket"
	pkgdatabase "cardroom/pkg/database"
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	store      *database.Store
	tables     *table.Manager
	registry   *websocket.Registry
	spectators *spectator.Manager
	limiter    *ratelimit.Limiter
	verifier   *auth.StaticVerifier
	gameEngine *engine.Engine
	msgRouter  *router.Router
	msgHub     *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	sweepStop chan struct{}
}

// NewApplication builds every component in dependency order:
// Store -> Tables -> Registry/Spectators/Limiter -> Engine -> Router -> Hub
// -> API -> WebSocket handler -> HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	store, err := database.NewStore(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	migrationManager := pkgdatabase.NewMigrationManager(store.GetDB())
	if err := migrationManager.ApplyMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Println("Database migrations applied successfully")

	tables := table.NewManager(store)
	if err := tables.LoadActiveTables(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load active tables: %w", err)
	}

	registry := websocket.NewRegistry()
	spectators := spectator.NewManager(cfg.Spectator.Capacity, cfg.Spectator.FlushDelay)

	limiter := ratelimit.New(map[string]ratelimit.Class{
		ratelimit.ClassAction:      {Window: cfg.RateLimit.ActionWindow, Limit: cfg.RateLimit.ActionLimit},
		ratelimit.ClassChat:        {Window: cfg.RateLimit.ChatWindow, Limit: cfg.RateLimit.ChatLimit},
		ratelimit.ClassChatRelaxed: {Window: cfg.RateLimit.ChatWindow, Limit: cfg.RateLimit.ChatLimit * 3},
	})

	verifier := auth.NewStaticVerifier()
	gameEngine := engine.New()

	msgRouter := router.NewRouter(registry, spectators, gameEngine, store, limiter)
	msgHub := hub.NewHub(registry, msgRouter)

	apiServer := api.NewServer(tables, store, registry, spectators, limiter, verifier)
	wsHandler := websocket.NewHandler(msgHub, tables, spectators, gameEngine, verifier, nil)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		tables:     tables,
		registry:   registry,
		spectators: spectators,
		limiter:    limiter,
		verifier:   verifier,
		gameEngine: gameEngine,
		msgRouter:  msgRouter,
		msgHub:     msgHub,
		apiServer:  apiServer,
		httpServer: httpServer,
		sweepStop:  make(chan struct{}),
	}, nil
}

// Start begins application execution: hub first so routing is live, then
// the HTTP listener, then the limiter sweep ticker.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting cardroom application on %s", app.httpServer.Addr)

	if err := app.msgHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go app.sweepLoop()

	select {
	case err := <-serverErrCh:
		app.msgHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("Cardroom application started successfully")
		return nil
	case <-ctx.Done():
		app.msgHub.Stop()
		return ctx.Err()
	}
}

// sweepLoop periodically evicts idle rate-limit keys so departed users do
// not accumulate state.
func (app *Application) sweepLoop() {
	ticker := time.NewTicker(app.config.RateLimit.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := app.limiter.Sweep(time.Now(), app.config.RateLimit.SweepIdle)
			if removed > 0 {
				log.Printf("Rate limiter sweep removed %d idle keys", removed)
			}
		case <-app.sweepStop:
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP, hub, spectators,
// store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down cardroom application")

	close(app.sweepStop)

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := app.msgHub.Stop(); err != nil {
		log.Printf("Message hub shutdown error: %v", err)
	}

	app.spectators.Close()

	if err := app.store.Close(); err != nil {
		log.Printf("Event store shutdown error: %v", err)
	}

	log.Printf("Cardroom application shutdown complete")
	return nil
}

// GetAddr returns the server address for external connections.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

// Verifier exposes the token registry for operational tooling.
func (app *Application) Verifier() *auth.StaticVerifier {
	return app.verifier
}
