package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardroom/internal/app"
	"cardroom/internal/config"
	"cardroom/pkg/types"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	configPath := os.Getenv("CARDROOM_CONFIG_FILE")
	cfg := config.LoadConfigWithPrecedence(configPath)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := loadTokens(application); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := application.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		log.Printf("Received signal %v, shutting down gracefully", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := application.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}

		return nil
	}
}

// loadTokens seeds the token table from CARDROOM_TOKENS_FILE, a JSON map of
// token to principal. Without it the server starts with no valid tokens,
// which is correct for deployments fronted by a real token service.
func loadTokens(application *app.Application) error {
	path := os.Getenv("CARDROOM_TOKENS_FILE")
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tokens file %s: %w", path, err)
	}

	var tokens map[string]*types.Principal
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("failed to parse tokens file %s: %w", path, err)
	}

	for token, principal := range tokens {
		application.Verifier().Register(token, principal)
	}
	log.Printf("Loaded %d tokens from %s", len(tokens), path)

	return nil
}
