package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marginalia/api/internal/app"
	"marginalia/api/internal/config"
	"marginalia/api/internal/presence"
	"marginalia/api/internal/realtime"
	"marginalia/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var registry presence.Registry
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the presence roster")
		redisRegistry, err := presence.NewRedisRegistry(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisRegistry.Close()
		registry = redisRegistry
	} else {
		log.Printf("Using in-memory presence roster")
		registry = presence.NewMemoryRegistry(cfg.PresenceTTL)
	}

	snapshot := func(ctx context.Context, documentID string) ([]store.Annotation, error) {
		return dataStore.ListAnnotations(ctx, documentID, nil)
	}
	hub := realtime.NewHub(snapshot, cfg.SessionQueueDepth, cfg.HeartbeatTimeout)
	go hub.Run(ctx, cfg.HeartbeatInterval)

	service := app.New(cfg, dataStore, hub, registry)
	httpServer := app.NewHTTPServer(service, hub, cfg)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Marginalia API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
