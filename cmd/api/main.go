package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"charterdesk/api/db"
	"charterdesk/api/internal/app"
	"charterdesk/api/internal/config"
	"charterdesk/api/internal/engine"
	"charterdesk/api/internal/gitrepo"
	"charterdesk/api/internal/preview"
	"charterdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	schema, err := engine.LoadSchema(cfg.SchemaPath)
	if err != nil {
		log.Fatalf("field schema: %v", err)
	}
	transport, err := engine.NewTransport(cfg)
	if err != nil {
		log.Fatalf("agent transport: %v", err)
	}

	deps := app.Deps{
		Git:       gitrepo.New(cfg.ReposDir),
		Transport: transport,
		Schema:    schema,
		Logger:    logger,
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		conn, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer conn.Close()
		if err := store.ApplyMigrations(ctx, conn, db.Migrations, db.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		deps.Store = store.NewPostgresStore(conn)
	} else {
		log.Printf("DATABASE_URL not set, finalized charters are kept in git history only")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := preview.NewRedisStore(cfg.RedisURL, cfg.PreviewTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Preview = redisStore
		log.Printf("Publishing draft previews to redis")
	}

	service, err := app.New(cfg, deps)
	if err != nil {
		log.Fatalf("service setup failed: %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := app.NewServer(cfg.Addr, httpServer.Handler())

	go func() {
		log.Printf("Charterdesk API listening on %s (agent mode %s, policy %s)", cfg.Addr, cfg.AgentMode, cfg.InputPolicy)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	service.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
