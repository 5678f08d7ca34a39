// Package main is the entry point for the messaging API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/eventmarket/messaging/internal/auth"
	"github.com/eventmarket/messaging/internal/config"
	"github.com/eventmarket/messaging/internal/handler"
	natsclient "github.com/eventmarket/messaging/internal/nats"
	"github.com/eventmarket/messaging/internal/realtime"
	"github.com/eventmarket/messaging/internal/service"
	"github.com/eventmarket/messaging/internal/store"
	"github.com/eventmarket/messaging/internal/store/postgres"
	"github.com/eventmarket/messaging/internal/store/sqlite"
	"github.com/eventmarket/messaging/internal/typing"
	"github.com/eventmarket/messaging/internal/upload"
	"github.com/eventmarket/messaging/pkg/logger"
	"github.com/eventmarket/messaging/pkg/tracing"
)

func main() {
	envFile := pflag.String("env-file", ".env", "file of KEY=VALUE pairs loaded before reading the environment")
	migrate := pflag.Bool("migrate", true, "apply the database schema at startup")
	pflag.Parse()

	// Load configuration
	if err := config.LoadEnvFile(*envFile, pflag.CommandLine.Changed("env-file")); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, *migrate, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrate bool, log *logger.Logger) error {
	log.Info("starting messaging server", zap.String("store", cfg.StoreDriver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	db, err := openStore(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	defer db.Close()

	hub := realtime.NewHub()
	svcCfg := service.Config{
		Store:  db,
		Fanout: hub,
		Online: hub,
		Logger: log,
	}

	// Connect to NATS when configured; a single instance runs without it.
	var natsClient *natsclient.Client
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     "messaging",
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer natsClient.Close()

		bus := natsclient.NewBus(natsClient, hub, log)
		if err := bus.Start(); err != nil {
			return fmt.Errorf("starting fan-out bus: %w", err)
		}
		defer bus.Stop()
		svcCfg.Fanout = bus

		presence, err := natsclient.EnsurePresenceStore(ctx, natsClient)
		if err != nil {
			return fmt.Errorf("opening presence bucket: %w", err)
		}
		go presence.Run(ctx, 0)
		svcCfg.Presence = presence
	}

	// Typing signals live in Redis when configured, else in process memory.
	if cfg.RedisURL != "" {
		redisTyping, err := typing.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisTyping.Close()
		svcCfg.Typing = redisTyping
	} else {
		memTyping := typing.NewMemoryStore(time.Now)
		go memTyping.Run(ctx, cfg.TypingSweepInterval)
		svcCfg.Typing = memTyping
	}

	uploads, err := upload.NewLocalStore(cfg.UploadDir, cfg.UploadBaseURL, cfg.UploadMaxBytes)
	if err != nil {
		return err
	}

	svc := service.New(svcCfg)

	router := handler.NewRouter(handler.RouterConfig{
		Service:           svc,
		Hub:               hub,
		Verifier:          auth.NewVerifier(cfg.JWTSecret),
		Store:             db,
		NATS:              natsClient,
		Logger:            log,
		Uploads:           uploads,
		UploadDir:         uploads.Dir(),
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		MaxBodyBytes:      cfg.UploadMaxBytes*10 + 1<<20,
		WSAuthTimeout:     cfg.WSAuthTimeout,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	// Hijacked websocket connections are not covered by Shutdown.
	hub.Close()

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		// The SQLite store applies its schema on open.
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath})
	default:
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	}
}
