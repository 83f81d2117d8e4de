package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eventgate/internal/api"
	"eventgate/internal/api/middleware"
	"eventgate/internal/application/factories/infrastructure"
	"eventgate/internal/auth"
	"eventgate/internal/breaker"
	"eventgate/internal/config"
	"eventgate/internal/domain/event"
	"eventgate/internal/idempotency"
	"eventgate/internal/infrastructure/postgres"
	"eventgate/internal/replay"
	"eventgate/internal/sequencer"
	"eventgate/internal/usecase"
	"eventgate/internal/writer"
)

func main() {
	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	// Idempotency store and replay guard share the Redis backend; the
	// in-memory variants exist for single-node deployments.
	var (
		store idempotency.Store
		guard replay.Guard
	)
	switch cfg.Ingest.StoreBackend {
	case "memory":
		store = idempotency.NewMemoryStore(cfg.Ingest.WaitTimeout, time.Minute)
		guard = replay.NewMemoryGuard(time.Minute)
	default:
		redisClient, err := infraFactory.Redis(ctx)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		store = idempotency.NewRedisStore(redisClient, cfg.Ingest.WaitTimeout)
		guard = replay.NewRedisGuard(redisClient)
	}

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenInterval:     cfg.Breaker.OpenInterval,
		ProbeCount:       cfg.Breaker.ProbeCount,
	})

	batcher := writer.New(writer.Config{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
		FlushRetries:  cfg.Writer.FlushRetries,
		RetryBackoff:  cfg.Writer.RetryBackoff,
		QueueCapacity: cfg.Writer.QueueCapacity,
	}, postgres.NewLedgerRepository(pgPool), infraFactory.DeadLetterPublisher(), brk, logger)

	// The writer outlives the signal context: it must keep accepting until
	// the last in-flight handler has finished, so it is cancelled only after
	// the server shutdown below.
	writerCtx, writerCancel := context.WithCancel(context.Background())
	defer writerCancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := batcher.Run(writerCtx); err != nil {
			logger.Error("writer stopped", "error", err)
		}
	}()

	seq := sequencer.New(sequencer.Config{
		GapWait:        cfg.Sequencer.GapWait,
		Policy:         sequencer.Policy(cfg.Sequencer.GapPolicy),
		BufferCapacity: cfg.Sequencer.BufferCapacity,
	})

	policy := event.NewTypePolicy(cfg.Ingest.OrderedTypes)
	ingestUC := usecase.NewIngestEvent(store, seq, batcher, policy, cfg.Ingest.IdempotencyTTL)

	authCfg := middleware.AuthConfig{
		Guard:        guard,
		ReplayWindow: cfg.Auth.ReplayWindow,
		MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
	}
	switch {
	case cfg.Auth.HMACSecretFile != "":
		provider := auth.NewCachingSecretProvider(func(context.Context) (string, error) {
			raw, err := os.ReadFile(cfg.Auth.HMACSecretFile)
			if err != nil {
				return "", fmt.Errorf("read hmac secret: %w", err)
			}
			return strings.TrimSpace(string(raw)), nil
		}, cfg.Auth.SecretCacheTTL)
		authCfg.HMAC = auth.NewHMACVerifier(provider, cfg.Auth.ReplayWindow, cfg.Auth.ClockSkew)
	case cfg.Auth.HMACSecret != "":
		authCfg.HMAC = auth.NewHMACVerifier(auth.StaticSecret(cfg.Auth.HMACSecret), cfg.Auth.ReplayWindow, cfg.Auth.ClockSkew)
	}
	if cfg.Auth.JWKSURL != "" {
		authCfg.Bearer = auth.NewBearerVerifier(auth.BearerConfig{
			JWKSURL:   cfg.Auth.JWKSURL,
			Issuer:    cfg.Auth.JWTIssuer,
			Audience:  cfg.Auth.JWTAudience,
			ClockSkew: cfg.Auth.ClockSkew,
		})
	}

	handlers := api.NewHandlers(ingestUC, brk)
	apiHandler := api.NewRouter(handlers, authCfg)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: apiHandler,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// No handler can enqueue anymore; stop the writer and let it drain.
	writerCancel()
	select {
	case <-writerDone:
	case <-time.After(10 * time.Second):
		logger.Error("writer drain timed out")
	}

	logger.Info("Server exiting")
}
