package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/recordsync/recordsync/internal/audit"
	"github.com/recordsync/recordsync/internal/auth"
	"github.com/recordsync/recordsync/internal/broker"
	"github.com/recordsync/recordsync/internal/config"
	"github.com/recordsync/recordsync/internal/connections"
	"github.com/recordsync/recordsync/internal/database"
	"github.com/recordsync/recordsync/internal/locks"
	"github.com/recordsync/recordsync/internal/logging"
	"github.com/recordsync/recordsync/internal/repositories"
	"github.com/recordsync/recordsync/internal/resilience"
	"github.com/recordsync/recordsync/internal/services"
	"golang.org/x/sync/errgroup"
)

const auditSweepInterval = time.Hour

func main() {
	godotenv.Load()

	logger := logging.New(logging.FromEnv())

	if err := run(logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	recordRepo := repositories.NewPostgresRecordRepository(postgresPool)
	auditRepo := repositories.NewPostgresAuditRepository(postgresPool)

	lockManager := locks.NewManager(recordRepo, cfg.LockTimeout, logger)
	trail := audit.NewTrailManager(auditRepo, logger)
	eventBroker := broker.NewRedisBroker(redisClient)
	presence := connections.NewRedisPresenceStore(redisClient)
	connManager := connections.NewManager(presence, logger)

	circuitBreaker := resilience.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout)
	recovery := resilience.NewErrorRecoveryManager(cfg.SnapshotCapacity)
	degradation := resilience.NewDegradationManager(resilience.DegradationConfig{
		LatencyThresholdMS: cfg.DegradationLatencyThresholdMS,
		ErrorRateThreshold: cfg.DegradationErrorRateThreshold,
		MinSamples:         cfg.DegradationMinSamples,
		WindowSize:         cfg.DegradationWindowSize,
	}, logger)

	syncService := services.NewSyncService(recordRepo, lockManager, eventBroker, connManager,
		trail, circuitBreaker, recovery, degradation, services.Config{
			MaxPayloadBytes:   cfg.MaxPayloadBytes,
			PublishMaxRetries: cfg.PublishMaxRetries,
			SweepInterval:     cfg.SweepInterval,
		}, logger)
	syncService.Start(ctx)
	defer syncService.Stop()

	srv := &server{
		sync:      syncService,
		trail:     trail,
		tokens:    auth.NewSessionTokenService(cfg.JWTSecret, cfg.JWTExpiry),
		auditRepo: auditRepo,
		retention: cfg.AuditRetention,
		logger:    logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	srv.routes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Retention sweep keeps the audit table from growing without bound.
	group.Go(func() error {
		ticker := time.NewTicker(auditSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-cfg.AuditRetention)
				result, err := auditRepo.CleanupOldEvents(groupCtx, cutoff, false)
				if err != nil {
					logger.Error("audit retention sweep failed", "error", err)
					continue
				}
				if result.EventsDeleted > 0 {
					logger.Info("audit retention sweep", "deleted", result.EventsDeleted)
				}
			}
		}
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}
