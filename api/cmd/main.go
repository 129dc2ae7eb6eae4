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

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/accounts"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/memory"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "drop-service").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool).WithLockTimeout(cfg.Claim.LockTimeout)
	health := map[string]rest.Pinger{"postgres": repo}

	// ---- Redis (optional) ----
	// Without redis the status cache is skipped, rapid-action history stays
	// in process and the IP limiter falls back to httprate.
	var cache domain.CacheRepository
	var actions domain.ActionTracker = memory.NewActionTracker(cfg.Admission.RapidActionWindow)
	if cfg.RedisAddr != "" {
		rc := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		defer rc.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}

		cache = rc
		actions = redis.NewActionTracker(rc.Client, cfg.Admission.RapidActionWindow)
		health["redis"] = rc
	}

	// ---- Account directory ----
	accts, err := accounts.NewCached(accounts.NewPostgres(dbPool), cfg.AccountCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("account cache init failed")
	}

	auditLog := audit.New(logger.Logger)

	// ---- Application service ----
	svc := service.NewDropService(service.Deps{
		Store:    repo,
		Actions:  actions,
		Accounts: accts,
		Codes:    security.NewCodeIssuer(cfg.Claim.CodePrefix, cfg.Claim.CodeLength),
		Cache:    cache,
		Audit:    auditLog,
	}, service.Options{
		Score:              cfg.Admission.Score,
		SignupLatencyMaxMs: cfg.Admission.SignupLatencyMaxMs,
		RapidActionWindow:  cfg.Admission.RapidActionWindow,
		CodeTTL:            cfg.Claim.CodeTTL,
	})

	// ---- Router ----
	claimLimiter := rest.NewUserLimiter(cfg.ClaimRatePerSec, cfg.ClaimBurst)
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:      rest.NewHandler(svc),
		Verifier:     security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer),
		Cache:        cache,
		RLEnabled:    cfg.RLEnabled,
		RLLimit:      cfg.RLLimit,
		RLWindow:     cfg.RLWindow,
		ClaimLimiter: claimLimiter,
		Health:       health,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ---- MQ consumer (inbound drop snapshots from the catalog) ----
	if cfg.ConsumerEnabled {
		consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, repo, cache)
		g.Go(func() error { return consumer.Run(ctx) })
	}

	// ---- Outbox worker (outbound drop.* events) ----
	if cfg.OutboxEnabled {
		worker := postgres.NewOutboxWorker(repo, cfg.RabbitURL, cfg.RabbitExchange, auditLog)
		g.Go(func() error { return worker.Run(ctx) })
		log.Info().Msg("outbox worker started")
	}

	g.Go(func() error { return repo.RunCleanup(ctx, time.Hour) })
	g.Go(func() error { return claimLimiter.Run(ctx) })

	// Graceful shutdown once a signal arrives or any component fails
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
