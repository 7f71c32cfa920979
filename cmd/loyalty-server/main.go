// Command loyalty-server runs the loyalty ledger HTTP API together with the
// monthly rollover scheduler and the outbox relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/aimd54/loyalty-ledger/internal/api/loyalty"
	"github.com/aimd54/loyalty-ledger/internal/api/middleware"
	"github.com/aimd54/loyalty-ledger/internal/cache"
	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/internal/events"
	"github.com/aimd54/loyalty-ledger/internal/mattermost"
	"github.com/aimd54/loyalty-ledger/internal/observability"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/service/churn"
	"github.com/aimd54/loyalty-ledger/internal/service/leaderboard"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/internal/service/rewards"
	"github.com/aimd54/loyalty-ledger/internal/service/rollover"
	"github.com/aimd54/loyalty-ledger/internal/service/scheduler"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, &cfg.Tracing, cfg.Server.Environment, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	db, err := repository.NewDB(&cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	switch cfg.Database.Migrate {
	case "sql":
		if err := db.MigrateUp(log); err != nil {
			return err
		}
	case "auto":
		if err := db.AutoMigrate(); err != nil {
			return err
		}
	}

	// Redis is optional: without it the leaderboard is read from the
	// database every time and the rollover lock is process local.
	var (
		redisCache  *cache.Cache
		lbCache     leaderboard.Cache
		locker      rollover.Locker = cache.NewLocalLocker()
		cacheHealth func(context.Context) error
	)
	if cfg.Redis.Enabled() {
		redisCache, err = cache.NewCache(&cfg.Redis, log)
		if err != nil {
			return err
		}
		defer func() { _ = redisCache.Close() }()
		lbCache, locker, cacheHealth = redisCache, redisCache, redisCache.Health
	} else {
		log.Warn().Msg("Redis not configured, using in-process rollover lock")
	}

	location, err := cfg.Loyalty.GetLocation()
	if err != nil {
		return fmt.Errorf("invalid loyalty.timezone: %w", err)
	}

	profileRepo := repository.NewProfileRepository(db)
	txnRepo := repository.NewTransactionRepository(db)
	winnerRepo := repository.NewWinnerRepository(db)
	rewardRepo := repository.NewRewardRepository(db)

	var outboxRepo *repository.OutboxRepository
	if cfg.Events.Enabled {
		outboxRepo = repository.NewOutboxRepository(db)
	}

	leaderboardService := leaderboard.NewService(
		profileRepo,
		lbCache,
		time.Duration(cfg.Loyalty.LeaderboardCacheTTL)*time.Second,
		cfg.Loyalty.LeaderboardSize,
		log,
	)

	ledgerOpts := []ledger.Option{ledger.WithInvalidator(leaderboardService)}
	if outboxRepo != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithOutbox(outboxRepo))
	}
	ledgerService := ledger.NewService(db, profileRepo, txnRepo, log, ledgerOpts...)

	rolloverService := rollover.NewService(
		db,
		profileRepo,
		winnerRepo,
		outboxRepo,
		locker,
		leaderboardService,
		rollover.Config{
			WinnersCount: cfg.Loyalty.WinnersCount,
			LockTTL:      time.Duration(cfg.Loyalty.RolloverLockTTL) * time.Second,
			Location:     location,
		},
		log,
	)

	churnService := churn.NewService(profileRepo, txnRepo, cfg.Loyalty.AtRiskDays, cfg.Loyalty.NewClientDays, log)
	rewardService := rewards.NewService(rewardRepo, ledgerService, log)

	if outboxRepo != nil {
		publisher, err := events.NewPublisher(&cfg.Events, log)
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()

		relay := events.NewRelay(
			outboxRepo,
			publisher,
			time.Duration(cfg.Events.PollInterval)*time.Second,
			cfg.Events.BatchSize,
			cfg.Events.MaxRetries,
			log,
		)
		relay.Start(ctx)
		defer relay.Stop()
	}

	if cfg.Scheduler.Enabled {
		var notifier scheduler.Notifier
		if cfg.Mattermost.Enabled {
			notifier = mattermost.NewClient(&cfg.Mattermost, log)
		}
		sched := scheduler.NewService(cfg, rolloverService, churnService, notifier, log)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	router := newRouter(cfg, log, db, cacheHealth, loyalty.NewHandler(loyalty.Services{
		Ledger:      ledgerService,
		Leaderboard: leaderboardService,
		Rollover:    rolloverService,
		Churn:       churnService,
		Rewards:     rewardService,
	}, log))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("environment", cfg.Server.Environment).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

func newRouter(
	cfg *config.Config,
	log *logger.Logger,
	db *repository.DB,
	cacheHealth func(context.Context) error,
	handler *loyalty.Handler,
) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(log), middleware.Metrics())
	if cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}

	router.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok", "database": "ok"}
		code := http.StatusOK
		if err := db.Health(); err != nil {
			status["status"], status["database"] = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
		if cacheHealth != nil {
			status["redis"] = "ok"
			if err := cacheHealth(c.Request.Context()); err != nil {
				status["redis"] = err.Error()
			}
		}
		c.JSON(code, status)
	})

	if cfg.Metrics.Prometheus.Enabled {
		router.GET(cfg.Metrics.Prometheus.Path, gin.WrapH(promhttp.Handler()))
	}

	handler.RegisterRoutes(router.Group("/api/v1", middleware.JWTAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer)))

	return router
}
