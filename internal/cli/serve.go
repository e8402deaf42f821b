package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "stockledger/docs"
	"stockledger/internal/caching"
	"stockledger/internal/config"
	"stockledger/internal/events"
	"stockledger/internal/handlers"
	"stockledger/internal/jobs"
	"stockledger/internal/jobs/background"
	"stockledger/internal/middleware"
	"stockledger/internal/observability"
	"stockledger/internal/repositories"
	"stockledger/internal/services"
	"stockledger/pkg/database"

	"github.com/hibiken/asynq"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inventory API and background jobs",
		Long: `Run the HTTP API, the scheduled jobs and the event publisher.

Configuration is read from the environment (DATABASE_URL, JWT_SECRET,
REDIS_ADDR, MINIO_ENDPOINT, EVENTS_BROKER, POLICY_FILE, ...).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	pool, err := database.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	txOpts := repositories.DefaultTxOptions()
	txOpts.LockTimeout = policy.Ledger.LockTimeout
	txOpts.MaxAttempts = policy.Ledger.RetryAttempts
	store := repositories.NewPostgresStore(pool, txOpts)

	cache := caching.NewRedisCacheService(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer cache.Close()

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var (
		archiver     services.SnapshotArchiver
		archiveQueue services.ArchiveQueue
		storage      handlers.Pinger
	)
	if cfg.MinioEndpoint != "" {
		a, err := services.NewMinioArchiver(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return fmt.Errorf("connect snapshot archive: %w", err)
		}
		if err := a.EnsureBucketExists(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.MinioBucket).Msg("snapshot bucket unavailable, archiving may fail")
		}
		archiver, storage = a, a
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	if archiver != nil && cfg.ArchiveWorkers > 0 {
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		archiveQueue = jobs.NewArchiveQueue(client)
	}

	engine, err := services.NewEngine(services.Deps{
		Store:        store,
		Cache:        cache,
		Publisher:    publisher,
		Archiver:     archiver,
		ArchiveQueue: archiveQueue,
		Policy:       policy,
	})
	if err != nil {
		return err
	}

	if archiveQueue != nil {
		worker := jobs.NewArchiveServer(redisOpt, cfg.ArchiveWorkers)
		if err := worker.Start(jobs.NewArchiveMux(jobs.NewSnapshotArchiveHandler(engine.Snapshots))); err != nil {
			return fmt.Errorf("start archive worker: %w", err)
		}
		defer worker.Shutdown()
	}

	jwtCfg, stopJWKS, err := middleware.JWTConfig(cfg.JWTSecret, cfg.JWTJWKSURL)
	if err != nil {
		return err
	}
	defer stopJWKS()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORS())
	e.Use(echoMiddleware.RemoveTrailingSlash())
	e.Use(middleware.RequestLogger())

	health := handlers.NewHealthHandlers(pool, cache, storage, Version)
	handlers.RegisterRoutes(e, handlers.NewHandlers(engine, store.Products, health),
		echojwt.WithConfig(jwtCfg),
		middleware.ActorContext(),
		middleware.RateLimit(cache, cfg.RateLimitPerMinute, time.Minute),
	)

	scheduleCfg := background.DefaultConfig()
	scheduleCfg.DayEndSnapshotCron = cfg.DayEndSnapshotCron
	scheduler, err := background.NewJobScheduler(engine, jobs.NewInventoryAlertService(store.Products, publisher), publisher, scheduleCfg)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Stop(); err != nil {
			log.Warn().Err(err).Msg("scheduler shutdown failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("version", Version).Msg("stockledger server starting")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(sctx)
}

func newPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.EventsBroker {
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "rabbitmq":
		p, err := events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return p, nil
	case "log":
		return events.NewLogPublisher(), nil
	default:
		return events.NewNoopPublisher(), nil
	}
}
