package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/publishing-worker/internal/allocator"
	"github.com/cuongbtq/publishing-worker/internal/config"
	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/events"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
	"github.com/cuongbtq/publishing-worker/internal/orchestrator"
	"github.com/cuongbtq/publishing-worker/internal/publisher"
	"github.com/cuongbtq/publishing-worker/internal/quota"
	"github.com/cuongbtq/publishing-worker/internal/storage"
	"github.com/cuongbtq/publishing-worker/internal/worker"
	"github.com/cuongbtq/publishing-worker/shared/logger"
	"github.com/cuongbtq/publishing-worker/shared/postgresql"
	"github.com/cuongbtq/publishing-worker/shared/rabbitmq"
)

// main exits non-zero only on infrastructure errors; failed posts are
// recorded on the posts themselves.
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	loop := flag.Bool("loop", false, "Keep running cycles instead of exiting after one")
	runID := flag.Int64("run-id", 0, "Execute a single post by id and exit")
	limit := flag.Int("limit", 0, "Maximum posts per cycle (overrides worker.batch_size)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *loop {
		cfg.Worker.Loop = true
	}
	if *limit > 0 {
		cfg.Worker.BatchSize = *limit
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = defaultWorkerID()
	}
	appLogger = appLogger.WithAttrs(slog.String("worker_id", workerID))
	baseLogger := appLogger.Logger

	baseLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("loop", cfg.Worker.Loop),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, baseLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(ctx, dbClient.GetDB(), baseLogger); err != nil {
			return err
		}
	}

	store := storage.NewStorage(dbClient.GetDB(), baseLogger)

	var (
		broker       events.Broker
		rabbitClient *rabbitmq.Client
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(ctx, &cfg.RabbitMQ, baseLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		broker = rabbitClient
	}
	recorder := events.NewRecorder(store, broker, workerID, appLogger.Component("events"))

	providers, closeProviders, err := buildProviders(cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeProviders()

	materializer, err := buildMaterializer(ctx, cfg, store, appLogger.Component("asset"))
	if err != nil {
		return err
	}

	orch := orchestrator.New(
		orchestrator.Config{
			MaxAttempts:       cfg.Worker.MaxAttempts,
			ErrorMessageLimit: cfg.Worker.ErrorMessageLimit,
			StaleRunningAfter: cfg.Worker.StaleRunningAfter,
		},
		store,
		quota.NewLedger(store, appLogger.Component("quota")),
		allocator.New(providers, cfg.Providers.Priority, store, recorder, appLogger.Component("allocator")),
		materializer,
		publisher.NewRunnerRegistry(cfg.Publisher.RunnerURL, cfg.Publisher.Timeout, appLogger.Component("publisher"),
			domain.PlatformYouTube, domain.PlatformTikTok, domain.PlatformInstagram),
		recorder,
		appLogger.Component("orchestrator"),
	)

	if cfg.Worker.MetricsPort > 0 {
		srv := startMetricsServer(cfg.Worker.MetricsPort, baseLogger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if *runID > 0 {
		outcome, err := orch.RunOne(ctx, *runID)
		if err != nil {
			return fmt.Errorf("failed to run post %d: %w", *runID, err)
		}
		baseLogger.Info("Post executed", slog.Int64("post_id", *runID), slog.String("outcome", string(outcome)))
		return nil
	}

	workerCfg := &worker.Config{
		Logger:         appLogger.Component("worker"),
		Processor:      orch,
		WorkerID:       workerID,
		BatchSize:      cfg.Worker.BatchSize,
		PollInterval:   cfg.Worker.PollInterval,
		ReconcileQuota: cfg.Worker.ReconcileQuota,
	}
	if rabbitClient != nil && cfg.RabbitMQ.Queue.Name != "" {
		workerCfg.Consumer = rabbitClient
	}
	w := worker.NewWorker(workerCfg)

	if !cfg.Worker.Loop {
		if _, err := w.RunOnce(ctx); err != nil {
			return err
		}
		baseLogger.Info("Worker service shutdown complete")
		return nil
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
	case <-ctx.Done():
		baseLogger.Info("Received signal, shutting down gracefully")
		select {
		case <-errChan:
			baseLogger.Info("Worker stopped gracefully")
		case <-time.After(cfg.Worker.ShutdownTimeout):
			baseLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		}
	}

	baseLogger.Info("Worker service shutdown complete")
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func startMetricsServer(port int, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", slog.Any("error", err))
		}
	}()
	log.Info("Metrics server listening", slog.Int("port", port))
	return srv
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}, logger)
}
