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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cuongbtq/emr-jobs/internal/api/router"
	"github.com/cuongbtq/emr-jobs/internal/config"
	"github.com/cuongbtq/emr-jobs/internal/fhir"
	"github.com/cuongbtq/emr-jobs/internal/monitor"
	"github.com/cuongbtq/emr-jobs/internal/notify"
	"github.com/cuongbtq/emr-jobs/internal/queue"
	"github.com/cuongbtq/emr-jobs/internal/worker"
	"github.com/cuongbtq/emr-jobs/internal/worker/handler"
	"github.com/cuongbtq/emr-jobs/internal/worker/storage"
	"github.com/cuongbtq/emr-jobs/shared/logger"
	"github.com/cuongbtq/emr-jobs/shared/natsbus"
	"github.com/cuongbtq/emr-jobs/shared/postgresql"
	"github.com/cuongbtq/emr-jobs/shared/rabbitmq"
	"github.com/cuongbtq/emr-jobs/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	redisClient, err := redis.NewClient(redis.Config{
		URL:               cfg.Redis.URL,
		MaxConnections:    cfg.Redis.MaxConnections,
		ConnectionTimeout: cfg.Redis.ConnectionTimeout,
	}, appLogger.Component("redis"))
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redisClient.Close()

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	notifier, closeNotifier, err := initNotifier(&cfg.NATS, cfg.App.Name, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	defer closeNotifier()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Component("storage"))

	registry, err := initHandlers(cfg, store, notifier, appLogger)
	if err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	jobMonitor := monitor.New()

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Component("worker"),
		Store:        store,
		Queue:        queue.NewRedisQueue(redisClient.Redis(), cfg.Redis.QueueKey),
		Handlers:     registry,
		Monitor:      jobMonitor,
		Intake:       rabbitClient,
		ConsumerTag:  cfg.RabbitMQ.Consumer.Tag,
		Prefetch:     cfg.RabbitMQ.Consumer.PrefetchCount,
		MaxWorkers:   cfg.Worker.MaxWorkers,
		BatchSize:    cfg.Worker.BatchSize,
		JobTimeout:   cfg.Worker.JobTimeout,
		RetryDelay:   cfg.Worker.RetryDelay,
		PollInterval: cfg.Worker.PollInterval,

		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleJobTimeout:   cfg.Worker.StaleJobTimeout,
		RecoveryInterval:  cfg.Worker.RecoveryInterval,
	})

	var monitoringServer *http.Server
	if cfg.Monitoring.IsEnabled() {
		monitoringServer = startMonitoringServer(cfg, workerInstance, jobMonitor, appLogger.Component("monitoring"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	go logHealth(ctx, workerInstance, cfg.Monitoring.HealthCheckInterval, appLogger.Component("health"))

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error", slog.Any("error", runErr))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if monitoringServer != nil {
		if err := monitoringServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Monitoring server forced to shutdown", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initHandlers registers one handler per job kind. Export and import need a default
// FHIR server and stay unregistered without one.
func initHandlers(cfg *config.Config, store *storage.Storage, notifier notify.Notifier, appLogger *logger.Logger) (*handler.Registry, error) {
	pool := fhir.NewPool(fhir.Config{
		Timeout:   cfg.FHIR.Timeout,
		RateLimit: cfg.FHIR.RateLimit,
		Burst:     cfg.FHIR.Burst,
	}, appLogger.Component("fhir"))

	clients := func(baseURL string) (handler.FHIRClient, error) {
		c, err := pool.Get(baseURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	handlerLogger := appLogger.Component("handler")
	handlers := []handler.Handler{
		handler.NewFhirSyncHandler(clients, handlerLogger),
		handler.NewDataValidationHandler(handlerLogger),
		handler.NewAuditReportHandler(store, handlerLogger),
		handler.NewNotificationHandler(notifier, handlerLogger),
		handler.NewDataCleanupHandler(store, handler.CleanupDirs{
			TempDir: cfg.Cleanup.TempDir,
			LogDir:  cfg.Cleanup.LogDir,
		}, handlerLogger),
		handler.NewAnalyticsHandler(store, handlerLogger),
	}

	if cfg.FHIR.BaseURL != "" {
		client, err := pool.Get(cfg.FHIR.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid fhir base url: %w", err)
		}
		handlers = append(handlers,
			handler.NewDataExportHandler(client, handlerLogger),
			handler.NewDataImportHandler(client, handlerLogger),
		)
	}

	registry := handler.NewRegistry()
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}

	if missing := registry.Missing(); len(missing) > 0 {
		kinds := make([]string, len(missing))
		for i, k := range missing {
			kinds[i] = k.String()
		}
		appLogger.Warn("Job kinds without a handler will fail", slog.Any("kinds", kinds))
	}
	return registry, nil
}

// initNotifier publishes notifications on NATS, or logs them when no server is configured
func initNotifier(cfg *config.NATSConfig, name string, appLogger *logger.Logger) (notify.Notifier, func(), error) {
	if cfg.URL == "" {
		appLogger.Warn("NATS url not set, notifications will only be logged")
		return notify.NewLogNotifier(appLogger.Component("notify")), func() {}, nil
	}

	bus, err := natsbus.Connect(natsbus.Config{URL: cfg.URL, Name: name}, appLogger.Component("nats"))
	if err != nil {
		return nil, nil, err
	}
	return notify.NewNATSNotifier(bus, cfg.SubjectPrefix, appLogger.Component("notify")), bus.Close, nil
}

func startMonitoringServer(cfg *config.Config, w *worker.Worker, m *monitor.Monitor, logger *slog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		monitor.NewCollector(m, "emr_jobs"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
		Handler:           router.SetupMonitoringRouter(w, registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting monitoring server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Monitoring server failed", slog.Any("error", err))
		}
	}()
	return srv
}

// logHealth periodically logs the worker health snapshot
func logHealth(ctx context.Context, w *worker.Worker, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := w.Health()
			logger.Info("Worker health",
				slog.String("status", string(health.Status)),
				slog.Uint64("uptime_seconds", health.UptimeSeconds),
				slog.Uint64("jobs_processed", health.JobsProcessed),
				slog.Float64("success_rate", health.SuccessRate),
				slog.Float64("average_duration_ms", health.AverageDurationMs),
			)
		}
	}
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
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		URL:               cfg.URL,
		MaxConnections:    cfg.MaxConnections,
		MinConnections:    cfg.MinConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
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
	}, logger)
}
