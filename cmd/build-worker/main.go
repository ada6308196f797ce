package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeci/build-worker/internal/config"
	"github.com/forgeci/build-worker/internal/journal"
	"github.com/forgeci/build-worker/internal/metrics"
	"github.com/forgeci/build-worker/internal/reporter"
	"github.com/forgeci/build-worker/internal/status"
	"github.com/forgeci/build-worker/internal/vm"
	"github.com/forgeci/build-worker/internal/worker"
	"github.com/forgeci/build-worker/shared/logger"
	"github.com/forgeci/build-worker/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("BUILD_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/build-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger := initLogger(&cfg.Logging)

	workerName := cfg.Worker.Name
	hostname, _ := os.Hostname()
	if workerName == "" {
		workerName = hostname
	}

	appLogger.Info("Starting build worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker", workerName),
		slog.String("queue", cfg.Worker.Queue),
	)

	// Initialize the optional job journal database
	var db *sqlx.DB
	var jobJournal *journal.Journal
	if cfg.Database.Enabled {
		db, err = initJournalDB(&cfg.Database, appLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize journal database: %w", err)
		}
		jobJournal = journal.New(db, workerName, appLogger)
		appLogger.Info("Job journal enabled")
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// State reports and build logs share the reporting channel
	amqpReporter := reporter.NewAMQP(rabbitClient, appLogger)

	workerMetrics := metrics.New()

	provider := &vm.LocalProvider{
		WorkDir:  cfg.VM.WorkDir,
		ShellBin: cfg.VM.Shell,
		Logger:   appLogger,
	}

	// Create worker instance
	workerInstance, err := worker.New(&worker.Config{
		Name:               workerName,
		Host:               hostname,
		Queue:              cfg.Worker.Queue,
		Broker:             worker.NewAMQPBroker(rabbitClient),
		Provider:           provider,
		Reporter:           amqpReporter,
		Sinks:              amqpReporter,
		Journal:            journalOrNil(jobJournal),
		Metrics:            workerMetrics,
		Logger:             appLogger,
		DefaultHardTimeout: cfg.Worker.DefaultHardTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// Start the status HTTP server
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := status.SetupRouter(&status.Dependencies{
		Logger:  appLogger,
		Worker:  workerInstance,
		Journal: listerOrNil(jobJournal),
		Metrics: workerMetrics.Handler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		appLogger.Info("Status server listening",
			slog.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	// Start the worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerErrChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			workerErrChan <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-workerErrChan:
		appLogger.Error("Worker failed to start",
			slog.Any("error", err),
		)
	case err := <-serverErrChan:
		appLogger.Error("Status server error",
			slog.Any("error", err),
		)
	}

	cancel()

	// Let an in-flight job conclude before releasing resources
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := workerInstance.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Worker shutdown reported an error",
			slog.Any("error", err),
		)
	}

	serverCtx, serverCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer serverCancel()

	if err := server.Shutdown(serverCtx); err != nil {
		appLogger.Warn("Status server shutdown reported an error",
			slog.Any("error", err),
		)
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		if db != nil {
			db.Close()
		}
	}
	cleanup()

	appLogger.Info("Build worker shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) *slog.Logger {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initJournalDB connects to the journal's PostgreSQL database
func initJournalDB(cfg *config.DatabaseConfig, logger *slog.Logger) (*sqlx.DB, error) {
	return journal.OpenDB(&journal.DBConfig{
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
func initRabbitMQ(cfg *config.Config, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		Queue:              cfg.Worker.Queue,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
	}, logger)
}

// journalOrNil avoids handing the worker a typed-nil interface value
func journalOrNil(j *journal.Journal) worker.JobJournal {
	if j == nil {
		return nil
	}
	return j
}

// listerOrNil avoids handing the status server a typed-nil interface value
func listerOrNil(j *journal.Journal) status.AttemptLister {
	if j == nil {
		return nil
	}
	return j
}
