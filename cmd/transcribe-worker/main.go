package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/stt-worker/internal/config"
	"github.com/cuongbtq/stt-worker/internal/jobstore"
	"github.com/cuongbtq/stt-worker/internal/notify"
	"github.com/cuongbtq/stt-worker/internal/presence"
	"github.com/cuongbtq/stt-worker/internal/transcribe"
	"github.com/cuongbtq/stt-worker/internal/worker"
	"github.com/cuongbtq/stt-worker/shared/logger"
	"github.com/cuongbtq/stt-worker/shared/objectstore"
	"github.com/cuongbtq/stt-worker/shared/postgresql"
	"github.com/cuongbtq/stt-worker/shared/rabbitmq"
	"github.com/cuongbtq/stt-worker/shared/sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("TRANSCRIBE_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/transcribe-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty for defaults and environment only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = worker.NewWorkerID()
	}

	appLogger.Info("Starting transcribe worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	db, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	store, err := jobstore.New(db, jobstore.Config{
		Schema:             cfg.Table.Schema,
		Codes:              cfg.Table.StatusCodes,
		MaxDiagnosticBytes: cfg.Table.MaxDiagnosticBytes,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	if cfg.Database.Driver == config.DriverSQLite {
		if err := store.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("failed to prepare sqlite schema: %w", err)
		}
	}

	engine := transcribe.NewEngine(transcribe.Config{
		FFmpegPath:  cfg.Whisper.FFmpegPath,
		WhisperPath: cfg.Whisper.WhisperPath,
		ModelPath:   cfg.Whisper.ModelPath,
		ModelSize:   cfg.Whisper.ModelSize,
		Device:      cfg.Whisper.Device,
		ComputeType: cfg.Whisper.ComputeType,
		BatchSize:   cfg.Whisper.BatchSize,
		Threads:     cfg.Whisper.Threads,
		Language:    cfg.Whisper.Language,
	}, appLogger.Logger)
	if err := engine.Load(); err != nil {
		return fmt.Errorf("failed to load transcription model: %w", err)
	}

	fetcher, err := objectstore.NewFetcher(&objectstore.Config{
		Endpoint:    cfg.Storage.Endpoint,
		Region:      cfg.Storage.Region,
		Bucket:      cfg.Storage.Bucket,
		AccessKey:   cfg.Storage.AccessKey,
		SecretKey:   cfg.Storage.SecretKey,
		UseSSL:      cfg.Storage.UseSSL,
		KeyTemplate: cfg.Storage.KeyTemplate,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerCfg := &worker.Config{
		Logger:           appLogger.Logger,
		Store:            store,
		Fetcher:          fetcher,
		Transcriber:      engine,
		WorkerID:         workerID,
		IdleInterval:     cfg.Worker.IdleInterval,
		DiagnosticFrames: cfg.Worker.DiagnosticFrames,
		TempDir:          cfg.Worker.TempDir,
	}

	if cfg.Presence.Enabled {
		redisClient, err := presence.Connect(ctx, presence.Config{
			Addr:     cfg.Presence.Addr,
			Password: cfg.Presence.Password,
			DB:       cfg.Presence.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize presence: %w", err)
		}
		defer redisClient.Close()

		workerCfg.Presence = presence.NewTracker(redisClient, presence.Config{
			KeyPrefix: cfg.Presence.KeyPrefix,
			TTL:       cfg.Presence.TTL,
		}, appLogger.Logger)
		appLogger.Info("Worker presence enabled", slog.String("addr", cfg.Presence.Addr))
	}

	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		workerCfg.Notifier = notify.New(rabbitClient, workerID, appLogger.Logger)
	}

	workerInstance := worker.NewWorker(workerCfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
		return nil
	}

	// a claimed job keeps running to its commit
	cancel()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("worker stopped: %w", err)
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
	}

	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
}

// initDatabase opens the job store database for the configured driver
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*sqlx.DB, error) {
	if cfg.Driver == config.DriverSQLite {
		return sqlite.Open(&sqlite.Config{
			Path:          cfg.SQLitePath,
			BusyTimeoutMS: cfg.BusyTimeoutMS,
		}, logger)
	}

	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: "transcribe-worker",
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectInterval: cfg.ConnectInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	return client.GetDB(), nil
}

// initRabbitMQ initializes the outcome event publisher
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
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}
