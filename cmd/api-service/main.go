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

	"github.com/cuongbtq/stt-worker/internal/api/handler"
	"github.com/cuongbtq/stt-worker/internal/api/router"
	"github.com/cuongbtq/stt-worker/internal/config"
	"github.com/cuongbtq/stt-worker/internal/jobstore"
	"github.com/cuongbtq/stt-worker/internal/presence"
	"github.com/cuongbtq/stt-worker/shared/logger"
	"github.com/cuongbtq/stt-worker/shared/postgresql"
	"github.com/cuongbtq/stt-worker/shared/sqlite"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	db, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := jobstore.New(db, jobstore.Config{
		Schema:             cfg.Table.Schema,
		Codes:              cfg.Table.StatusCodes,
		MaxDiagnosticBytes: cfg.Table.MaxDiagnosticBytes,
	}, appLogger.Logger)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	if cfg.Database.Driver == config.DriverSQLite {
		if err := store.EnsureSchema(context.Background()); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to prepare sqlite schema: %w", err)
		}
	}

	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		Store:       store,
		ServiceName: cfg.App.Name,
	}

	var tracker *presence.Tracker
	if cfg.Presence.Enabled {
		redisClient, err := presence.Connect(context.Background(), presence.Config{
			Addr:     cfg.Presence.Addr,
			Password: cfg.Presence.Password,
			DB:       cfg.Presence.DB,
		})
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to initialize presence: %w", err)
		}
		defer redisClient.Close()

		tracker = presence.NewTracker(redisClient, presence.Config{
			KeyPrefix: cfg.Presence.KeyPrefix,
			TTL:       cfg.Presence.TTL,
		}, appLogger.Logger)
		deps.Presence = tracker
	}

	r := initRouter(cfg.App.Environment, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Bool("presence", tracker != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		_ = db.Close()
		return fmt.Errorf("server failed: %w", err)
	}

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer func() {
		cancel()
		_ = db.Close()
	}()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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
		ApplicationName: "stt-api-service",
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
