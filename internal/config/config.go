package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/stt-worker/internal/domain"
	"github.com/cuongbtq/stt-worker/internal/jobstore"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Table    TableConfig    `yaml:"table"`
	Storage  StorageConfig  `yaml:"storage"`
	Whisper  WhisperConfig  `yaml:"whisper"`
	Worker   WorkerConfig   `yaml:"worker"`
	Presence PresenceConfig `yaml:"presence"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
	SQLitePath      string        `yaml:"sqlite_path"`
	BusyTimeoutMS   int           `yaml:"busy_timeout_ms"`
}

// TableConfig names the job table, its columns and its status encoding
type TableConfig struct {
	jobstore.Schema    `yaml:",inline"`
	StatusCodes        domain.StatusCodes `yaml:"status_codes"`
	MaxDiagnosticBytes int                `yaml:"max_diagnostic_bytes"`
}

// StorageConfig holds S3 source artifact configuration
type StorageConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Region      string `yaml:"region"`
	Bucket      string `yaml:"bucket"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	UseSSL      bool   `yaml:"use_ssl"`
	KeyTemplate string `yaml:"key_template"`
}

// WhisperConfig holds transcription engine configuration
type WhisperConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	WhisperPath string `yaml:"whisper_path"`
	ModelPath   string `yaml:"model_path"`
	ModelSize   string `yaml:"model_size"`
	Device      string `yaml:"device"`
	ComputeType string `yaml:"compute_type"`
	BatchSize   int    `yaml:"batch_size"`
	Threads     int    `yaml:"threads"`
	Language    string `yaml:"language"`
}

// WorkerConfig holds worker loop configuration
type WorkerConfig struct {
	ID               string        `yaml:"id"`
	IdleInterval     time.Duration `yaml:"idle_interval"`
	DiagnosticFrames int           `yaml:"diagnostic_frames"`
	TempDir          string        `yaml:"temp_dir"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// PresenceConfig holds Redis worker presence configuration
type PresenceConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RabbitMQConfig holds outcome event publishing configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectAttempts: 5,
			ConnectInterval: 2 * time.Second,
		},
		Table: TableConfig{
			Schema:             jobstore.DefaultSchema(),
			StatusCodes:        domain.DefaultStatusCodes(),
			MaxDiagnosticBytes: jobstore.DefaultMaxDiagnosticBytes,
		},
		Storage: StorageConfig{
			Endpoint:    "s3.amazonaws.com",
			UseSSL:      true,
			KeyTemplate: "meets/{id}/audio.m4a",
		},
		Whisper: WhisperConfig{
			FFmpegPath:  "ffmpeg",
			WhisperPath: "whisper-cli",
			ModelPath:   "model",
			BatchSize:   1,
			Language:    "ko",
		},
		Worker: WorkerConfig{
			IdleInterval:     30 * time.Second,
			DiagnosticFrames: 5,
			ShutdownTimeout:  30 * time.Second,
		},
		Presence: PresenceConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "stt",
			TTL:       2 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Name:    "stt.events",
				Type:    "topic",
				Durable: true,
			},
			RoutingKey: "stt.job.finished",
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2.0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		App: AppConfig{
			Name:        "transcribe-worker",
			Environment: "development",
		},
	}
}

// Load reads the configuration file on top of the defaults, expanding
// ${VAR} references, and then applies environment overrides. An empty path
// means defaults and environment only.
func Load(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides settings from the variables the recording daemon has
// always been deployed with.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}

	str("DB_NAME", &c.Database.Database)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_HOST", &c.Database.Host)
	if err := num("DB_PORT", &c.Database.Port); err != nil {
		return err
	}

	str("AWS_ACCESS_KEY_ID", &c.Storage.AccessKey)
	str("AWS_SECRET_ACCESS_KEY", &c.Storage.SecretKey)
	str("AWS_REGION", &c.Storage.Region)
	str("S3_BUCKET", &c.Storage.Bucket)

	str("WHISPER_MODEL_SIZE", &c.Whisper.ModelSize)
	str("WHISPER_DEVICE", &c.Whisper.Device)
	str("WHISPER_COMPUTE_TYPE", &c.Whisper.ComputeType)
	str("WHISPER_LANGUAGE", &c.Whisper.Language)
	if err := num("WHISPER_BATCH_SIZE", &c.Whisper.BatchSize); err != nil {
		return err
	}

	delay := -1
	if err := num("JOB_LOOP_DELAY", &delay); err != nil {
		return err
	}
	if delay >= 0 {
		c.Worker.IdleInterval = time.Duration(delay) * time.Second
	}

	return nil
}

// ValidateWorker checks the settings used by the transcription worker
func (c *Config) ValidateWorker() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateTable(); err != nil {
		return err
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage endpoint is required")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	if !strings.Contains(c.Storage.KeyTemplate, "{id}") {
		return fmt.Errorf("storage key_template must contain {id}: %q", c.Storage.KeyTemplate)
	}

	if c.Whisper.ModelPath == "" {
		return fmt.Errorf("whisper model_path is required")
	}
	if c.Whisper.BatchSize < 1 {
		return fmt.Errorf("whisper batch_size must be at least 1")
	}
	if c.Whisper.Threads < 0 {
		return fmt.Errorf("whisper threads must not be negative")
	}

	if c.Worker.IdleInterval <= 0 {
		return fmt.Errorf("worker idle_interval must be greater than 0")
	}
	if c.Worker.DiagnosticFrames <= 0 {
		return fmt.Errorf("worker diagnostic_frames must be greater than 0")
	}

	if err := c.validatePresence(); err != nil {
		return err
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	return nil
}

// ValidateAPI checks the settings used by the operator API
func (c *Config) ValidateAPI() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateTable(); err != nil {
		return err
	}
	return c.validatePresence()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database sqlite_path is required")
		}
		if strings.Contains(c.Table.Table, ".") {
			return fmt.Errorf("sqlite table must not be schema-qualified: %q", c.Table.Table)
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateTable() error {
	if err := c.Table.Schema.Validate(); err != nil {
		return fmt.Errorf("invalid table config: %w", err)
	}
	if !c.Table.StatusCodes.Distinct() {
		return fmt.Errorf("table status_codes must be distinct")
	}
	if c.Table.MaxDiagnosticBytes < 0 {
		return fmt.Errorf("table max_diagnostic_bytes must not be negative")
	}
	return nil
}

func (c *Config) validatePresence() error {
	if !c.Presence.Enabled {
		return nil
	}
	if c.Presence.Addr == "" {
		return fmt.Errorf("presence addr is required")
	}
	if c.Presence.TTL < 3*time.Second {
		return fmt.Errorf("presence ttl must be at least 3s")
	}
	return nil
}
