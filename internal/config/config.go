package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. JOBS_WORKER_MAX_WORKERS
	EnvPrefix = "JOBS_"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	NATS       NATSConfig       `yaml:"nats" envPrefix:"NATS_"`
	FHIR       FHIRConfig       `yaml:"fhir" envPrefix:"FHIR_"`
	Worker     WorkerConfig     `yaml:"worker" envPrefix:"WORKER_"`
	Monitoring MonitoringConfig `yaml:"monitoring" envPrefix:"MONITORING_"`
	Cleanup    CleanupConfig    `yaml:"cleanup" envPrefix:"CLEANUP_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	App        AppConfig        `yaml:"app" envPrefix:"APP_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL               string        `yaml:"url" env:"URL"`
	MaxConnections    int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MinConnections    int           `yaml:"min_connections" env:"MIN_CONNECTIONS"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
}

// RedisConfig holds Redis configuration for the due queue
type RedisConfig struct {
	URL               string        `yaml:"url" env:"URL"`
	MaxConnections    int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
	QueueKey          string        `yaml:"queue_key" env:"QUEUE_KEY"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost" env:"VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// NATSConfig holds the notification bus configuration. An empty URL logs notifications instead.
type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// FHIRConfig holds the FHIR server used by exports and imports
type FHIRConfig struct {
	BaseURL   string        `yaml:"base_url" env:"BASE_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RateLimit float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst     int           `yaml:"burst" env:"BURST"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	MaxWorkers      int           `yaml:"max_workers" env:"MAX_WORKERS"`
	MaxRetries      uint32        `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	JobTimeout      time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// running jobs refresh heartbeat_at every HeartbeatInterval; a RUNNING row silent for
	// StaleJobTimeout is released for retry by the recovery sweep
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	StaleJobTimeout   time.Duration `yaml:"stale_job_timeout" env:"STALE_JOB_TIMEOUT"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval" env:"RECOVERY_INTERVAL"`
}

// MonitoringConfig holds the stats/health endpoint configuration
type MonitoringConfig struct {
	Enabled             *bool         `yaml:"enabled" env:"ENABLED"`
	MetricsPort         int           `yaml:"metrics_port" env:"METRICS_PORT"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// IsEnabled reports whether the monitoring endpoint should be served
func (m MonitoringConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// CleanupConfig holds the directories file cleanups sweep
type CleanupConfig struct {
	TempDir string `yaml:"temp_dir" env:"TEMP_DIR"`
	LogDir  string `yaml:"log_dir" env:"LOG_DIR"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// Load reads the YAML file (when configPath is set), applies JOBS_* environment
// overrides and fills defaults for anything still unset.
func Load(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.WriteTimeout, 15*time.Second)
	setDefault(&c.Server.IdleTimeout, 60*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Database.MaxConnections, 10)
	setDefault(&c.Database.MinConnections, 1)
	setDefault(&c.Database.ConnectionTimeout, 30*time.Second)

	setDefault(&c.Redis.MaxConnections, 10)
	setDefault(&c.Redis.ConnectionTimeout, 30*time.Second)
	setDefault(&c.Redis.QueueKey, "emr:jobs:due")

	setDefault(&c.RabbitMQ.Exchange.Type, "direct")
	setDefault(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDefault(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDefault(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDefault(&c.RabbitMQ.Consumer.PrefetchCount, 10)

	setDefault(&c.NATS.SubjectPrefix, "emr.notifications")

	setDefault(&c.FHIR.Timeout, 30*time.Second)

	setDefault(&c.Worker.MaxWorkers, 4)
	setDefault(&c.Worker.MaxRetries, 3)
	setDefault(&c.Worker.RetryDelay, 30*time.Second)
	setDefault(&c.Worker.JobTimeout, 300*time.Second)
	setDefault(&c.Worker.PollInterval, 5*time.Second)
	setDefault(&c.Worker.BatchSize, c.Worker.MaxWorkers)
	setDefault(&c.Worker.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Worker.HeartbeatInterval, 30*time.Second)
	setDefault(&c.Worker.StaleJobTimeout, 5*time.Minute)
	setDefault(&c.Worker.RecoveryInterval, time.Minute)

	setDefault(&c.Monitoring.MetricsPort, 9090)
	setDefault(&c.Monitoring.HealthCheckInterval, 30*time.Second)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "console")
	setDefault(&c.Logging.Output, "stdout")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq host is required")
	}
	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return errors.New("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Queue.Name == "" {
		return errors.New("rabbitmq queue name is required")
	}
	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return errors.New("database url is required")
	}
	if c.Worker.MaxRetries == 0 {
		return errors.New("worker max_retries must be greater than 0")
	}
	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Database.URL == "" {
		return errors.New("database url is required")
	}
	if c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("database min_connections (%d) exceeds max_connections (%d)", c.Database.MinConnections, c.Database.MaxConnections)
	}
	if c.Redis.URL == "" {
		return errors.New("redis url is required")
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.MaxWorkers <= 0 {
		return errors.New("worker max_workers must be greater than 0")
	}
	if c.Worker.BatchSize <= 0 {
		return errors.New("worker batch_size must be greater than 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return errors.New("worker job_timeout must be greater than 0")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("worker poll_interval must be greater than 0")
	}
	if c.Worker.RetryDelay < 0 {
		return errors.New("worker retry_delay must not be negative")
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.RecoveryInterval <= 0 {
		return errors.New("worker heartbeat_interval and recovery_interval must be greater than 0")
	}
	if c.Worker.StaleJobTimeout <= 2*c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_job_timeout (%s) must be more than twice heartbeat_interval (%s)",
			c.Worker.StaleJobTimeout, c.Worker.HeartbeatInterval)
	}

	if c.Monitoring.IsEnabled() {
		if err := validatePort("metrics", c.Monitoring.MetricsPort); err != nil {
			return err
		}
	}
	return nil
}
