package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Providers ProvidersConfig `yaml:"providers"`
	Assets    AssetsConfig    `yaml:"assets"`
	Publisher PublisherConfig `yaml:"publisher"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
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
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// Run events are published to the exchange under "run.<event type>";
// the queue receives job wake-ups bound with RoutingKey.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
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
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the Redis connection used by the launch throttle.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
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

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"worker_id"`
	BatchSize         int           `yaml:"batch_size"`
	Loop              bool          `yaml:"loop"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ErrorMessageLimit int           `yaml:"error_message_limit"`
	ReconcileQuota    bool          `yaml:"reconcile_quota"`
	StaleRunningAfter time.Duration `yaml:"stale_running_after"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// ProvidersConfig configures the browser providers.
type ProvidersConfig struct {
	Priority      []string            `yaml:"priority"`
	Container     ContainerConfig     `yaml:"container"`
	RemoteProfile RemoteProfileConfig `yaml:"remote_profile"`
}

// ContainerConfig configures the Docker-backed providers.
type ContainerConfig struct {
	DockerHost      string        `yaml:"docker_host"`
	PublicHost      string        `yaml:"public_host"`
	StartupAttempts int           `yaml:"startup_attempts"`
	HealthAttempts  int           `yaml:"health_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ShmSize         int64         `yaml:"shm_size"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// RemoteProfileConfig configures the antidetect cloud-browser provider.
type RemoteProfileConfig struct {
	BaseURL           string            `yaml:"base_url"`
	DefaultToken      string            `yaml:"default_token"`
	AccountTokens     map[string]string `yaml:"account_tokens"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	LaunchesPerMinute float64           `yaml:"launches_per_minute"`
	LaunchBurst       int               `yaml:"launch_burst"`
}

// AssetsConfig configures materialization.
type AssetsConfig struct {
	RootDir string   `yaml:"root_dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures object storage access.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	Bucket    string `yaml:"bucket"`
}

// PublisherConfig points at the automation runner.
type PublisherConfig struct {
	RunnerURL string        `yaml:"runner_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	w := &c.Worker
	if w.BatchSize <= 0 {
		w.BatchSize = 50
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 30 * time.Second
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 2
	}
	if w.ErrorMessageLimit <= 0 {
		w.ErrorMessageLimit = 500
	}
	if w.StaleRunningAfter <= 0 {
		w.StaleRunningAfter = 2 * time.Hour
	}
	if w.ShutdownTimeout <= 0 {
		w.ShutdownTimeout = 30 * time.Second
	}

	p := &c.Providers
	if len(p.Priority) == 0 {
		p.Priority = append([]string(nil), domain.DefaultProviderPriority...)
	}
	if p.Container.StartupAttempts <= 0 {
		p.Container.StartupAttempts = 30
	}
	if p.Container.HealthAttempts <= 0 {
		p.Container.HealthAttempts = 60
	}
	if p.Container.PollInterval <= 0 {
		p.Container.PollInterval = time.Second
	}
	if p.Container.ShmSize <= 0 {
		p.Container.ShmSize = 2 << 30
	}
	if p.Container.StopTimeout <= 0 {
		p.Container.StopTimeout = 5 * time.Second
	}
	if p.RemoteProfile.RequestTimeout <= 0 {
		p.RemoteProfile.RequestTimeout = 30 * time.Second
	}
	if p.RemoteProfile.LaunchBurst <= 0 {
		p.RemoteProfile.LaunchBurst = 1
	}

	if c.Assets.RootDir == "" {
		c.Assets.RootDir = "tmp/jobs"
	}
	if c.Publisher.Timeout <= 0 {
		c.Publisher.Timeout = 15 * time.Minute
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "job.scheduled"
	}
}

// ValidateAPIConfig checks the settings the API service needs.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker batch_size must be greater than 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}
	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d", c.Worker.MetricsPort)
	}

	known := map[string]bool{}
	for _, code := range domain.DefaultProviderPriority {
		known[code] = true
	}
	for _, code := range c.Providers.Priority {
		if !known[code] {
			return fmt.Errorf("unknown provider in priority: %q", code)
		}
	}

	if c.Assets.RootDir == "" {
		return fmt.Errorf("assets root_dir is required")
	}
	if c.Publisher.RunnerURL == "" {
		return fmt.Errorf("publisher runner_url is required")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}
	return nil
}
