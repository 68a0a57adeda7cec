package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	IOQueue  IOQueueConfig  `yaml:"ioqueue"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Guard    GuardConfig    `yaml:"guard"`
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
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// Mailbox is the best-effort ephemeral task queue; BridgeQueue carries
// cross-process call dispatches and is declared durable.
type RabbitMQConfig struct {
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port"`
	User             string           `yaml:"user"`
	Password         string           `yaml:"password"`
	VHost            string           `yaml:"vhost"`
	Exchange         ExchangeConfig   `yaml:"exchange"`
	Mailbox          QueueConfig      `yaml:"mailbox"`
	MailboxKey       string           `yaml:"mailbox_routing_key"`
	BridgeQueue      QueueConfig      `yaml:"bridge_queue"`
	BridgeRoutingKey string           `yaml:"bridge_routing_key"`
	Connection       ConnectionConfig `yaml:"connection"`
	Publish          PublishConfig    `yaml:"publish"`
	Consumer         ConsumerConfig   `yaml:"consumer"`
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
	Persistent bool   `yaml:"persistent"`
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
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// IOQueueConfig holds scheduler/runner configuration
type IOQueueConfig struct {
	WorkerID          string        `yaml:"worker_id"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	QueueSize         int           `yaml:"queue_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// BridgeConfig holds awaitable cross-process call configuration
type BridgeConfig struct {
	ResultStream          string        `yaml:"result_stream"`
	ResultGroup           string        `yaml:"result_group"`
	RoutePrefix           string        `yaml:"route_prefix"`
	ResultPrefix          string        `yaml:"result_prefix"`
	CallbackURL           string        `yaml:"callback_url"`
	DefaultTimeout        time.Duration `yaml:"default_timeout"`
	Grace                 time.Duration `yaml:"grace"`
	FutureMaxAge          time.Duration `yaml:"future_max_age"`
	FutureCleanupInterval time.Duration `yaml:"future_cleanup_interval"`
	ReadBlock             time.Duration `yaml:"read_block"`
	ReadCount             int64         `yaml:"read_count"`
}

// RealtimeConfig holds WebSocket pub/sub configuration
type RealtimeConfig struct {
	WSSecret         string        `yaml:"ws_secret"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	GroupPrefix      string        `yaml:"group_prefix"`
	Topic            string        `yaml:"topic"`
	ReplayPrefix     string        `yaml:"replay_prefix"`
	ReplayMax        int64         `yaml:"replay_max"`
	MaxSubscriptions int           `yaml:"max_subscriptions"`
}

// GuardConfig holds admission guard configuration
type GuardConfig struct {
	DefaultLimit int           `yaml:"default_limit"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in values the file may omit
func (c *Config) applyDefaults() {
	if c.IOQueue.MaxConcurrency <= 0 {
		c.IOQueue.MaxConcurrency = 64
	}
	if c.IOQueue.QueueSize <= 0 {
		c.IOQueue.QueueSize = c.IOQueue.MaxConcurrency * 4
	}
	if c.IOQueue.PollInterval <= 0 {
		c.IOQueue.PollInterval = 500 * time.Millisecond
	}
	if c.IOQueue.VisibilityTimeout <= 0 {
		c.IOQueue.VisibilityTimeout = 5 * time.Minute
	}
	if c.Bridge.DefaultTimeout <= 0 {
		c.Bridge.DefaultTimeout = 60 * time.Second
	}
	if c.Bridge.Grace <= 0 {
		c.Bridge.Grace = 30 * time.Second
	}
	if c.Bridge.FutureMaxAge <= 0 {
		c.Bridge.FutureMaxAge = time.Hour
	}
	if c.Bridge.FutureCleanupInterval <= 0 {
		c.Bridge.FutureCleanupInterval = time.Minute
	}
	if c.Bridge.ReadBlock <= 0 {
		c.Bridge.ReadBlock = 5 * time.Second
	}
	if c.Bridge.ReadCount <= 0 {
		c.Bridge.ReadCount = 64
	}
	if c.Bridge.ResultStream == "" {
		c.Bridge.ResultStream = "bridge:results"
	}
	if c.Bridge.ResultGroup == "" {
		c.Bridge.ResultGroup = "bridge-orchestrators"
	}
	if c.Bridge.RoutePrefix == "" {
		c.Bridge.RoutePrefix = "bridge:route:"
	}
	if c.Bridge.ResultPrefix == "" {
		c.Bridge.ResultPrefix = "bridge:result:"
	}
	if c.Realtime.TokenTTL <= 0 {
		c.Realtime.TokenTTL = time.Hour
	}
	if c.Realtime.GroupPrefix == "" {
		c.Realtime.GroupPrefix = "rt"
	}
	if c.Realtime.Topic == "" {
		c.Realtime.Topic = "resource"
	}
	if c.Realtime.ReplayPrefix == "" {
		c.Realtime.ReplayPrefix = "rt:replay:"
	}
	if c.Realtime.ReplayMax <= 0 {
		c.Realtime.ReplayMax = 500
	}
	if c.Guard.DefaultLimit <= 0 {
		c.Guard.DefaultLimit = 2
	}
	if c.Guard.DefaultTTL <= 0 {
		c.Guard.DefaultTTL = 60 * time.Second
	}
	if c.Guard.KeyPrefix == "" {
		c.Guard.KeyPrefix = "guard:concurrency:"
	}
}

// ValidateAPIConfig checks the configuration required by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Bridge.CallbackURL == "" {
		return fmt.Errorf("bridge callback_url is required")
	}

	if c.Realtime.WSSecret == "" {
		return fmt.Errorf("realtime ws_secret is required")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration required by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.IOQueue.MaxConcurrency <= 0 {
		return fmt.Errorf("ioqueue max_concurrency must be greater than 0")
	}

	if c.IOQueue.PollInterval <= 0 {
		return fmt.Errorf("ioqueue poll_interval must be greater than 0")
	}

	if c.IOQueue.VisibilityTimeout <= 0 {
		return fmt.Errorf("ioqueue visibility_timeout must be greater than 0")
	}

	return nil
}

// validateShared checks settings both services depend on
func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
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

	if c.RabbitMQ.Mailbox.Name == "" {
		return fmt.Errorf("rabbitmq mailbox queue name is required")
	}

	if c.RabbitMQ.BridgeQueue.Name == "" {
		return fmt.Errorf("rabbitmq bridge queue name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}

	return nil
}
