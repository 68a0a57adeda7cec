package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/dispatch-core/internal/bridge"
	"github.com/cuongbtq/dispatch-core/internal/config"
	"github.com/cuongbtq/dispatch-core/internal/ioqueue"
	"github.com/cuongbtq/dispatch-core/internal/realtime"
	"github.com/cuongbtq/dispatch-core/internal/tasks"
	"github.com/cuongbtq/dispatch-core/shared/logger"
	"github.com/cuongbtq/dispatch-core/shared/postgresql"
	"github.com/cuongbtq/dispatch-core/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/dispatch-core/shared/redis"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	// Mailbox consumer: transient, auto-ack
	mailboxClient, err := rabbitmq.NewClient(mailboxConfig(&cfg.RabbitMQ), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize mailbox client: %w", err)
	}

	// Bridge consumer: durable, manual ack
	bridgeClient, err := rabbitmq.NewClient(bridgeQueueConfig(&cfg.RabbitMQ), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize bridge client: %w", err)
	}

	appLogger.Info("All connections established")

	// Realtime fanout used by tasks that publish progress
	hub := realtime.NewHub(redisClient.GetRDB(), cfg.Realtime.GroupPrefix, cfg.Realtime.Topic, appLogger.Logger)
	replay := realtime.NewRedisReplayLog(redisClient.GetRDB(), cfg.Realtime.ReplayPrefix, cfg.Realtime.ReplayMax)
	progress := realtime.NewPublisher(hub, replay, appLogger.Logger)

	// Task registry and runner
	registry := ioqueue.NewRegistry()
	if err := tasks.Register(registry, tasks.Deps{Logger: appLogger.Logger, Progress: progress}); err != nil {
		return fmt.Errorf("failed to register tasks: %w", err)
	}

	appLogger.Info("Tasks registered",
		slog.Any("tasks", registry.Names()),
	)

	storage := ioqueue.NewStorage(dbClient, cfg.IOQueue.VisibilityTimeout, appLogger.Logger)
	runner := ioqueue.NewRunner(registry, storage, ioqueue.RunnerConfig{
		WorkerID:       cfg.IOQueue.WorkerID,
		MaxConcurrency: cfg.IOQueue.MaxConcurrency,
		QueueSize:      cfg.IOQueue.QueueSize,
		PollInterval:   cfg.IOQueue.PollInterval,
	}, appLogger.Logger)

	// Bridge executor for awaitable calls
	completions := bridge.NewCompletionLog(redisClient.GetRDB(), cfg.Bridge.ResultStream)
	results := bridge.NewResultStore(redisClient.GetRDB(), cfg.Bridge.ResultPrefix, cfg.Bridge.DefaultTimeout+cfg.Bridge.Grace)
	executor := bridge.NewExecutor(completions, results, appLogger.Logger)
	tasks.RegisterBridgeHandlers(executor, tasks.Deps{Logger: appLogger.Logger, Progress: progress})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailboxDeliveries, err := mailboxClient.Consume("worker-mailbox")
	if err != nil {
		return fmt.Errorf("failed to consume mailbox: %w", err)
	}

	bridgeDeliveries, err := bridgeClient.Consume("worker-bridge")
	if err != nil {
		return fmt.Errorf("failed to consume bridge queue: %w", err)
	}

	runner.Start(ctx, mailboxDeliveries)
	go executor.Run(ctx, bridgeDeliveries)

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Cancel context to stop the fetch loops and executor
	cancel()

	shutdownTimeout := cfg.IOQueue.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		runner.Stop()
		<-executor.Done()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup
	mailboxClient.Close()
	bridgeClient.Close()
	redisClient.Close()
	dbClient.Close()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*sharedredis.Client, error) {
	redisConfig := &sharedredis.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return sharedredis.NewClient(redisConfig, logger)
}

// mailboxConfig builds the RabbitMQ config for the ephemeral mailbox
func mailboxConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	out := baseRabbitConfig(cfg)
	out.QueueName = cfg.Mailbox.Name
	out.QueueDurable = cfg.Mailbox.Durable
	out.QueueAutoDelete = cfg.Mailbox.AutoDelete
	out.QueueExclusive = cfg.Mailbox.Exclusive
	out.RoutingKey = cfg.MailboxKey
	out.Persistent = cfg.Mailbox.Persistent
	out.ConsumerAutoAck = true
	return out
}

// bridgeQueueConfig builds the RabbitMQ config for the durable bridge queue
func bridgeQueueConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	out := baseRabbitConfig(cfg)
	out.QueueName = cfg.BridgeQueue.Name
	out.QueueDurable = cfg.BridgeQueue.Durable
	out.QueueAutoDelete = cfg.BridgeQueue.AutoDelete
	out.QueueExclusive = cfg.BridgeQueue.Exclusive
	out.RoutingKey = cfg.BridgeRoutingKey
	out.Persistent = cfg.BridgeQueue.Persistent
	out.PrefetchCount = cfg.Consumer.PrefetchCount
	return out
}

func baseRabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}
