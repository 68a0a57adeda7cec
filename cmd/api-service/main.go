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

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/dispatch-core/internal/api/handler"
	"github.com/cuongbtq/dispatch-core/internal/api/router"
	"github.com/cuongbtq/dispatch-core/internal/bridge"
	"github.com/cuongbtq/dispatch-core/internal/config"
	"github.com/cuongbtq/dispatch-core/internal/guard"
	"github.com/cuongbtq/dispatch-core/internal/ioqueue"
	"github.com/cuongbtq/dispatch-core/internal/observability"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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

	// Mailbox publisher: best-effort, transient
	mailboxClient, err := rabbitmq.NewClient(mailboxConfig(&cfg.RabbitMQ), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize mailbox client: %w", err)
	}

	// Bridge publisher: durable dispatches to the worker queue
	bridgeClient, err := rabbitmq.NewClient(bridgeQueueConfig(&cfg.RabbitMQ), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize bridge client: %w", err)
	}

	appLogger.Info("All connections established")

	// Task queue surfaces
	registry := ioqueue.NewRegistry()
	storage := ioqueue.NewStorage(dbClient, cfg.IOQueue.VisibilityTimeout, appLogger.Logger)
	submitter := ioqueue.NewSubmitter(registry, storage, mailboxClient, appLogger.Logger)

	// Realtime fanout
	hub := realtime.NewHub(redisClient.GetRDB(), cfg.Realtime.GroupPrefix, cfg.Realtime.Topic, appLogger.Logger)
	replay := realtime.NewRedisReplayLog(redisClient.GetRDB(), cfg.Realtime.ReplayPrefix, cfg.Realtime.ReplayMax)
	auth := realtime.NewTokenAuth(cfg.Realtime.WSSecret, cfg.Realtime.TokenTTL)
	progress := realtime.NewPublisher(hub, replay, appLogger.Logger)

	if err := tasks.Register(registry, tasks.Deps{Logger: appLogger.Logger, Progress: progress}); err != nil {
		return fmt.Errorf("failed to register tasks: %w", err)
	}

	// Awaitable call plumbing
	futures := bridge.NewFutureRegistry(cfg.Bridge.FutureMaxAge, appLogger.Logger)
	futures.StartSweep(cfg.Bridge.FutureCleanupInterval)
	routes := bridge.NewRouteStore(redisClient.GetRDB(), cfg.Bridge.RoutePrefix)
	results := bridge.NewResultStore(redisClient.GetRDB(), cfg.Bridge.ResultPrefix, cfg.Bridge.DefaultTimeout+cfg.Bridge.Grace)
	dispatcher := bridge.NewAMQPDispatcher(bridgeClient)
	caller := bridge.NewCaller(futures, routes, dispatcher, results, bridge.CallerConfig{
		CallbackURL:    cfg.Bridge.CallbackURL,
		DefaultTimeout: cfg.Bridge.DefaultTimeout,
		Grace:          cfg.Bridge.Grace,
	}, appLogger.Logger)

	observability.RegisterPendingFutures(func() float64 {
		return float64(futures.PendingCount())
	})

	// Admission guard
	admission := guard.New(redisClient.GetRDB(), guard.Config{
		DefaultLimit: cfg.Guard.DefaultLimit,
		DefaultTTL:   cfg.Guard.DefaultTTL,
		KeyPrefix:    cfg.Guard.KeyPrefix,
	}, appLogger.Logger)

	// Completion orchestrator for calls awaited in this process
	orchestrator := bridge.NewOrchestrator(redisClient.GetRDB(), futures, routes, bridge.OrchestratorConfig{
		Stream:    cfg.Bridge.ResultStream,
		Group:     cfg.Bridge.ResultGroup,
		Consumer:  "api-" + uuid.NewString()[:8],
		OwnURL:    cfg.Bridge.CallbackURL,
		ReadBlock: cfg.Bridge.ReadBlock,
		ReadCount: cfg.Bridge.ReadCount,
	}, appLogger.Logger)

	orchestratorCtx, stopOrchestrator := context.WithCancel(context.Background())
	go func() {
		if err := orchestrator.Run(orchestratorCtx); err != nil {
			appLogger.Error("Orchestrator exited",
				slog.Any("error", err),
			)
		}
	}()

	deps := &handler.Dependencies{
		Logger:    appLogger.Logger,
		DBClient:  dbClient,
		Redis:     redisClient,
		Submitter: submitter,
		Storage:   storage,
		Caller:    caller,
		Futures:   futures,
		Guard:     admission,
		Hub:       hub,
		Replay:    replay,
		Auth:      auth,
		Consumer: realtime.ConsumerConfig{
			Namespace:        cfg.Realtime.Topic,
			MaxSubscriptions: cfg.Realtime.MaxSubscriptions,
		},
	}

	r := router.SetupRouter(deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer func() {
		cancel()
		stopOrchestrator()
		<-orchestrator.Done()
		futures.Stop()
		mailboxClient.Close()
		bridgeClient.Close()
		redisClient.Close()
		dbClient.Close()
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
