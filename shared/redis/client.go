package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client represents a Redis client
type Client struct {
	rdb    *redis.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new Redis client and verifies connectivity
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)

	logger.Info("Connecting to Redis",
		slog.String("addr", addr),
		slog.Int("db", config.DB),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis",
			slog.Any("error", err),
		)
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis",
		slog.Int("pool_size", config.PoolSize),
	)

	return &Client{
		rdb:    rdb,
		config: config,
		logger: logger,
	}, nil
}

// GetRDB returns the underlying go-redis client
func (c *Client) GetRDB() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.logger.Error("Failed to close Redis connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}

// HealthCheck performs a health check against Redis
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}
