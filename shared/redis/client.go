package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	URL               string
	MaxConnections    int
	ConnectionTimeout time.Duration
}

// Client wraps the go-redis client
type Client struct {
	rdb    *r.Client
	logger *slog.Logger
}

// NewClient parses the URL, applies pool settings and pings the server
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	opts, err := r.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	opts.DialTimeout = cfg.ConnectionTimeout
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	rdb := r.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("Successfully connected to Redis",
		slog.String("addr", opts.Addr),
		slog.Int("db", opts.DB),
		slog.Int("pool_size", opts.PoolSize),
	)
	return &Client{rdb: rdb, logger: logger}, nil
}

// Redis returns the underlying client
func (c *Client) Redis() *r.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	c.logger.Info("Redis connection closed")
	return nil
}
