package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sionyx/kioskd/internal/config"
	"github.com/sionyx/kioskd/internal/remote"
)

// Client implements remote.Client on Redis. Each record path maps to one
// hash key, so a record read or replace is a single command and is visible
// to every kiosk immediately.
type Client struct {
	client *redis.Client
	prefix string
}

// Open creates a Redis-backed remote store client and verifies the
// connection.
func Open(cfg config.RemoteConfig) (*Client, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to remote store: %w", mapError(err))
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sionyx"
	}

	return &Client{client: client, prefix: prefix}, nil
}

// Get returns the record at path, or remote.ErrNotFound.
func (c *Client) Get(ctx context.Context, path string) (remote.Record, error) {
	if err := remote.ValidatePath(path); err != nil {
		return nil, err
	}

	data, err := c.client.HGetAll(ctx, c.key(path)).Result()
	if err != nil {
		return nil, mapError(err)
	}
	if len(data) == 0 {
		return nil, remote.ErrNotFound
	}

	return remote.Record(data), nil
}

// Set atomically replaces the whole record at path.
func (c *Client) Set(ctx context.Context, path string, rec remote.Record) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}

	script := redis.NewScript(replaceRecordScript)

	args := make([]interface{}, 0, len(rec)*2)
	for field, value := range rec {
		args = append(args, field, value)
	}

	if err := script.Run(ctx, c.client, []string{c.key(path)}, args...).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// Update merge-patches the record at path: only the given fields are
// written.
func (c *Client) Update(ctx context.Context, path string, fields remote.Record) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	if err := c.client.HSet(ctx, c.key(path), map[string]string(fields)).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// Delete removes the record at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}

	if err := c.client.Del(ctx, c.key(path)).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// Ping verifies the connection to the remote store.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// key translates a record path into a namespaced Redis key, e.g.
// "users/u1" -> "sionyx:users:u1".
func (c *Client) key(path string) string {
	return c.prefix + ":" + strings.ReplaceAll(path, "/", ":")
}

// mapError translates Redis failures into the remote error taxonomy.
// Credential rejections become ErrNotAuthenticated; everything else is a
// store availability problem as far as callers are concerned.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return remote.ErrNotFound
	}

	msg := err.Error()
	if strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "invalid username-password") {
		return fmt.Errorf("%s: %w", msg, remote.ErrNotAuthenticated)
	}

	return fmt.Errorf("%s: %w", msg, remote.ErrUnavailable)
}
