package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"logsentinel/internal/correlation"
)

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ListKey holds the newest MaxLen alerts as JSON.
	ListKey string `yaml:"list_key"`
	MaxLen  int64  `yaml:"max_len"`
	// Channel receives each alert as it is written. Empty disables publishing.
	Channel string `yaml:"channel"`
}

// DefaultRedisConfig returns the default Redis sink configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		ListKey:      "logsentinel:alerts",
		MaxLen:       10000,
		Channel:      "logsentinel:alerts",
	}
}

// Redis pushes alerts onto a capped list and publishes them to a channel.
type Redis struct {
	client *redis.Client
	config RedisConfig
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.ListKey == "" {
		return nil, fmt.Errorf("sink: redis list_key is required")
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("sink: connect to redis: %w", err)
	}
	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg RedisConfig) *Redis {
	return &Redis{client: client, config: cfg}
}

// Name implements Sink.
func (r *Redis) Name() string { return "redis" }

// Write sends the whole batch in one pipeline.
func (r *Redis) Write(ctx context.Context, alerts []correlation.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	values := make([]any, 0, len(alerts))
	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("sink: marshal alert: %w", err)
		}
		values = append(values, data)
	}

	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, r.config.ListKey, values...)
		if r.config.MaxLen > 0 {
			p.LTrim(ctx, r.config.ListKey, -r.config.MaxLen, -1)
		}
		if r.config.Channel != "" {
			for _, v := range values {
				p.Publish(ctx, r.config.Channel, v)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sink: redis write: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
