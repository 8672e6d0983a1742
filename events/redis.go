package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// ChannelPrefix prefixes the per-group channels, e.g.
	// "indexer:events:blocks".
	ChannelPrefix string
}

// Validate checks the Redis sink configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis: no address configured")
	}
	return nil
}

func (c *RedisConfig) prefix() string {
	if c.ChannelPrefix == "" {
		return "indexer:events"
	}
	return c.ChannelPrefix
}

// RedisSink publishes event envelopes on one pub/sub channel per group.
type RedisSink struct {
	client     *redis.Client
	prefix     string
	serializer Serializer
	logger     *zap.Logger
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink builds a Redis sink and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig, serializer Serializer, logger *zap.Logger) (*RedisSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if serializer == nil {
		serializer = &JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisSink{
		client:     client,
		prefix:     cfg.prefix(),
		serializer: serializer,
		logger:     logger.Named("redis_sink"),
	}, nil
}

// Publish writes one event envelope to the group's channel.
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	payload, err := s.serializer.Serialize(event)
	if err != nil {
		return err
	}
	channel := fmt.Sprintf("%s:%s", s.prefix, event.Group())
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Group(), err)
	}
	return nil
}

// Name identifies the sink in logs and metrics.
func (s *RedisSink) Name() string { return "redis" }

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
