package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink mirrors chain events to an external system, best effort.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Name() string
	Close() error
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	// Compression is one of "", "gzip", "snappy", "lz4", "zstd".
	Compression string
}

// Validate checks the Kafka sink configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka: no topic configured")
	}
	switch c.Compression {
	case "", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka: unknown compression %q", c.Compression)
	}
	return nil
}

// KafkaSink writes event envelopes to one Kafka topic, keyed by group so
// consumers see each group in order.
type KafkaSink struct {
	writer     *kafka.Writer
	serializer Serializer
	logger     *zap.Logger
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink builds a Kafka sink.
func NewKafkaSink(cfg KafkaConfig, serializer Serializer, logger *zap.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if serializer == nil {
		serializer = &JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	switch cfg.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "snappy":
		writer.Compression = kafka.Snappy
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	}

	return &KafkaSink{
		writer:     writer,
		serializer: serializer,
		logger:     logger.Named("kafka_sink"),
	}, nil
}

// Publish writes one event envelope.
func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	payload, err := s.serializer.Serialize(event)
	if err != nil {
		return err
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Group()),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", event.Group(), err)
	}
	return nil
}

// Name identifies the sink in logs and metrics.
func (s *KafkaSink) Name() string { return "kafka" }

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
