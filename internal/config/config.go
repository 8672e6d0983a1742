// Package config loads indexer configuration from YAML and the environment.
// Precedence: file, then environment overrides, then defaults for whatever
// is still unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the indexer.
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Fetcher  FetcherConfig  `yaml:"fetcher"`
	Balances BalancesConfig `yaml:"balances"`
	Traces   TracesConfig   `yaml:"traces"`
	Tokens   TokensConfig   `yaml:"tokens"`
	Importer ImporterConfig `yaml:"importer"`
	EventBus EventBusConfig `yaml:"eventbus"`
	Memory   MemoryConfig   `yaml:"memory"`
	Ops      OpsConfig      `yaml:"ops"`
}

// RPCConfig holds JSON-RPC client configuration.
type RPCConfig struct {
	// Endpoint is the default HTTP(S) JSON-RPC endpoint.
	Endpoint string `yaml:"endpoint"`

	// WSEndpoint is the WebSocket endpoint for new-head subscriptions.
	// Optional; realtime falls back to polling without it.
	WSEndpoint string `yaml:"ws_endpoint"`

	// MethodEndpoints routes specific RPC methods to dedicated endpoints,
	// e.g. trace methods to an archive node.
	MethodEndpoints map[string]string `yaml:"method_endpoints"`

	Timeout        time.Duration `yaml:"timeout"`
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`

	// RateLimit caps requests per second per endpoint; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	// DSN is a pgx connection string or URL.
	DSN string `yaml:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FetcherConfig holds block fetcher configuration.
type FetcherConfig struct {
	// BlockInterval is the chain's expected block time; it paces catch-up
	// passes and the realtime poll.
	BlockInterval       time.Duration `yaml:"block_interval"`
	BlocksBatchSize     int           `yaml:"blocks_batch_size"`
	BlocksConcurrency   int           `yaml:"blocks_concurrency"`
	ReceiptsBatchSize   int           `yaml:"receipts_batch_size"`
	ReceiptsConcurrency int           `yaml:"receipts_concurrency"`
}

// BalancesConfig holds the coin balance fetcher configuration.
type BalancesConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	InitChunkSize  int           `yaml:"init_chunk_size"`
}

// TracesConfig holds the internal transaction fetcher configuration.
type TracesConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	InitChunkSize  int           `yaml:"init_chunk_size"`
}

// TokensConfig holds the token balance fetcher configuration.
type TokensConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	InitChunkSize  int           `yaml:"init_chunk_size"`
}

// ImporterConfig bounds the import transaction.
type ImporterConfig struct {
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	RunnerTimeout      time.Duration `yaml:"runner_timeout"`
}

// EventBusConfig holds event bus configuration.
type EventBusConfig struct {
	// PublishBuffer is the local bus publish channel size.
	PublishBuffer int `yaml:"publish_buffer"`

	Kafka EventBusKafkaConfig `yaml:"kafka"`
	Redis EventBusRedisConfig `yaml:"redis"`
}

// EventBusKafkaConfig holds the Kafka sink configuration.
type EventBusKafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	Compression  string        `yaml:"compression"`
}

// EventBusRedisConfig holds the Redis sink configuration.
type EventBusRedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// MemoryConfig holds the memory monitor configuration.
type MemoryConfig struct {
	// Limit is the soft RSS limit in bytes; crossing it halves the
	// shrinkable fetcher queues.
	Limit uint64 `yaml:"limit"`

	// SampleInterval is how often RSS is sampled.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// OpsConfig holds the operational HTTP server configuration.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// NewConfig returns an empty configuration; call SetDefaults or Load.
func NewConfig() *Config {
	return &Config{}
}

// SetDefaults fills every unset field with its default.
func (c *Config) SetDefaults() {
	if c.RPC.Timeout <= 0 {
		c.RPC.Timeout = 60 * time.Second
	}
	if c.RPC.BatchSize <= 0 {
		c.RPC.BatchSize = 250
	}
	if c.RPC.MaxConcurrency <= 0 {
		c.RPC.MaxConcurrency = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Fetcher.BlockInterval <= 0 {
		c.Fetcher.BlockInterval = 5 * time.Second
	}
	if c.Fetcher.BlocksBatchSize <= 0 {
		c.Fetcher.BlocksBatchSize = 10
	}
	if c.Fetcher.BlocksConcurrency <= 0 {
		c.Fetcher.BlocksConcurrency = 10
	}
	if c.Fetcher.ReceiptsBatchSize <= 0 {
		c.Fetcher.ReceiptsBatchSize = 250
	}
	if c.Fetcher.ReceiptsConcurrency <= 0 {
		c.Fetcher.ReceiptsConcurrency = 10
	}

	if c.Balances.BatchSize <= 0 {
		c.Balances.BatchSize = 500
	}
	if c.Balances.MaxConcurrency <= 0 {
		c.Balances.MaxConcurrency = 4
	}
	if c.Balances.FlushInterval <= 0 {
		c.Balances.FlushInterval = 3 * time.Second
	}
	if c.Balances.InitChunkSize <= 0 {
		c.Balances.InitChunkSize = 1000
	}

	if c.Traces.BatchSize <= 0 {
		c.Traces.BatchSize = 10
	}
	if c.Traces.MaxConcurrency <= 0 {
		c.Traces.MaxConcurrency = 4
	}
	if c.Traces.FlushInterval <= 0 {
		c.Traces.FlushInterval = 3 * time.Second
	}
	if c.Traces.InitChunkSize <= 0 {
		c.Traces.InitChunkSize = 1000
	}

	if c.Tokens.BatchSize <= 0 {
		c.Tokens.BatchSize = 100
	}
	if c.Tokens.MaxConcurrency <= 0 {
		c.Tokens.MaxConcurrency = 10
	}
	if c.Tokens.FlushInterval <= 0 {
		c.Tokens.FlushInterval = 3 * time.Second
	}
	if c.Tokens.InitChunkSize <= 0 {
		c.Tokens.InitChunkSize = 1000
	}

	if c.Importer.TransactionTimeout <= 0 {
		c.Importer.TransactionTimeout = 120 * time.Second
	}
	if c.Importer.RunnerTimeout <= 0 {
		c.Importer.RunnerTimeout = 60 * time.Second
	}

	if c.EventBus.PublishBuffer <= 0 {
		c.EventBus.PublishBuffer = 1000
	}
	if c.EventBus.Kafka.BatchSize <= 0 {
		c.EventBus.Kafka.BatchSize = 100
	}
	if c.EventBus.Kafka.BatchTimeout <= 0 {
		c.EventBus.Kafka.BatchTimeout = 100 * time.Millisecond
	}

	if c.Memory.Limit == 0 {
		c.Memory.Limit = 1 << 30
	}
	if c.Memory.SampleInterval <= 0 {
		c.Memory.SampleInterval = time.Minute
	}

	if c.Ops.Host == "" {
		c.Ops.Host = "0.0.0.0"
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = 9090
	}
}

// LoadFromEnv overrides configuration from INDEXER_* environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("INDEXER_RPC_ENDPOINT"); v != "" {
		c.RPC.Endpoint = v
	}
	if v := os.Getenv("INDEXER_RPC_WS_ENDPOINT"); v != "" {
		c.RPC.WSEndpoint = v
	}
	if v := os.Getenv("INDEXER_RPC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = d
	}
	if v := os.Getenv("INDEXER_RPC_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_BATCH_SIZE: %w", err)
		}
		c.RPC.BatchSize = n
	}

	if v := os.Getenv("INDEXER_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv("INDEXER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("INDEXER_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("INDEXER_BLOCK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BLOCK_INTERVAL: %w", err)
		}
		c.Fetcher.BlockInterval = d
	}
	if v := os.Getenv("INDEXER_BLOCKS_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BLOCKS_BATCH_SIZE: %w", err)
		}
		c.Fetcher.BlocksBatchSize = n
	}
	if v := os.Getenv("INDEXER_BLOCKS_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BLOCKS_CONCURRENCY: %w", err)
		}
		c.Fetcher.BlocksConcurrency = n
	}

	if v := os.Getenv("INDEXER_MEMORY_LIMIT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_MEMORY_LIMIT: %w", err)
		}
		c.Memory.Limit = n
	}

	if v := os.Getenv("INDEXER_EVENTBUS_KAFKA_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_EVENTBUS_KAFKA_ENABLED: %w", err)
		}
		c.EventBus.Kafka.Enabled = b
	}
	if v := os.Getenv("INDEXER_EVENTBUS_KAFKA_BROKERS"); v != "" {
		c.EventBus.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("INDEXER_EVENTBUS_KAFKA_TOPIC"); v != "" {
		c.EventBus.Kafka.Topic = v
	}
	if v := os.Getenv("INDEXER_EVENTBUS_REDIS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_EVENTBUS_REDIS_ENABLED: %w", err)
		}
		c.EventBus.Redis.Enabled = b
	}
	if v := os.Getenv("INDEXER_EVENTBUS_REDIS_ADDR"); v != "" {
		c.EventBus.Redis.Addr = v
	}

	if v := os.Getenv("INDEXER_OPS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_OPS_PORT: %w", err)
		}
		c.Ops.Port = n
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Fetcher.BlocksBatchSize <= 0 {
		return fmt.Errorf("blocks batch size must be positive")
	}
	if c.Fetcher.BlocksConcurrency <= 0 {
		return fmt.Errorf("blocks concurrency must be positive")
	}

	if c.EventBus.Kafka.Enabled {
		if len(c.EventBus.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka sink enabled but no brokers configured")
		}
		if c.EventBus.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}
	if c.EventBus.Redis.Enabled && c.EventBus.Redis.Addr == "" {
		return fmt.Errorf("redis sink enabled but no address configured")
	}

	if c.Ops.Enabled && (c.Ops.Port <= 0 || c.Ops.Port > 65535) {
		return fmt.Errorf("invalid ops port %d", c.Ops.Port)
	}

	return nil
}

// Load reads configuration from file (optional), applies environment
// overrides, fills defaults, and validates.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
