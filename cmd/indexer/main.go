// Command indexer runs the chain indexer: block ingestion, async backfill
// fetchers, the event bus and the operational HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/api"
	"github.com/blockscan-io/indexer-go/client"
	"github.com/blockscan-io/indexer-go/events"
	"github.com/blockscan-io/indexer-go/fetch"
	"github.com/blockscan-io/indexer-go/internal/config"
	"github.com/blockscan-io/indexer-go/internal/logger"
	"github.com/blockscan-io/indexer-go/internal/memory"
	"github.com/blockscan-io/indexer-go/storage"
	"github.com/blockscan-io/indexer-go/task"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "indexer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments configure via file or environment.
	_ = godotenv.Load()

	configFile := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database.
	pool, err := storage.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	store := storage.NewStore(pool, log)

	// RPC node.
	node, err := client.NewClient(&client.Config{
		Endpoint:          cfg.RPC.Endpoint,
		WSEndpoint:        cfg.RPC.WSEndpoint,
		MethodURLs:        cfg.RPC.MethodEndpoints,
		Timeout:           cfg.RPC.Timeout,
		BatchSize:         cfg.RPC.BatchSize,
		MaxConcurrency:    cfg.RPC.MaxConcurrency,
		RequestsPerSecond: cfg.RPC.RateLimit,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	// Event bus and sinks.
	busMetrics := events.NewMetrics(prometheus.DefaultRegisterer)
	bus := events.NewBus(cfg.EventBus.PublishBuffer)
	bus.SetMetrics(busMetrics)
	go bus.Run()
	defer bus.Stop()

	sinks, err := buildSinks(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, sink := range sinks {
			if err := sink.Close(); err != nil {
				log.Warn("failed to close sink", zap.String("sink", sink.Name()), zap.Error(err))
			}
		}
	}()
	broadcaster := events.NewBroadcaster(bus, sinks, busMetrics, log)

	// Importer.
	importer := storage.NewImporter(pool, broadcaster, storage.ImporterConfig{
		TransactionTimeout: cfg.Importer.TransactionTimeout,
		RunnerTimeout:      cfg.Importer.RunnerTimeout,
	}, log)

	// Async backfill fetchers.
	balances, err := fetch.NewBalanceFetcher(task.Config{
		Name:           "balances",
		FlushInterval:  cfg.Balances.FlushInterval,
		MaxBatchSize:   cfg.Balances.BatchSize,
		MaxConcurrency: cfg.Balances.MaxConcurrency,
		InitChunkSize:  cfg.Balances.InitChunkSize,
	}, node, store, importer, log)
	if err != nil {
		return err
	}
	internalTxs, err := fetch.NewInternalTransactionFetcher(task.Config{
		Name:           "internal_transactions",
		FlushInterval:  cfg.Traces.FlushInterval,
		MaxBatchSize:   cfg.Traces.BatchSize,
		MaxConcurrency: cfg.Traces.MaxConcurrency,
		InitChunkSize:  cfg.Traces.InitChunkSize,
	}, node, store, importer, balances, log)
	if err != nil {
		return err
	}
	tokenBalances, err := fetch.NewTokenBalanceFetcher(task.Config{
		Name:           "token_balances",
		FlushInterval:  cfg.Tokens.FlushInterval,
		MaxBatchSize:   cfg.Tokens.BatchSize,
		MaxConcurrency: cfg.Tokens.MaxConcurrency,
		InitChunkSize:  cfg.Tokens.InitChunkSize,
	}, node, store, importer, log)
	if err != nil {
		return err
	}

	// Block fetcher.
	fetcher, err := fetch.NewFetcher(fetch.Config{
		BlockInterval:       cfg.Fetcher.BlockInterval,
		BlocksBatchSize:     cfg.Fetcher.BlocksBatchSize,
		BlocksConcurrency:   cfg.Fetcher.BlocksConcurrency,
		ReceiptsBatchSize:   cfg.Fetcher.ReceiptsBatchSize,
		ReceiptsConcurrency: cfg.Fetcher.ReceiptsConcurrency,
	}, fetch.Deps{
		Node:                 node,
		Heads:                node,
		Store:                store,
		Importer:             importer,
		Balances:             balances,
		InternalTransactions: internalTxs,
		TokenBalances:        tokenBalances,
		Metrics:              fetch.NewMetrics(prometheus.DefaultRegisterer),
		Logger:               log,
	})
	if err != nil {
		return err
	}

	// Memory monitor over the shrinkable queues.
	monitor, err := memory.NewMonitor(memory.Config{
		Limit:          cfg.Memory.Limit,
		SampleInterval: cfg.Memory.SampleInterval,
	}, prometheus.DefaultRegisterer, log)
	if err != nil {
		return err
	}
	monitor.Register("balances", balances)
	monitor.Register("internal_transactions", internalTxs)
	monitor.Register("token_balances", tokenBalances)

	// Ops server.
	var ops *api.Server
	if cfg.Ops.Enabled {
		ops = api.NewServer(api.Config{Host: cfg.Ops.Host, Port: cfg.Ops.Port}, nil, log)
		ops.AddReadinessCheck("database", func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
		ops.AddReadinessCheck("node", func(ctx context.Context) error {
			return node.Ping(ctx)
		})
		go func() {
			if err := ops.Start(); err != nil {
				log.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	log.Info("indexer starting",
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.Duration("block_interval", cfg.Fetcher.BlockInterval),
		zap.Int("sinks", len(sinks)),
	)

	var wg sync.WaitGroup
	balances.Start(ctx)
	internalTxs.Start(ctx)
	tokenBalances.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		supervise(ctx, log, "block_fetcher", fetcher.Run)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	wg.Wait()
	balances.Wait()
	internalTxs.Wait()
	tokenBalances.Wait()

	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Warn("ops server shutdown failed", zap.Error(err))
		}
	}

	log.Info("indexer stopped")
	return nil
}

// supervise restarts fn with a backoff until ctx is canceled. A run that
// stayed healthy for a while resets the delay.
func supervise(ctx context.Context, log *zap.Logger, name string, fn func(context.Context) error) {
	const (
		minDelay = time.Second
		maxDelay = time.Minute
	)
	delay := minDelay
	for {
		started := time.Now()
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxDelay {
			delay = minDelay
		}
		log.Error("supervised task exited, restarting",
			zap.String("task", name),
			zap.Duration("restart_delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

func buildSinks(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]events.Sink, error) {
	var sinks []events.Sink
	serializer := &events.JSONSerializer{}

	if cfg.EventBus.Kafka.Enabled {
		sink, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers:      cfg.EventBus.Kafka.Brokers,
			Topic:        cfg.EventBus.Kafka.Topic,
			BatchSize:    cfg.EventBus.Kafka.BatchSize,
			BatchTimeout: cfg.EventBus.Kafka.BatchTimeout,
			Compression:  cfg.EventBus.Kafka.Compression,
		}, serializer, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.EventBus.Redis.Enabled {
		sink, err := events.NewRedisSink(ctx, events.RedisConfig{
			Addr:          cfg.EventBus.Redis.Addr,
			Password:      cfg.EventBus.Redis.Password,
			DB:            cfg.EventBus.Redis.DB,
			ChannelPrefix: cfg.EventBus.Redis.ChannelPrefix,
		}, serializer, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	return sinks, nil
}
