package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/storage"
	"github.com/blockscan-io/indexer-go/task"
)

// BalanceNode is the RPC slice the balance fetcher consumes.
type BalanceNode interface {
	FetchBalances(ctx context.Context, refs []chain.BalanceRef) ([]chain.FetchedBalance, error)
}

// BalanceStore streams the addresses whose balance has never been fetched.
type BalanceStore interface {
	StreamUnfetchedBalances(ctx context.Context, chunkSize int, buffer func([]chain.BalanceRef)) error
}

// BalanceFetcher resolves native-coin balances asynchronously: the block
// fetcher hands it every address it sees, the store seeds it with leftovers
// at boot, and each batch ends in an addresses+coin-balances import.
type BalanceFetcher struct {
	node   BalanceNode
	store  BalanceStore
	imp    Importer
	logger *zap.Logger
	task   *task.BufferedTask[chain.BalanceRef]
}

// NewBalanceFetcher builds the fetcher on a BufferedTask with the given
// options; zero fields fall back to defaults.
func NewBalanceFetcher(cfg task.Config, node BalanceNode, store BalanceStore, imp Importer, logger *zap.Logger) (*BalanceFetcher, error) {
	f := &BalanceFetcher{node: node, store: store, imp: imp, logger: namedLogger(logger, "balance_fetcher")}
	t, err := task.NewBufferedTask[chain.BalanceRef](taskDefaults(cfg, "balance_fetcher", 500, 4, 1000), f, logger)
	if err != nil {
		return nil, err
	}
	f.task = t
	return f, nil
}

// Start launches the underlying task; it stops when ctx is cancelled.
func (f *BalanceFetcher) Start(ctx context.Context) { f.task.Start(ctx) }

// Wait blocks until the task has drained after cancellation.
func (f *BalanceFetcher) Wait() { f.task.Wait() }

// AsyncFetch queues balance work; it never blocks.
func (f *BalanceFetcher) AsyncFetch(refs []chain.BalanceRef) { f.task.Buffer(refs) }

// QueueDepth reports entries not yet handed to the runner.
func (f *BalanceFetcher) QueueDepth() int { return f.task.QueueDepth() }

// Shrink sheds half the backlog under memory pressure.
func (f *BalanceFetcher) Shrink() int { return f.task.Shrink() }

// Init implements task.Runner.
func (f *BalanceFetcher) Init(ctx context.Context, chunkSize int, buffer func([]chain.BalanceRef)) error {
	return f.store.StreamUnfetchedBalances(ctx, chunkSize, buffer)
}

// Run implements task.Runner. An RPC or import failure retries the deduped
// batch; a validation rejection halts it.
func (f *BalanceFetcher) Run(ctx context.Context, refs []chain.BalanceRef, retries int) error {
	deduped := dedupeBalanceRefs(refs)
	if retries > 0 {
		f.logger.Debug("retrying balance batch",
			zap.Int("entries", len(deduped)),
			zap.Int("retries", retries),
		)
	}

	fetched, err := f.node.FetchBalances(ctx, deduped)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	if len(fetched) == 0 {
		return nil
	}

	now := time.Now().UTC()
	addresses := make([]chain.AddressParams, 0, len(fetched))
	coinBalances := make([]chain.CoinBalanceParams, 0, len(fetched))
	for _, b := range fetched {
		blockNumber := b.BlockNumber
		addresses = append(addresses, chain.AddressParams{
			Hash:                      b.Address,
			FetchedBalance:            b.Value,
			FetchedBalanceBlockNumber: &blockNumber,
		})
		coinBalances = append(coinBalances, chain.CoinBalanceParams{
			Address:        b.Address,
			BlockNumber:    b.BlockNumber,
			Value:          b.Value,
			ValueFetchedAt: &now,
		})
	}

	_, err = f.imp.Import(ctx, storage.Options{
		Addresses:           addresses,
		AddressCoinBalances: coinBalances,
		Broadcast:           true,
	})
	if err != nil {
		var ve *storage.ValidationError
		if errors.As(err, &ve) {
			return task.Halt(err)
		}
		return fmt.Errorf("import balances: %w", err)
	}
	return nil
}

// dedupeBalanceRefs collapses duplicate addresses to their maximum block
// number. The producer sees the same address in neighbouring blocks; without
// this the upserts multiply quadratically.
func dedupeBalanceRefs(refs []chain.BalanceRef) []chain.BalanceRef {
	best := make(map[common.Address]uint64, len(refs))
	for _, ref := range refs {
		if n, ok := best[ref.Address]; !ok || ref.BlockNumber > n {
			best[ref.Address] = ref.BlockNumber
		}
	}
	out := make([]chain.BalanceRef, 0, len(best))
	for addr, n := range best {
		out = append(out, chain.BalanceRef{Address: addr, BlockNumber: n})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

func taskDefaults(cfg task.Config, name string, batchSize, concurrency, chunkSize int) task.Config {
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 3 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = batchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = concurrency
	}
	if cfg.InitChunkSize <= 0 {
		cfg.InitChunkSize = chunkSize
	}
	return cfg
}

func namedLogger(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}
