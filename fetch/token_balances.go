package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/storage"
	"github.com/blockscan-io/indexer-go/task"
)

// TokenBalanceNode is the RPC slice the token balance fetcher consumes.
type TokenBalanceNode interface {
	FetchTokenBalances(ctx context.Context, refs []chain.TokenBalanceRef) ([]chain.FetchedTokenBalance, error)
}

// TokenBalanceStore streams the token balance rows whose value has never
// been fetched.
type TokenBalanceStore interface {
	StreamUnfetchedTokenBalances(ctx context.Context, chunkSize int, buffer func([]chain.TokenBalanceRef)) error
}

// TokenBalanceFetcher resolves balanceOf values for the holders touched by
// token transfers.
type TokenBalanceFetcher struct {
	node   TokenBalanceNode
	store  TokenBalanceStore
	imp    Importer
	logger *zap.Logger
	task   *task.BufferedTask[chain.TokenBalanceRef]
}

// NewTokenBalanceFetcher builds the fetcher on a BufferedTask with the given
// options; zero fields fall back to defaults.
func NewTokenBalanceFetcher(cfg task.Config, node TokenBalanceNode, store TokenBalanceStore, imp Importer, logger *zap.Logger) (*TokenBalanceFetcher, error) {
	f := &TokenBalanceFetcher{node: node, store: store, imp: imp, logger: namedLogger(logger, "token_balance_fetcher")}
	t, err := task.NewBufferedTask[chain.TokenBalanceRef](taskDefaults(cfg, "token_balance_fetcher", 100, 10, 1000), f, logger)
	if err != nil {
		return nil, err
	}
	f.task = t
	return f, nil
}

// Start launches the underlying task; it stops when ctx is cancelled.
func (f *TokenBalanceFetcher) Start(ctx context.Context) { f.task.Start(ctx) }

// Wait blocks until the task has drained after cancellation.
func (f *TokenBalanceFetcher) Wait() { f.task.Wait() }

// AsyncFetch queues token balance work; it never blocks.
func (f *TokenBalanceFetcher) AsyncFetch(refs []chain.TokenBalanceRef) { f.task.Buffer(refs) }

// QueueDepth reports entries not yet handed to the runner.
func (f *TokenBalanceFetcher) QueueDepth() int { return f.task.QueueDepth() }

// Shrink sheds half the backlog under memory pressure.
func (f *TokenBalanceFetcher) Shrink() int { return f.task.Shrink() }

// Init implements task.Runner.
func (f *TokenBalanceFetcher) Init(ctx context.Context, chunkSize int, buffer func([]chain.TokenBalanceRef)) error {
	return f.store.StreamUnfetchedTokenBalances(ctx, chunkSize, buffer)
}

// Run implements task.Runner. Unlike coin balances the per-block rows all
// matter, so only exact duplicates are dropped.
func (f *TokenBalanceFetcher) Run(ctx context.Context, refs []chain.TokenBalanceRef, retries int) error {
	deduped := dedupeTokenBalanceRefs(refs)

	fetched, err := f.node.FetchTokenBalances(ctx, deduped)
	if err != nil {
		return fmt.Errorf("fetch token balances: %w", err)
	}
	if len(fetched) == 0 {
		return nil
	}

	now := time.Now().UTC()
	addresses := make([]chain.AddressParams, 0, len(fetched))
	balances := make([]chain.TokenBalanceParams, 0, len(fetched))
	for _, b := range fetched {
		addresses = append(addresses, chain.AddressParams{Hash: b.Address})
		balances = append(balances, chain.TokenBalanceParams{
			Address:        b.Address,
			TokenContract:  b.TokenContract,
			BlockNumber:    b.BlockNumber,
			Value:          b.Value,
			ValueFetchedAt: &now,
		})
	}

	_, err = f.imp.Import(ctx, storage.Options{
		Addresses:     addresses,
		TokenBalances: balances,
		Broadcast:     true,
	})
	if err != nil {
		var ve *storage.ValidationError
		if errors.As(err, &ve) {
			return task.Halt(err)
		}
		return fmt.Errorf("import token balances: %w", err)
	}
	return nil
}

func dedupeTokenBalanceRefs(refs []chain.TokenBalanceRef) []chain.TokenBalanceRef {
	seen := make(map[chain.TokenBalanceRef]struct{}, len(refs))
	out := make([]chain.TokenBalanceRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
