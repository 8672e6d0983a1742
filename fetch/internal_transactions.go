package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/storage"
	"github.com/blockscan-io/indexer-go/task"
)

// TraceNode is the RPC slice the internal transaction fetcher consumes.
type TraceNode interface {
	FetchInternalTransactions(ctx context.Context, refs []chain.TransactionRef) ([]chain.InternalTransactionParams, error)
}

// InternalTransactionStore streams the collated transactions whose traces
// have not been indexed yet.
type InternalTransactionStore interface {
	StreamTransactionsWithUnfetchedInternalTransactions(ctx context.Context, chunkSize int, buffer func([]chain.TransactionRef)) error
}

// InternalTransactionFetcher replays transactions through the node tracer
// and imports the resulting internal transactions. Addresses discovered
// inside traces are re-enqueued as balance work.
type InternalTransactionFetcher struct {
	node     TraceNode
	store    InternalTransactionStore
	imp      Importer
	balances BalanceSink
	logger   *zap.Logger
	task     *task.BufferedTask[chain.TransactionRef]
}

// NewInternalTransactionFetcher builds the fetcher on a BufferedTask with
// the given options; zero fields fall back to defaults.
func NewInternalTransactionFetcher(cfg task.Config, node TraceNode, store InternalTransactionStore, imp Importer, balances BalanceSink, logger *zap.Logger) (*InternalTransactionFetcher, error) {
	f := &InternalTransactionFetcher{
		node:     node,
		store:    store,
		imp:      imp,
		balances: balances,
		logger:   namedLogger(logger, "internal_transaction_fetcher"),
	}
	t, err := task.NewBufferedTask[chain.TransactionRef](taskDefaults(cfg, "internal_transaction_fetcher", 10, 4, 1000), f, logger)
	if err != nil {
		return nil, err
	}
	f.task = t
	return f, nil
}

// Start launches the underlying task; it stops when ctx is cancelled.
func (f *InternalTransactionFetcher) Start(ctx context.Context) { f.task.Start(ctx) }

// Wait blocks until the task has drained after cancellation.
func (f *InternalTransactionFetcher) Wait() { f.task.Wait() }

// AsyncFetch queues trace work; it never blocks.
func (f *InternalTransactionFetcher) AsyncFetch(refs []chain.TransactionRef) { f.task.Buffer(refs) }

// QueueDepth reports entries not yet handed to the runner.
func (f *InternalTransactionFetcher) QueueDepth() int { return f.task.QueueDepth() }

// Shrink sheds half the backlog under memory pressure.
func (f *InternalTransactionFetcher) Shrink() int { return f.task.Shrink() }

// Init implements task.Runner.
func (f *InternalTransactionFetcher) Init(ctx context.Context, chunkSize int, buffer func([]chain.TransactionRef)) error {
	return f.store.StreamTransactionsWithUnfetchedInternalTransactions(ctx, chunkSize, buffer)
}

// Run implements task.Runner.
func (f *InternalTransactionFetcher) Run(ctx context.Context, refs []chain.TransactionRef, retries int) error {
	deduped := f.dedupeTransactionRefs(refs)

	internalTransactions, err := f.node.FetchInternalTransactions(ctx, deduped)
	if err != nil {
		return fmt.Errorf("fetch internal transactions: %w", err)
	}

	extracted := ExtractAddresses(ExtractionInput{InternalTransactions: internalTransactions})

	// Transactions with no traces still need their indexed_at mark, so the
	// import always carries every hash that was asked for.
	marks := make([]common.Hash, len(deduped))
	for i, ref := range deduped {
		marks[i] = ref.Hash
	}
	_, err = f.imp.Import(ctx, storage.Options{
		Addresses:                    addressParams(extracted),
		InternalTransactions:         internalTransactions,
		MarkIndexedTransactionHashes: marks,
		Broadcast:                    true,
	})
	if err != nil {
		var ve *storage.ValidationError
		if errors.As(err, &ve) {
			return task.Halt(err)
		}
		return fmt.Errorf("import internal transactions: %w", err)
	}

	// Trace-discovered addresses need balances too.
	f.balances.AsyncFetch(balanceRefs(extracted))
	return nil
}

// dedupeTransactionRefs collapses duplicate transaction hashes to a single
// entry. Duplicates signal a misbehaving producer, so they are logged.
func (f *InternalTransactionFetcher) dedupeTransactionRefs(refs []chain.TransactionRef) []chain.TransactionRef {
	seen := make(map[common.Hash]chain.TransactionRef, len(refs))
	dropped := 0
	for _, ref := range refs {
		if _, ok := seen[ref.Hash]; ok {
			dropped++
			continue
		}
		seen[ref.Hash] = ref
	}
	if dropped > 0 {
		f.logger.Warn("duplicate transactions in trace batch", zap.Int("dropped", dropped))
	}
	out := make([]chain.TransactionRef, 0, len(seen))
	for _, ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out
}
