// Package fetch drives chain ingestion: a catch-up loop that backfills
// missing block ranges, a realtime loop that tracks the tip, and the async
// fetchers that resolve balances, traces and token balances after import.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/client"
	"github.com/blockscan-io/indexer-go/sequence"
	"github.com/blockscan-io/indexer-go/storage"
	"github.com/blockscan-io/indexer-go/task"
)

// Node is the slice of the RPC client the block fetcher consumes.
type Node interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FetchBlocksByRange(ctx context.Context, first, last uint64) (*client.BlockRange, error)
	FetchTransactionReceipts(ctx context.Context, refs []chain.TransactionRef) ([]chain.ReceiptParams, []chain.LogParams, error)
}

// HeadSubscriber pushes newHeads notifications. Purely a nudge for the
// realtime loop; the fetcher works without one.
type HeadSubscriber interface {
	SubscribeNewHeads(ctx context.Context, ch chan<- client.HeadNotification) error
}

// Importer atomically ingests a block batch.
type Importer interface {
	Import(ctx context.Context, opts storage.Options) (*storage.Imported, error)
}

// Store answers the read queries the catch-up loop needs.
type Store interface {
	// MissingBlockRanges returns the sub-ranges of r with no consensus
	// block, in the direction of r.
	MissingBlockRanges(ctx context.Context, r sequence.Range) ([]sequence.Range, error)
}

// BalanceSink accepts balance backfill work.
type BalanceSink interface {
	AsyncFetch(refs []chain.BalanceRef)
}

// InternalTransactionSink accepts trace backfill work.
type InternalTransactionSink interface {
	AsyncFetch(refs []chain.TransactionRef)
}

// TokenBalanceSink accepts token balance backfill work.
type TokenBalanceSink interface {
	AsyncFetch(refs []chain.TokenBalanceRef)
}

// Config tunes the block fetcher.
type Config struct {
	// BlockInterval is the nominal inter-block time; the realtime loop ticks
	// at half of it and the catch-up timer backs off from it.
	BlockInterval time.Duration

	BlocksBatchSize     int
	BlocksConcurrency   int
	ReceiptsBatchSize   int
	ReceiptsConcurrency int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BlockInterval <= 0 {
		out.BlockInterval = 5 * time.Second
	}
	if out.BlocksBatchSize <= 0 {
		out.BlocksBatchSize = 10
	}
	if out.BlocksConcurrency <= 0 {
		out.BlocksConcurrency = 10
	}
	if out.ReceiptsBatchSize <= 0 {
		out.ReceiptsBatchSize = 250
	}
	if out.ReceiptsConcurrency <= 0 {
		out.ReceiptsConcurrency = 10
	}
	return out
}

// Deps are the collaborators of a Fetcher. Heads and Metrics are optional.
type Deps struct {
	Node                 Node
	Heads                HeadSubscriber
	Store                Store
	Importer             Importer
	Balances             BalanceSink
	InternalTransactions InternalTransactionSink
	TokenBalances        TokenBalanceSink
	Metrics              *Metrics
	Logger               *zap.Logger
}

// Fetcher runs the catch-up and realtime ingestion loops.
type Fetcher struct {
	cfg     Config
	node    Node
	heads   HeadSubscriber
	store   Store
	imp     Importer
	bal     BalanceSink
	itx     InternalTransactionSink
	tb      TokenBalanceSink
	metrics *Metrics
	logger  *zap.Logger
}

// NewFetcher wires a Fetcher from its dependencies.
func NewFetcher(cfg Config, deps Deps) (*Fetcher, error) {
	if deps.Node == nil || deps.Store == nil || deps.Importer == nil {
		return nil, errors.New("fetch: node, store and importer are required")
	}
	if deps.Balances == nil || deps.InternalTransactions == nil || deps.TokenBalances == nil {
		return nil, errors.New("fetch: async fetcher sinks are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg.withDefaults(),
		node:    deps.Node,
		heads:   deps.Heads,
		store:   deps.Store,
		imp:     deps.Importer,
		bal:     deps.Balances,
		itx:     deps.InternalTransactions,
		tb:      deps.TokenBalances,
		metrics: deps.Metrics,
		logger:  deps.Logger.Named("block_fetcher"),
	}, nil
}

// Run blocks until ctx is cancelled, driving both loops. The catch-up timer
// doubles while nothing is missing and snaps back when gaps reappear.
func (f *Fetcher) Run(ctx context.Context) error {
	interval := task.NewBoundedInterval(f.cfg.BlockInterval, 16*f.cfg.BlockInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.realtimeLoop(ctx)
	}()
	defer wg.Wait()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		missing, err := f.catchUp(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			f.logger.Error("catch-up pass failed", zap.Error(err))
			interval.Increase()
		case missing == 0:
			interval.Increase()
		default:
			interval.Decrease()
		}
		timer.Reset(interval.Current())
	}
}

// maxPassFailureFactor bounds how many failed ranges one catch-up pass
// tolerates (per worker) before aborting; the store re-derives the remaining
// gaps on the next pass.
const maxPassFailureFactor = 3

// catchUp runs one backfill pass: everything below the tip that the store
// does not have yet. Returns the number of missing blocks found.
func (f *Fetcher) catchUp(ctx context.Context) (uint64, error) {
	latest, err := f.node.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest block number: %w", err)
	}
	f.metrics.TipHeight.Set(float64(latest))

	// The realtime loop owns the tip itself.
	upper := uint64(0)
	if latest > 0 {
		upper = latest - 1
	}

	ranges, err := f.store.MissingBlockRanges(ctx, sequence.Range{First: upper, Last: 0})
	if err != nil {
		return 0, fmt.Errorf("missing block ranges: %w", err)
	}
	var missing uint64
	for _, r := range ranges {
		missing += r.Len()
	}
	f.metrics.MissingBlocks.Set(float64(missing))
	if missing == 0 {
		return 0, nil
	}

	seq, err := sequence.New(ranges, -f.cfg.BlocksBatchSize)
	if err != nil {
		return 0, fmt.Errorf("build sequence: %w", err)
	}

	f.logger.Info("starting catch-up pass",
		zap.Uint64("latest", latest),
		zap.Uint64("missing_blocks", missing),
		zap.Int("ranges", len(ranges)),
	)

	var failures atomic.Int64
	maxFailures := int64(maxPassFailureFactor * f.cfg.BlocksConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < f.cfg.BlocksConcurrency; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r, err := seq.Pop()
				if errors.Is(err, sequence.ErrHalt) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := f.importRange(gctx, seq, r); err != nil {
					f.logger.Warn("range import failed",
						zap.Uint64("first", r.First),
						zap.Uint64("last", r.Last),
						zap.Error(err),
					)
					if failures.Add(1) >= maxFailures {
						return fmt.Errorf("too many failed ranges: %w", err)
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return missing, err
	}
	return missing, nil
}

// realtimeLoop fetches [latest, latest+1] at half the block interval, nudged
// early by pushed heads when a subscription is configured. Tasks overlap
// with each other and with catch-up; upserts keep that safe.
func (f *Fetcher) realtimeLoop(ctx context.Context) {
	period := f.cfg.BlockInterval / 2
	if period <= 0 {
		period = time.Second
	}

	heads := make(chan client.HeadNotification, 16)
	var wg sync.WaitGroup
	defer wg.Wait()
	if f.heads != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if err := f.heads.SubscribeNewHeads(ctx, heads); err != nil && ctx.Err() == nil {
					f.logger.Warn("head subscription dropped", zap.Error(err))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(period):
				}
			}
		}()
	}

	inflight := make(chan struct{}, 3)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case head := <-heads:
			f.metrics.TipHeight.Set(float64(head.Number))
		}

		select {
		case inflight <- struct{}{}:
		default:
			continue // enough tasks in flight already
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-inflight }()
			if err := f.realtimeTask(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("realtime task failed", zap.Error(err))
			}
		}()
	}
}

func (f *Fetcher) realtimeTask(ctx context.Context) error {
	latest, err := f.node.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("latest block number: %w", err)
	}
	f.metrics.TipHeight.Set(float64(latest))

	// One block of forward overlap absorbs tip advances between the
	// eth_blockNumber call and the range fetch.
	seq, err := sequence.New([]sequence.Range{{First: latest, Last: latest + 1}}, 2)
	if err != nil {
		return err
	}
	r, err := seq.Pop()
	if err != nil {
		return err
	}
	return f.importRange(ctx, seq, r)
}

// importRange fetches, assembles and imports one block range. Transport-level
// failures re-queue the range on seq; broken invariants do not, they abort
// the range and leave the rest of the pass running.
func (f *Fetcher) importRange(ctx context.Context, seq *sequence.Sequence, r sequence.Range) error {
	started := time.Now()

	br, err := f.node.FetchBlocksByRange(ctx, r.First, r.Last)
	if err != nil {
		f.requeue(seq, r)
		return fmt.Errorf("fetch blocks: %w", err)
	}
	if br.Next == client.NextEndOfChain {
		seq.Cap()
	}
	if len(br.Blocks) == 0 {
		return nil
	}

	receipts, logs, err := f.fetchReceipts(ctx, br.TransactionRefs)
	if err != nil {
		f.requeue(seq, r)
		return fmt.Errorf("fetch receipts: %w", err)
	}

	transactions, err := joinReceipts(br.Transactions, receipts)
	if err != nil {
		// Invariant broken; retrying cannot fix it.
		return err
	}

	transfers, tokens := ParseTokenTransfers(logs)
	extracted := ExtractAddresses(ExtractionInput{
		Blocks:         br.Blocks,
		Transactions:   transactions,
		Logs:           logs,
		TokenTransfers: transfers,
	})

	opts := storage.Options{
		Addresses:                  addressParams(extracted),
		AddressCoinBalances:        coinBalancePlaceholders(extracted),
		Blocks:                     br.Blocks,
		BlockSecondDegreeRelations: uncleRelations(br.Blocks),
		Transactions:               transactions,
		Logs:                       logs,
		Tokens:                     tokens,
		TokenTransfers:             transfers,
		TokenBalances:              tokenBalancePlaceholders(transfers),
		Broadcast:                  true,
	}
	if _, err := f.imp.Import(ctx, opts); err != nil {
		var ve *storage.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("import rejected: %w", err)
		}
		f.requeue(seq, r)
		return fmt.Errorf("import: %w", err)
	}

	f.metrics.BlocksImported.Add(float64(len(br.Blocks)))
	f.metrics.ImportDuration.Observe(time.Since(started).Seconds())

	f.bal.AsyncFetch(balanceRefs(extracted))
	f.itx.AsyncFetch(br.TransactionRefs)
	f.tb.AsyncFetch(tokenBalanceRefs(transfers))
	return nil
}

// fetchReceipts fetches all receipts for refs, chunked by the receipts batch
// size with bounded concurrency. The first failure cancels the rest.
func (f *Fetcher) fetchReceipts(ctx context.Context, refs []chain.TransactionRef) ([]chain.ReceiptParams, []chain.LogParams, error) {
	if len(refs) == 0 {
		return nil, nil, nil
	}

	var (
		mu       sync.Mutex
		receipts []chain.ReceiptParams
		logs     []chain.LogParams
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.ReceiptsConcurrency)

	for start := 0; start < len(refs); start += f.cfg.ReceiptsBatchSize {
		end := start + f.cfg.ReceiptsBatchSize
		if end > len(refs) {
			end = len(refs)
		}
		batch := refs[start:end]
		g.Go(func() error {
			rs, ls, err := f.node.FetchTransactionReceipts(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			receipts = append(receipts, rs...)
			logs = append(logs, ls...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return receipts, logs, nil
}

// joinReceipts collates transactions with their receipts. The join must be
// total: a transaction without a receipt is a broken invariant.
func joinReceipts(transactions []chain.TransactionParams, receipts []chain.ReceiptParams) ([]chain.TransactionParams, error) {
	byHash := make(map[common.Hash]*chain.ReceiptParams, len(receipts))
	for i := range receipts {
		byHash[receipts[i].TransactionHash] = &receipts[i]
	}

	out := make([]chain.TransactionParams, len(transactions))
	for i, tx := range transactions {
		receipt, ok := byHash[tx.Hash]
		if !ok {
			return nil, fmt.Errorf("no receipt for transaction %s", tx.Hash.Hex())
		}
		blockHash := receipt.BlockHash
		blockNumber := receipt.BlockNumber
		index := receipt.TransactionIndex
		cumulative := receipt.CumulativeGasUsed
		gasUsed := receipt.GasUsed

		tx.BlockHash = &blockHash
		tx.BlockNumber = &blockNumber
		tx.Index = &index
		tx.CumulativeGasUsed = &cumulative
		tx.GasUsed = &gasUsed
		tx.Status = receipt.Status
		tx.CreatedContractAddress = receipt.ContractAddress
		out[i] = tx
	}
	return out, nil
}

// uncleRelations links each block to its uncle hashes.
func uncleRelations(blocks []chain.BlockParams) []chain.SecondDegreeRelationParams {
	var out []chain.SecondDegreeRelationParams
	for _, b := range blocks {
		for _, uncle := range b.Uncles {
			out = append(out, chain.SecondDegreeRelationParams{NephewHash: b.Hash, UncleHash: uncle})
		}
	}
	return out
}

func (f *Fetcher) requeue(seq *sequence.Sequence, r sequence.Range) {
	f.metrics.RangesRequeued.Inc()
	if err := seq.Queue(r); err != nil {
		f.logger.Error("failed to re-queue range",
			zap.Uint64("first", r.First),
			zap.Uint64("last", r.Last),
			zap.Error(err),
		)
	}
}
