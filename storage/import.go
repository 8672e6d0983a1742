package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/chain"
)

// Broadcaster publishes import results after commit. Delivery is
// best-effort; the import's success never depends on it.
type Broadcaster interface {
	BroadcastImported(imported *Imported)
}

// ImporterConfig bounds the import transaction.
type ImporterConfig struct {
	// TransactionTimeout caps the whole import transaction.
	TransactionTimeout time.Duration

	// RunnerTimeout caps each runner step inside it.
	RunnerTimeout time.Duration
}

func (c *ImporterConfig) withDefaults() ImporterConfig {
	out := *c
	if out.TransactionTimeout <= 0 {
		out.TransactionTimeout = 120 * time.Second
	}
	if out.RunnerTimeout <= 0 {
		out.RunnerTimeout = 60 * time.Second
	}
	return out
}

// Importer atomically ingests block batches. All selected runners execute in
// one transaction, in a fixed foreign-key-safe order, each locking rows in
// the canonical order so concurrent imports cannot deadlock.
type Importer struct {
	pool   *pgxpool.Pool
	bus    Broadcaster
	cfg    ImporterConfig
	logger *zap.Logger
}

// NewImporter builds an Importer. bus may be nil.
func NewImporter(pool *pgxpool.Pool, bus Broadcaster, cfg ImporterConfig, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{pool: pool, bus: bus, cfg: cfg.withDefaults(), logger: logger.Named("importer")}
}

// Import validates every changeset, then runs the selected runners in one
// transaction. A validation failure returns before any connection is taken.
func (im *Importer) Import(ctx context.Context, opts Options) (*Imported, error) {
	if errs := validateOptions(&opts); len(errs) > 0 {
		return nil, &ValidationError{Errs: errs}
	}
	if opts.Empty() {
		return &Imported{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, im.cfg.TransactionTimeout)
	defer cancel()

	tx, err := im.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin import transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	// Foreign keys mandate this order.
	steps := []struct {
		name string
		skip bool
		run  func(context.Context, pgx.Tx, *Options) error
	}{
		{"addresses", len(opts.Addresses) == 0, im.runAddresses},
		{"address_coin_balances", len(opts.AddressCoinBalances) == 0, im.runCoinBalances},
		{"blocks", len(opts.Blocks) == 0, im.runBlocks},
		{"block_second_degree_relations", len(opts.BlockSecondDegreeRelations) == 0, im.runSecondDegreeRelations},
		{"transactions", len(opts.Transactions) == 0, im.runTransactions},
		{"transaction_forks", len(opts.TransactionForks) == 0, im.runTransactionForks},
		{"internal_transactions", len(opts.InternalTransactions) == 0, im.runInternalTransactions},
		{"mark_internal_transactions_indexed", len(opts.MarkIndexedTransactionHashes) == 0, im.runMarkIndexed},
		{"logs", len(opts.Logs) == 0, im.runLogs},
		{"tokens", len(opts.Tokens) == 0, im.runTokens},
		{"token_transfers", len(opts.TokenTransfers) == 0, im.runTokenTransfers},
		{"address_token_balances", len(opts.TokenBalances) == 0, im.runTokenBalances},
		{"address_current_token_balances", len(opts.TokenBalances) == 0, im.runCurrentTokenBalances},
	}

	started := time.Now()
	for _, step := range steps {
		if step.skip {
			continue
		}
		stepCtx, stepCancel := context.WithTimeout(ctx, im.cfg.RunnerTimeout)
		err := step.run(stepCtx, tx, &opts)
		stepCancel()
		if err != nil {
			im.logger.Debug("import step failed",
				zap.String("step", step.name),
				zap.Error(err),
			)
			return nil, &StepError{Step: step.name, Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit import transaction: %w", err)
	}

	im.logger.Debug("import committed",
		zap.Int("blocks", len(opts.Blocks)),
		zap.Int("transactions", len(opts.Transactions)),
		zap.Duration("elapsed", time.Since(started)),
	)

	imported := &Imported{
		Addresses:            opts.Addresses,
		AddressCoinBalances:  opts.AddressCoinBalances,
		Blocks:               opts.Blocks,
		InternalTransactions: opts.InternalTransactions,
		Logs:                 opts.Logs,
		TokenTransfers:       opts.TokenTransfers,
		Transactions:         opts.Transactions,
	}
	if opts.Broadcast && im.bus != nil {
		im.bus.BroadcastImported(imported)
	}
	return imported, nil
}

// validateOptions runs every entity validation and collects all errors; no
// transaction is opened when any changeset is invalid.
func validateOptions(opts *Options) []error {
	var errs []error
	errs = append(errs, chain.ValidateAddresses(opts.Addresses)...)
	errs = append(errs, chain.ValidateCoinBalances(opts.AddressCoinBalances)...)
	errs = append(errs, chain.ValidateBlocks(opts.Blocks)...)
	errs = append(errs, chain.ValidateTransactions(opts.Transactions)...)
	errs = append(errs, chain.ValidateForks(opts.TransactionForks)...)
	errs = append(errs, chain.ValidateInternalTransactions(opts.InternalTransactions)...)
	errs = append(errs, chain.ValidateLogs(opts.Logs)...)
	errs = append(errs, chain.ValidateTokens(opts.Tokens)...)
	errs = append(errs, chain.ValidateTokenTransfers(opts.TokenTransfers)...)
	errs = append(errs, chain.ValidateTokenBalances(opts.TokenBalances)...)
	return errs
}
