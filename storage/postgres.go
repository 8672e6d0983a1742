package storage

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/sequence"
)

// Connect opens a pgx pool and verifies the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Store answers the read queries the fetch loops need.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore wraps a pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger.Named("store")}
}

// LatestBlockNumber returns the highest consensus block number, or ok=false
// on an empty chain.
func (s *Store) LatestBlockNumber(ctx context.Context) (number uint64, ok bool, err error) {
	var n *int64
	err = s.pool.QueryRow(ctx, `SELECT max(number) FROM blocks WHERE consensus`).Scan(&n)
	if err != nil {
		return 0, false, fmt.Errorf("latest block number: %w", err)
	}
	if n == nil {
		return 0, false, nil
	}
	return uint64(*n), true, nil
}

// MissingBlockRanges returns the sub-ranges of r that have no consensus
// block, ordered in the direction of r (high to low for a descending r).
func (s *Store) MissingBlockRanges(ctx context.Context, r sequence.Range) ([]sequence.Range, error) {
	lo, hi := r.First, r.Last
	if lo > hi {
		lo, hi = hi, lo
	}

	rows, err := s.pool.Query(ctx, `
		SELECT number, lead(number) OVER (ORDER BY number) AS next_number
		FROM blocks
		WHERE consensus AND number BETWEEN $1 AND $2
		ORDER BY number`,
		int64(lo), int64(hi),
	)
	if err != nil {
		return nil, fmt.Errorf("missing block ranges: %w", err)
	}
	defer rows.Close()

	var present []uint64
	for rows.Next() {
		var number int64
		var next *int64
		if err := rows.Scan(&number, &next); err != nil {
			return nil, fmt.Errorf("missing block ranges: %w", err)
		}
		present = append(present, uint64(number))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("missing block ranges: %w", err)
	}

	gaps := missingRanges(present, lo, hi)
	if !r.Ascending() {
		reverseRanges(gaps)
	}
	return gaps, nil
}

// missingRanges computes the gaps of present (sorted ascending) within
// [lo, hi], as ascending ranges.
func missingRanges(present []uint64, lo, hi uint64) []sequence.Range {
	var out []sequence.Range
	next := lo
	for _, n := range present {
		if n > next {
			out = append(out, sequence.Range{First: next, Last: n - 1})
		}
		if n >= next {
			next = n + 1
		}
	}
	if next <= hi {
		out = append(out, sequence.Range{First: next, Last: hi})
	}
	return out
}

// reverseRanges flips a list of ascending ranges into descending order, each
// range descending too.
func reverseRanges(ranges []sequence.Range) {
	for i, j := 0, len(ranges)-1; i < j; i, j = i+1, j-1 {
		ranges[i], ranges[j] = ranges[j], ranges[i]
	}
	for i := range ranges {
		ranges[i].First, ranges[i].Last = ranges[i].Last, ranges[i].First
	}
}

// StreamUnfetchedBalances pages through coin balance rows whose value has
// never been fetched, handing each page to buffer.
func (s *Store) StreamUnfetchedBalances(ctx context.Context, chunkSize int, buffer func([]chain.BalanceRef)) error {
	lastAddr := []byte{}
	lastBlock := int64(-1)
	for {
		rows, err := s.pool.Query(ctx, `
			SELECT address_hash, block_number
			FROM address_coin_balances
			WHERE value_fetched_at IS NULL
			  AND (address_hash, block_number) > ($1::bytea, $2::bigint)
			ORDER BY address_hash, block_number
			LIMIT $3`,
			lastAddr, lastBlock, chunkSize,
		)
		if err != nil {
			return fmt.Errorf("stream unfetched balances: %w", err)
		}

		page := make([]chain.BalanceRef, 0, chunkSize)
		for rows.Next() {
			var addr []byte
			var block int64
			if err := rows.Scan(&addr, &block); err != nil {
				rows.Close()
				return fmt.Errorf("stream unfetched balances: %w", err)
			}
			page = append(page, chain.BalanceRef{
				Address:     common.BytesToAddress(addr),
				BlockNumber: uint64(block),
			})
			lastAddr, lastBlock = addr, block
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stream unfetched balances: %w", err)
		}

		if len(page) > 0 {
			buffer(page)
		}
		if len(page) < chunkSize {
			return nil
		}
	}
}

// StreamTransactionsWithUnfetchedInternalTransactions pages through collated
// transactions whose traces have not been indexed.
func (s *Store) StreamTransactionsWithUnfetchedInternalTransactions(ctx context.Context, chunkSize int, buffer func([]chain.TransactionRef)) error {
	lastHash := []byte{}
	for {
		rows, err := s.pool.Query(ctx, `
			SELECT hash, block_number, gas
			FROM transactions
			WHERE internal_transactions_indexed_at IS NULL
			  AND block_hash IS NOT NULL
			  AND hash > $1::bytea
			ORDER BY hash
			LIMIT $2`,
			lastHash, chunkSize,
		)
		if err != nil {
			return fmt.Errorf("stream unindexed transactions: %w", err)
		}

		page := make([]chain.TransactionRef, 0, chunkSize)
		for rows.Next() {
			var hash []byte
			var block, gas int64
			if err := rows.Scan(&hash, &block, &gas); err != nil {
				rows.Close()
				return fmt.Errorf("stream unindexed transactions: %w", err)
			}
			page = append(page, chain.TransactionRef{
				Hash:        common.BytesToHash(hash),
				BlockNumber: uint64(block),
				Gas:         uint64(gas),
			})
			lastHash = hash
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stream unindexed transactions: %w", err)
		}

		if len(page) > 0 {
			buffer(page)
		}
		if len(page) < chunkSize {
			return nil
		}
	}
}

// StreamUnfetchedTokenBalances pages through token balance rows whose value
// has never been fetched.
func (s *Store) StreamUnfetchedTokenBalances(ctx context.Context, chunkSize int, buffer func([]chain.TokenBalanceRef)) error {
	lastAddr, lastToken := []byte{}, []byte{}
	lastBlock := int64(-1)
	for {
		rows, err := s.pool.Query(ctx, `
			SELECT address_hash, token_contract_address_hash, block_number
			FROM address_token_balances
			WHERE value_fetched_at IS NULL
			  AND (address_hash, token_contract_address_hash, block_number) > ($1::bytea, $2::bytea, $3::bigint)
			ORDER BY address_hash, token_contract_address_hash, block_number
			LIMIT $4`,
			lastAddr, lastToken, lastBlock, chunkSize,
		)
		if err != nil {
			return fmt.Errorf("stream unfetched token balances: %w", err)
		}

		page := make([]chain.TokenBalanceRef, 0, chunkSize)
		for rows.Next() {
			var addr, token []byte
			var block int64
			if err := rows.Scan(&addr, &token, &block); err != nil {
				rows.Close()
				return fmt.Errorf("stream unfetched token balances: %w", err)
			}
			page = append(page, chain.TokenBalanceRef{
				Address:       common.BytesToAddress(addr),
				TokenContract: common.BytesToAddress(token),
				BlockNumber:   uint64(block),
			})
			lastAddr, lastToken, lastBlock = addr, token, block
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stream unfetched token balances: %w", err)
		}

		if len(page) > 0 {
			buffer(page)
		}
		if len(page) < chunkSize {
			return nil
		}
	}
}
