package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/blockscan-io/indexer-go/chain"
)

// runAddresses upserts address rows by hash. On conflict the earliest
// inserted_at and latest updated_at are kept, contract code is only ever set
// once, and the fetched balance moves forward only when the incoming
// observation is at least as recent.
func (im *Importer) runAddresses(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.AddressParams, len(opts.Addresses))
	copy(params, opts.Addresses)
	sort.Slice(params, func(i, j int) bool {
		return bytes.Compare(params[i].Hash[:], params[j].Hash[:]) < 0
	})

	const cols = 4
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, a := range chunk {
			var fetchedBlock interface{}
			if a.FetchedBalanceBlockNumber != nil {
				fetchedBlock = int64(*a.FetchedBalanceBlockNumber)
			}
			var code interface{}
			if len(a.ContractCode) > 0 {
				code = a.ContractCode
			}
			args = append(args, addrBytes(a.Hash), numeric(a.FetchedBalance), fetchedBlock, code)
		}

		query := fmt.Sprintf(`
			INSERT INTO addresses AS a
				(hash, fetched_balance, fetched_balance_block_number, contract_code, inserted_at, updated_at)
			SELECT v.hash, v.fetched_balance, v.fetched_balance_block_number, v.contract_code, now(), now()
			FROM (VALUES %s) AS v (hash, fetched_balance, fetched_balance_block_number, contract_code)
			ON CONFLICT (hash) DO UPDATE SET
				fetched_balance = CASE
					WHEN EXCLUDED.fetched_balance_block_number IS NOT NULL
					 AND (a.fetched_balance_block_number IS NULL
					      OR EXCLUDED.fetched_balance_block_number >= a.fetched_balance_block_number)
					THEN EXCLUDED.fetched_balance
					ELSE a.fetched_balance
				END,
				fetched_balance_block_number = CASE
					WHEN EXCLUDED.fetched_balance_block_number IS NOT NULL
					 AND (a.fetched_balance_block_number IS NULL
					      OR EXCLUDED.fetched_balance_block_number >= a.fetched_balance_block_number)
					THEN EXCLUDED.fetched_balance_block_number
					ELSE a.fetched_balance_block_number
				END,
				contract_code = COALESCE(a.contract_code, EXCLUDED.contract_code),
				inserted_at = LEAST(a.inserted_at, EXCLUDED.inserted_at),
				updated_at = GREATEST(a.updated_at, EXCLUDED.updated_at)`,
			typedValuesClause([]string{"bytea", "numeric", "bigint", "bytea"}, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert addresses: %w", err)
		}
	}
	return nil
}

// runCoinBalances upserts coin balance observations. A fetched value always
// beats a placeholder; between two fetched values the newer value_fetched_at
// wins.
func (im *Importer) runCoinBalances(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.CoinBalanceParams, len(opts.AddressCoinBalances))
	copy(params, opts.AddressCoinBalances)
	sort.Slice(params, func(i, j int) bool {
		if c := bytes.Compare(params[i].Address[:], params[j].Address[:]); c != 0 {
			return c < 0
		}
		return params[i].BlockNumber < params[j].BlockNumber
	})

	const cols = 4
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, b := range chunk {
			args = append(args, addrBytes(b.Address), int64(b.BlockNumber), numeric(b.Value), b.ValueFetchedAt)
		}

		query := fmt.Sprintf(`
			INSERT INTO address_coin_balances AS cb
				(address_hash, block_number, value, value_fetched_at, inserted_at, updated_at)
			SELECT v.address_hash, v.block_number, v.value, v.value_fetched_at, now(), now()
			FROM (VALUES %s) AS v (address_hash, block_number, value, value_fetched_at)
			ON CONFLICT (address_hash, block_number) DO UPDATE SET
				value = EXCLUDED.value,
				value_fetched_at = EXCLUDED.value_fetched_at,
				updated_at = GREATEST(cb.updated_at, EXCLUDED.updated_at)
			WHERE EXCLUDED.value_fetched_at IS NOT NULL
			  AND (cb.value_fetched_at IS NULL OR EXCLUDED.value_fetched_at > cb.value_fetched_at)`,
			typedValuesClause([]string{"bytea", "bigint", "numeric", "timestamptz"}, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert coin balances: %w", err)
		}
	}
	return nil
}
