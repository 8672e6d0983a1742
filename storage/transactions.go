package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/blockscan-io/indexer-go/chain"
)

// runTransactions upserts transactions by hash. Collated transactions
// replace the stored row wholesale; pending ones only fill gaps so a later
// receipt-joined import is never degraded by a racing pending insert.
func (im *Importer) runTransactions(ctx context.Context, tx pgx.Tx, opts *Options) error {
	var collated, pending []chain.TransactionParams
	for _, t := range opts.Transactions {
		if t.Collated() {
			collated = append(collated, t)
		} else {
			pending = append(pending, t)
		}
	}
	if err := upsertCollatedTransactions(ctx, tx, collated); err != nil {
		return err
	}
	return insertPendingTransactions(ctx, tx, pending)
}

func sortTransactionsByHash(params []chain.TransactionParams) []chain.TransactionParams {
	out := make([]chain.TransactionParams, len(params))
	copy(out, params)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out
}

func transactionArgs(t chain.TransactionParams) []interface{} {
	var blockNumber, index, cumulative, gasUsed interface{}
	if t.BlockNumber != nil {
		blockNumber = int64(*t.BlockNumber)
	}
	if t.Index != nil {
		index = int32(*t.Index)
	}
	if t.CumulativeGasUsed != nil {
		cumulative = int64(*t.CumulativeGasUsed)
	}
	if t.GasUsed != nil {
		gasUsed = int64(*t.GasUsed)
	}
	return []interface{}{
		hashBytes(t.Hash), int64(t.Nonce), addrBytes(t.From), addrPtrBytes(t.To),
		numeric(t.Value), int64(t.Gas), numeric(t.GasPrice), t.Input,
		numeric(t.V), numeric(t.R), numeric(t.S),
		hashPtrBytes(t.BlockHash), blockNumber, index,
		cumulative, gasUsed, t.Status.DBValue(), t.Error,
		addrPtrBytes(t.CreatedContractAddress),
	}
}

var transactionColumnTypes = []string{
	"bytea", "bigint", "bytea", "bytea",
	"numeric", "bigint", "numeric", "bytea",
	"numeric", "numeric", "numeric",
	"bytea", "bigint", "integer",
	"bigint", "bigint", "smallint", "text",
	"bytea",
}

const transactionColumnList = `hash, nonce, from_address_hash, to_address_hash,
	value, gas, gas_price, input, v, r, s,
	block_hash, block_number, index,
	cumulative_gas_used, gas_used, status, error,
	created_contract_address_hash`

func upsertCollatedTransactions(ctx context.Context, tx pgx.Tx, params []chain.TransactionParams) error {
	params = sortTransactionsByHash(params)

	cols := len(transactionColumnTypes)
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, t := range chunk {
			args = append(args, transactionArgs(t)...)
		}

		query := fmt.Sprintf(`
			INSERT INTO transactions AS t (%[1]s, inserted_at, updated_at)
			SELECT %[2]s, now(), now()
			FROM (VALUES %[3]s) AS v (%[1]s)
			ON CONFLICT (hash) DO UPDATE SET
				nonce = EXCLUDED.nonce,
				from_address_hash = EXCLUDED.from_address_hash,
				to_address_hash = EXCLUDED.to_address_hash,
				value = EXCLUDED.value,
				gas = EXCLUDED.gas,
				gas_price = EXCLUDED.gas_price,
				input = EXCLUDED.input,
				v = EXCLUDED.v,
				r = EXCLUDED.r,
				s = EXCLUDED.s,
				block_hash = EXCLUDED.block_hash,
				block_number = EXCLUDED.block_number,
				index = EXCLUDED.index,
				cumulative_gas_used = EXCLUDED.cumulative_gas_used,
				gas_used = EXCLUDED.gas_used,
				status = EXCLUDED.status,
				error = EXCLUDED.error,
				created_contract_address_hash = EXCLUDED.created_contract_address_hash,
				inserted_at = LEAST(t.inserted_at, EXCLUDED.inserted_at),
				updated_at = GREATEST(t.updated_at, EXCLUDED.updated_at)`,
			transactionColumnList,
			valuesColumnRefs(transactionColumnList),
			typedValuesClause(transactionColumnTypes, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert collated transactions: %w", err)
		}
	}
	return nil
}

// insertPendingTransactions never overwrites: a stored row, collated or not,
// is at least as informed as a fresh pending observation.
func insertPendingTransactions(ctx context.Context, tx pgx.Tx, params []chain.TransactionParams) error {
	params = sortTransactionsByHash(params)

	cols := len(transactionColumnTypes)
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, t := range chunk {
			args = append(args, transactionArgs(t)...)
		}

		query := fmt.Sprintf(`
			INSERT INTO transactions (%[1]s, inserted_at, updated_at)
			SELECT %[2]s, now(), now()
			FROM (VALUES %[3]s) AS v (%[1]s)
			ON CONFLICT (hash) DO NOTHING`,
			transactionColumnList,
			valuesColumnRefs(transactionColumnList),
			typedValuesClause(transactionColumnTypes, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert pending transactions: %w", err)
		}
	}
	return nil
}

// runTransactionForks records caller-supplied fork snapshots; the block
// runner writes its own during reorg repair.
func (im *Importer) runTransactionForks(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.TransactionForkParams, len(opts.TransactionForks))
	copy(params, opts.TransactionForks)
	sort.Slice(params, func(i, j int) bool {
		if c := bytes.Compare(params[i].UncleHash[:], params[j].UncleHash[:]); c != 0 {
			return c < 0
		}
		return params[i].Index < params[j].Index
	})

	const cols = 3
	args := make([]interface{}, 0, len(params)*cols)
	for _, f := range params {
		args = append(args, hashBytes(f.UncleHash), int32(f.Index), hashBytes(f.Hash))
	}
	query := fmt.Sprintf(`
		INSERT INTO transaction_forks AS tf (uncle_hash, index, hash, inserted_at, updated_at)
		SELECT v.uncle_hash, v.index, v.hash, now(), now()
		FROM (VALUES %s) AS v (uncle_hash, index, hash)
		ON CONFLICT (uncle_hash, index) DO UPDATE SET
			hash = EXCLUDED.hash,
			updated_at = GREATEST(tf.updated_at, EXCLUDED.updated_at)`,
		typedValuesClause([]string{"bytea", "integer", "bytea"}, len(params)),
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert transaction forks: %w", err)
	}
	return nil
}

// runMarkIndexed stamps internal_transactions_indexed_at on the given
// transactions, traceless ones included.
func (im *Importer) runMarkIndexed(ctx context.Context, tx pgx.Tx, opts *Options) error {
	hashes := uniqueHashes(opts.MarkIndexedTransactionHashes)
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})

	_, err := tx.Exec(ctx, `
		UPDATE transactions SET
			internal_transactions_indexed_at = now(),
			updated_at = now()
		WHERE hash IN (
			SELECT hash FROM transactions
			WHERE hash = ANY($1::bytea[])
			ORDER BY hash
			FOR UPDATE
		)`,
		hashesToBytea(hashes),
	)
	if err != nil {
		return fmt.Errorf("mark internal transactions indexed: %w", err)
	}
	return nil
}
