package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/blockscan-io/indexer-go/chain"
)

// runInternalTransactions upserts trace entries by (transaction_hash, index),
// replacing stored rows: a re-fetched trace is authoritative.
func (im *Importer) runInternalTransactions(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.InternalTransactionParams, len(opts.InternalTransactions))
	copy(params, opts.InternalTransactions)
	sort.Slice(params, func(i, j int) bool {
		if c := bytes.Compare(params[i].TransactionHash[:], params[j].TransactionHash[:]); c != 0 {
			return c < 0
		}
		return params[i].Index < params[j].Index
	})

	types := []string{
		"bytea", "integer", "bigint", "varchar", "varchar",
		"bytea", "bytea", "numeric", "bigint", "bigint",
		"bytea", "bytea", "bytea", "bytea", "bytea",
		"integer[]", "text",
	}
	cols := len(types)
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, it := range chunk {
			args = append(args,
				hashBytes(it.TransactionHash), int32(it.Index), int64(it.BlockNumber),
				it.Type.String(), it.CallType,
				addrBytes(it.From), addrPtrBytes(it.To), numeric(it.Value),
				int64(it.Gas), int64(it.GasUsed),
				it.Input, it.Output, it.Init, it.CreatedContractCode,
				addrPtrBytes(it.CreatedContractAddress),
				traceAddressToInt32s(it.TraceAddress), it.Error,
			)
		}

		query := fmt.Sprintf(`
			INSERT INTO internal_transactions AS it
				(transaction_hash, index, block_number, type, call_type,
				 from_address_hash, to_address_hash, value, gas, gas_used,
				 input, output, init, created_contract_code,
				 created_contract_address_hash, trace_address, error,
				 inserted_at, updated_at)
			SELECT v.transaction_hash, v.index, v.block_number, v.type, v.call_type,
			       v.from_address_hash, v.to_address_hash, v.value, v.gas, v.gas_used,
			       v.input, v.output, v.init, v.created_contract_code,
			       v.created_contract_address_hash, v.trace_address, v.error,
			       now(), now()
			FROM (VALUES %s) AS v
				(transaction_hash, index, block_number, type, call_type,
				 from_address_hash, to_address_hash, value, gas, gas_used,
				 input, output, init, created_contract_code,
				 created_contract_address_hash, trace_address, error)
			ON CONFLICT (transaction_hash, index) DO UPDATE SET
				block_number = EXCLUDED.block_number,
				type = EXCLUDED.type,
				call_type = EXCLUDED.call_type,
				from_address_hash = EXCLUDED.from_address_hash,
				to_address_hash = EXCLUDED.to_address_hash,
				value = EXCLUDED.value,
				gas = EXCLUDED.gas,
				gas_used = EXCLUDED.gas_used,
				input = EXCLUDED.input,
				output = EXCLUDED.output,
				init = EXCLUDED.init,
				created_contract_code = EXCLUDED.created_contract_code,
				created_contract_address_hash = EXCLUDED.created_contract_address_hash,
				trace_address = EXCLUDED.trace_address,
				error = EXCLUDED.error,
				inserted_at = LEAST(it.inserted_at, EXCLUDED.inserted_at),
				updated_at = GREATEST(it.updated_at, EXCLUDED.updated_at)`,
			typedValuesClause(types, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert internal transactions: %w", err)
		}
	}
	return nil
}

// runLogs upserts event logs by (transaction_hash, index), spreading topics
// over the fixed topic columns.
func (im *Importer) runLogs(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.LogParams, len(opts.Logs))
	copy(params, opts.Logs)
	sort.Slice(params, func(i, j int) bool {
		if c := bytes.Compare(params[i].TransactionHash[:], params[j].TransactionHash[:]); c != 0 {
			return c < 0
		}
		return params[i].Index < params[j].Index
	})

	types := []string{
		"bytea", "integer", "bytea", "bigint", "bytea", "bytea",
		"bytea", "bytea", "bytea", "bytea",
	}
	cols := len(types)
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, l := range chunk {
			topics := topicColumns(l.Topics)
			args = append(args,
				hashBytes(l.TransactionHash), int32(l.Index),
				hashBytes(l.BlockHash), int64(l.BlockNumber),
				addrBytes(l.Address), l.Data,
				topics[0], topics[1], topics[2], topics[3],
			)
		}

		query := fmt.Sprintf(`
			INSERT INTO logs AS lg
				(transaction_hash, index, block_hash, block_number, address_hash, data,
				 first_topic, second_topic, third_topic, fourth_topic,
				 inserted_at, updated_at)
			SELECT v.transaction_hash, v.index, v.block_hash, v.block_number,
			       v.address_hash, v.data,
			       v.first_topic, v.second_topic, v.third_topic, v.fourth_topic,
			       now(), now()
			FROM (VALUES %s) AS v
				(transaction_hash, index, block_hash, block_number, address_hash, data,
				 first_topic, second_topic, third_topic, fourth_topic)
			ON CONFLICT (transaction_hash, index) DO UPDATE SET
				block_hash = EXCLUDED.block_hash,
				block_number = EXCLUDED.block_number,
				address_hash = EXCLUDED.address_hash,
				data = EXCLUDED.data,
				first_topic = EXCLUDED.first_topic,
				second_topic = EXCLUDED.second_topic,
				third_topic = EXCLUDED.third_topic,
				fourth_topic = EXCLUDED.fourth_topic,
				inserted_at = LEAST(lg.inserted_at, EXCLUDED.inserted_at),
				updated_at = GREATEST(lg.updated_at, EXCLUDED.updated_at)`,
			typedValuesClause(types, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert logs: %w", err)
		}
	}
	return nil
}
