package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/blockscan-io/indexer-go/chain"
)

// runTokens inserts token contracts. By default an existing row wins, since
// catalogued metadata is usually richer than what a transfer log implies;
// TokenReplaceAll flips that for metadata refresh imports.
func (im *Importer) runTokens(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.TokenParams, len(opts.Tokens))
	copy(params, opts.Tokens)
	sort.Slice(params, func(i, j int) bool {
		return bytes.Compare(params[i].ContractAddress[:], params[j].ContractAddress[:]) < 0
	})

	types := []string{"bytea", "varchar", "text", "text", "smallint", "bigint"}
	cols := len(types)
	args := make([]interface{}, 0, len(params)*cols)
	for _, t := range params {
		var decimals, holders interface{}
		if t.Decimals != nil {
			decimals = int16(*t.Decimals)
		}
		if t.HolderCount != nil {
			holders = int64(*t.HolderCount)
		}
		args = append(args, addrBytes(t.ContractAddress), t.Type, t.Name, t.Symbol, decimals, holders)
	}

	conflict := `DO NOTHING`
	if opts.TokenReplaceAll {
		conflict = `DO UPDATE SET
			type = EXCLUDED.type,
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			updated_at = GREATEST(tk.updated_at, EXCLUDED.updated_at)`
	}
	query := fmt.Sprintf(`
		INSERT INTO tokens AS tk
			(contract_address_hash, type, name, symbol, decimals, holder_count, inserted_at, updated_at)
		SELECT v.contract_address_hash, v.type, v.name, v.symbol, v.decimals,
		       COALESCE(v.holder_count, 0), now(), now()
		FROM (VALUES %s) AS v (contract_address_hash, type, name, symbol, decimals, holder_count)
		ON CONFLICT (contract_address_hash) %s`,
		typedValuesClause(types, len(params)), conflict,
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert tokens: %w", err)
	}
	return nil
}

// runTokenTransfers upserts decoded transfers by (transaction_hash, log_index).
func (im *Importer) runTokenTransfers(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.TokenTransferParams, len(opts.TokenTransfers))
	copy(params, opts.TokenTransfers)
	sort.Slice(params, func(i, j int) bool {
		if c := bytes.Compare(params[i].TransactionHash[:], params[j].TransactionHash[:]); c != 0 {
			return c < 0
		}
		return params[i].LogIndex < params[j].LogIndex
	})

	types := []string{"bytea", "integer", "bytea", "bigint", "bytea", "bytea", "bytea", "numeric"}
	cols := len(types)
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, tr := range chunk {
			args = append(args,
				hashBytes(tr.TransactionHash), int32(tr.LogIndex),
				hashBytes(tr.BlockHash), int64(tr.BlockNumber),
				addrBytes(tr.TokenContract), addrBytes(tr.From), addrBytes(tr.To),
				numeric(tr.Amount),
			)
		}

		query := fmt.Sprintf(`
			INSERT INTO token_transfers AS tt
				(transaction_hash, log_index, block_hash, block_number,
				 token_contract_address_hash, from_address_hash, to_address_hash, amount,
				 inserted_at, updated_at)
			SELECT v.transaction_hash, v.log_index, v.block_hash, v.block_number,
			       v.token_contract_address_hash, v.from_address_hash, v.to_address_hash, v.amount,
			       now(), now()
			FROM (VALUES %s) AS v
				(transaction_hash, log_index, block_hash, block_number,
				 token_contract_address_hash, from_address_hash, to_address_hash, amount)
			ON CONFLICT (transaction_hash, log_index) DO UPDATE SET
				block_hash = EXCLUDED.block_hash,
				block_number = EXCLUDED.block_number,
				token_contract_address_hash = EXCLUDED.token_contract_address_hash,
				from_address_hash = EXCLUDED.from_address_hash,
				to_address_hash = EXCLUDED.to_address_hash,
				amount = EXCLUDED.amount,
				inserted_at = LEAST(tt.inserted_at, EXCLUDED.inserted_at),
				updated_at = GREATEST(tt.updated_at, EXCLUDED.updated_at)`,
			typedValuesClause(types, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert token transfers: %w", err)
		}
	}
	return nil
}

// runTokenBalances upserts per-block token balance observations. A fetched
// value replaces a placeholder or an older fetch; a placeholder never
// clobbers a fetched value.
func (im *Importer) runTokenBalances(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.TokenBalanceParams, len(opts.TokenBalances))
	copy(params, opts.TokenBalances)
	sort.Slice(params, func(i, j int) bool { return tokenBalanceLess(params[i], params[j]) })

	types := []string{"bytea", "bytea", "bigint", "numeric", "timestamptz"}
	cols := len(types)
	for start := 0; start < len(params); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(params) {
			end = len(params)
		}
		chunk := params[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, b := range chunk {
			args = append(args,
				addrBytes(b.Address), addrBytes(b.TokenContract), int64(b.BlockNumber),
				numeric(b.Value), b.ValueFetchedAt,
			)
		}

		query := fmt.Sprintf(`
			INSERT INTO address_token_balances AS tb
				(address_hash, token_contract_address_hash, block_number, value, value_fetched_at,
				 inserted_at, updated_at)
			SELECT v.address_hash, v.token_contract_address_hash, v.block_number,
			       v.value, v.value_fetched_at, now(), now()
			FROM (VALUES %s) AS v
				(address_hash, token_contract_address_hash, block_number, value, value_fetched_at)
			ON CONFLICT (address_hash, token_contract_address_hash, block_number) DO UPDATE SET
				value = EXCLUDED.value,
				value_fetched_at = EXCLUDED.value_fetched_at,
				updated_at = GREATEST(tb.updated_at, EXCLUDED.updated_at)
			WHERE EXCLUDED.value_fetched_at IS NOT NULL
			  AND (tb.value_fetched_at IS NULL OR EXCLUDED.value_fetched_at > tb.value_fetched_at)`,
			typedValuesClause(types, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert token balances: %w", err)
		}
	}
	return nil
}

func tokenBalanceLess(a, b chain.TokenBalanceParams) bool {
	if c := bytes.Compare(a.Address[:], b.Address[:]); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.TokenContract[:], b.TokenContract[:]); c != 0 {
		return c < 0
	}
	return a.BlockNumber < b.BlockNumber
}

// currentTokenBalances reduces fetched observations to the newest per
// (address, token) pair, sorted.
func currentTokenBalances(params []chain.TokenBalanceParams) []chain.TokenBalanceParams {
	type pair struct {
		address common.Address
		token   common.Address
	}
	latest := make(map[pair]chain.TokenBalanceParams)
	for _, b := range params {
		if b.ValueFetchedAt == nil {
			continue
		}
		key := pair{b.Address, b.TokenContract}
		if cur, ok := latest[key]; !ok || b.BlockNumber > cur.BlockNumber {
			latest[key] = b
		}
	}
	out := make([]chain.TokenBalanceParams, 0, len(latest))
	for _, b := range latest {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return tokenBalanceLess(out[i], out[j]) })
	return out
}

// affectedTokenContracts collects the distinct token contracts of a batch,
// sorted.
func affectedTokenContracts(params []chain.TokenBalanceParams) [][]byte {
	seen := make(map[common.Address]struct{})
	var out [][]byte
	for _, b := range params {
		if _, ok := seen[b.TokenContract]; ok {
			continue
		}
		seen[b.TokenContract] = struct{}{}
		out = append(out, addrBytes(b.TokenContract))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// runCurrentTokenBalances projects the newest fetched observation per
// (address, token) into address_current_token_balances and recounts the
// holders of every touched token.
func (im *Importer) runCurrentTokenBalances(ctx context.Context, tx pgx.Tx, opts *Options) error {
	current := currentTokenBalances(opts.TokenBalances)
	if len(current) == 0 {
		return nil
	}

	types := []string{"bytea", "bytea", "bigint", "numeric"}
	cols := len(types)
	args := make([]interface{}, 0, len(current)*cols)
	for _, b := range current {
		args = append(args,
			addrBytes(b.Address), addrBytes(b.TokenContract), int64(b.BlockNumber), numeric(b.Value),
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO address_current_token_balances AS cb
			(address_hash, token_contract_address_hash, block_number, value, inserted_at, updated_at)
		SELECT v.address_hash, v.token_contract_address_hash, v.block_number, v.value, now(), now()
		FROM (VALUES %s) AS v (address_hash, token_contract_address_hash, block_number, value)
		ON CONFLICT (address_hash, token_contract_address_hash) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			value = EXCLUDED.value,
			updated_at = GREATEST(cb.updated_at, EXCLUDED.updated_at)
		WHERE EXCLUDED.block_number >= cb.block_number`,
		typedValuesClause(types, len(current)),
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert current token balances: %w", err)
	}

	return refreshHolderCounts(ctx, tx, affectedTokenContracts(current))
}
