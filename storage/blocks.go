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

// consensusBatch is the shape of an incoming block batch the reorg steps
// work from.
type consensusBatch struct {
	// numbers are the consensus block numbers of the batch, sorted ascending
	// and deduplicated.
	numbers []int64
	// hashes and parentHashes align with the consensus blocks sorted by
	// number.
	hashes       [][]byte
	parentHashes [][]byte
	// nonConsensusHashes are the incoming blocks arriving as uncles.
	nonConsensusHashes [][]byte
	allHashes          [][]byte
}

func newConsensusBatch(blocks []chain.BlockParams) consensusBatch {
	ordered := make([]chain.BlockParams, len(blocks))
	copy(ordered, blocks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	var out consensusBatch
	seen := make(map[uint64]struct{})
	for _, b := range ordered {
		out.allHashes = append(out.allHashes, hashBytes(b.Hash))
		if !b.Consensus {
			out.nonConsensusHashes = append(out.nonConsensusHashes, hashBytes(b.Hash))
			continue
		}
		if _, dup := seen[b.Number]; dup {
			continue
		}
		seen[b.Number] = struct{}{}
		out.numbers = append(out.numbers, int64(b.Number))
		out.hashes = append(out.hashes, hashBytes(b.Hash))
		out.parentHashes = append(out.parentHashes, hashBytes(b.ParentHash))
	}
	return out
}

type forkedTransaction struct {
	hash      []byte
	uncleHash []byte
	index     int32
}

// runBlocks upserts the incoming blocks and repairs consensus around them:
// competing blocks lose consensus, their transactions become pending again
// and are snapshotted as forks, and the token balance projections affected
// by the reorg are rebuilt.
func (im *Importer) runBlocks(ctx context.Context, tx pgx.Tx, opts *Options) error {
	batch := newConsensusBatch(opts.Blocks)

	// 1. Snapshot transactions that are about to be forked, before their
	// collation is wiped.
	forked, err := lockForkedTransactions(ctx, tx, batch)
	if err != nil {
		return err
	}
	if err := upsertForkSnapshots(ctx, tx, forked); err != nil {
		return err
	}

	// 2. Competing persisted blocks at incoming consensus numbers lose
	// consensus.
	affected, err := loseConsensus(ctx, tx, batch)
	if err != nil {
		return err
	}

	// 3. So do neighbours whose chain linkage contradicts the incoming
	// blocks.
	neighbours, err := loseInvalidNeighbourConsensus(ctx, tx, batch)
	if err != nil {
		return err
	}
	affected = mergeNumbers(affected, neighbours)

	// 4. Their derived data goes away.
	if err := removeNonConsensusData(ctx, tx, affected); err != nil {
		return err
	}

	// 5. Forked transactions become pending again.
	if err := forkTransactions(ctx, tx, forked); err != nil {
		return err
	}

	// 6-7. Token balances at the affected numbers are deleted and the
	// current-balance projection is rebuilt from what remains.
	pairs, tokens, err := deleteAddressTokenBalances(ctx, tx, affected)
	if err != nil {
		return err
	}
	if err := deriveCurrentTokenBalances(ctx, tx, pairs); err != nil {
		return err
	}

	// 8. Holder counts follow the rebuilt projection.
	if err := refreshHolderCounts(ctx, tx, tokens); err != nil {
		return err
	}

	// 9. Block rewards of replaced blocks are wiped.
	if err := deleteRewards(ctx, tx, batch); err != nil {
		return err
	}

	// 10. The incoming blocks land.
	if err := upsertBlocks(ctx, tx, opts.Blocks); err != nil {
		return err
	}

	// 11. Uncle relations waiting for these blocks are marked fetched.
	if err := markUncleFetched(ctx, tx, batch.allHashes); err != nil {
		return err
	}

	// 12. Denormalized trace block numbers follow re-collated transactions.
	return refreshInternalTransactionBlockNumbers(ctx, tx, batch.hashes)
}

// lockForkedTransactions selects, in canonical order and FOR UPDATE, every
// persisted transaction collated into a block the incoming batch replaces:
// either a different hash at an incoming consensus number, or a block now
// arriving as an uncle.
func lockForkedTransactions(ctx context.Context, tx pgx.Tx, batch consensusBatch) ([]forkedTransaction, error) {
	if len(batch.numbers) == 0 && len(batch.nonConsensusHashes) == 0 {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT hash, block_hash, index
		FROM transactions
		WHERE block_hash IS NOT NULL
		  AND ((block_number = ANY($1::bigint[]) AND block_hash <> ALL($2::bytea[]))
		       OR block_hash = ANY($3::bytea[]))
		ORDER BY block_hash, index
		FOR UPDATE`,
		batch.numbers, batch.hashes, batch.nonConsensusHashes,
	)
	if err != nil {
		return nil, fmt.Errorf("lock forked transactions: %w", err)
	}
	defer rows.Close()

	var out []forkedTransaction
	for rows.Next() {
		var f forkedTransaction
		if err := rows.Scan(&f.hash, &f.uncleHash, &f.index); err != nil {
			return nil, fmt.Errorf("lock forked transactions: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock forked transactions: %w", err)
	}
	return out, nil
}

func upsertForkSnapshots(ctx context.Context, tx pgx.Tx, forked []forkedTransaction) error {
	if len(forked) == 0 {
		return nil
	}
	// Already in (uncle_hash, index) order from the locking select.
	const cols = 3
	args := make([]interface{}, 0, len(forked)*cols)
	for _, f := range forked {
		args = append(args, f.uncleHash, f.index, f.hash)
	}
	query := fmt.Sprintf(`
		INSERT INTO transaction_forks AS tf (uncle_hash, index, hash, inserted_at, updated_at)
		SELECT v.uncle_hash, v.index, v.hash, now(), now()
		FROM (VALUES %s) AS v (uncle_hash, index, hash)
		ON CONFLICT (uncle_hash, index) DO UPDATE SET
			hash = EXCLUDED.hash,
			updated_at = GREATEST(tf.updated_at, EXCLUDED.updated_at)`,
		typedValuesClause([]string{"bytea", "integer", "bytea"}, len(forked)),
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("snapshot transaction forks: %w", err)
	}
	return nil
}

func loseConsensus(ctx context.Context, tx pgx.Tx, batch consensusBatch) ([]int64, error) {
	if len(batch.numbers) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		UPDATE blocks SET consensus = false, updated_at = now()
		WHERE hash IN (
			SELECT hash FROM blocks
			WHERE number = ANY($1::bigint[]) AND hash <> ALL($2::bytea[])
			ORDER BY hash
			FOR UPDATE
		)
		RETURNING number`,
		batch.numbers, batch.hashes,
	)
	if err != nil {
		return nil, fmt.Errorf("lose consensus: %w", err)
	}
	return collectNumbers(rows, "lose consensus")
}

func loseInvalidNeighbourConsensus(ctx context.Context, tx pgx.Tx, batch consensusBatch) ([]int64, error) {
	if len(batch.numbers) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		UPDATE blocks SET consensus = false, updated_at = now()
		WHERE hash IN (
			SELECT b.hash
			FROM blocks b
			JOIN (
				SELECT unnest($1::bigint[]) AS number,
				       unnest($2::bytea[]) AS hash,
				       unnest($3::bytea[]) AS parent_hash
			) inc ON (b.number = inc.number + 1 AND b.parent_hash <> inc.hash)
			      OR (b.number = inc.number - 1 AND b.hash <> inc.parent_hash)
			WHERE b.consensus AND b.hash <> ALL($2::bytea[])
			ORDER BY b.hash
			FOR UPDATE
		)
		RETURNING number`,
		batch.numbers, batch.hashes, batch.parentHashes,
	)
	if err != nil {
		return nil, fmt.Errorf("lose invalid neighbour consensus: %w", err)
	}
	return collectNumbers(rows, "lose invalid neighbour consensus")
}

// removeNonConsensusData deletes the derived rows of every block number that
// just lost consensus; each deletion locks in the canonical order of its
// table.
func removeNonConsensusData(ctx context.Context, tx pgx.Tx, numbers []int64) error {
	if len(numbers) == 0 {
		return nil
	}

	deletions := []struct {
		name  string
		query string
	}{
		{"token transfers", `
			DELETE FROM token_transfers
			WHERE (transaction_hash, log_index) IN (
				SELECT transaction_hash, log_index FROM token_transfers
				WHERE block_number = ANY($1::bigint[])
				ORDER BY transaction_hash, log_index
				FOR UPDATE
			)`},
		{"logs", `
			DELETE FROM logs
			WHERE (transaction_hash, index) IN (
				SELECT transaction_hash, index FROM logs
				WHERE block_number = ANY($1::bigint[])
				ORDER BY transaction_hash, index
				FOR UPDATE
			)`},
		{"internal transactions", `
			DELETE FROM internal_transactions
			WHERE (transaction_hash, index) IN (
				SELECT transaction_hash, index FROM internal_transactions
				WHERE block_number = ANY($1::bigint[])
				ORDER BY transaction_hash, index
				FOR UPDATE
			)`},
	}
	for _, d := range deletions {
		if _, err := tx.Exec(ctx, d.query, numbers); err != nil {
			return fmt.Errorf("remove nonconsensus %s: %w", d.name, err)
		}
	}
	return nil
}

// forkTransactions strips collation off the forked transactions; they are
// pending again until re-collated under the new consensus chain.
func forkTransactions(ctx context.Context, tx pgx.Tx, forked []forkedTransaction) error {
	if len(forked) == 0 {
		return nil
	}
	hashes := make([][]byte, len(forked))
	for i, f := range forked {
		hashes[i] = f.hash
	}
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET
			block_hash = NULL,
			block_number = NULL,
			index = NULL,
			gas_used = NULL,
			cumulative_gas_used = NULL,
			status = NULL,
			error = NULL,
			created_contract_address_hash = NULL,
			internal_transactions_indexed_at = NULL,
			updated_at = now()
		WHERE hash IN (
			SELECT hash FROM transactions
			WHERE hash = ANY($1::bytea[])
			ORDER BY hash
			FOR UPDATE
		)`,
		hashes,
	)
	if err != nil {
		return fmt.Errorf("fork transactions: %w", err)
	}
	return nil
}

// deleteAddressTokenBalances wipes token balance rows and the current
// projection at the reorged numbers, returning the affected (address, token)
// pairs and token contracts.
func deleteAddressTokenBalances(ctx context.Context, tx pgx.Tx, numbers []int64) (pairs [][2][]byte, tokens [][]byte, err error) {
	if len(numbers) == 0 {
		return nil, nil, nil
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM address_token_balances
		WHERE (address_hash, token_contract_address_hash, block_number) IN (
			SELECT address_hash, token_contract_address_hash, block_number
			FROM address_token_balances
			WHERE block_number = ANY($1::bigint[])
			ORDER BY address_hash, token_contract_address_hash, block_number
			FOR UPDATE
		)`,
		numbers,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("delete address token balances: %w", err)
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM address_current_token_balances
		WHERE (address_hash, token_contract_address_hash) IN (
			SELECT address_hash, token_contract_address_hash
			FROM address_current_token_balances
			WHERE block_number = ANY($1::bigint[])
			ORDER BY address_hash, token_contract_address_hash
			FOR UPDATE
		)
		RETURNING address_hash, token_contract_address_hash`,
		numbers,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("delete current token balances: %w", err)
	}
	defer rows.Close()

	tokenSet := make(map[string][]byte)
	for rows.Next() {
		var addr, token []byte
		if err := rows.Scan(&addr, &token); err != nil {
			return nil, nil, fmt.Errorf("delete current token balances: %w", err)
		}
		pairs = append(pairs, [2][]byte{addr, token})
		tokenSet[string(token)] = token
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("delete current token balances: %w", err)
	}
	for _, token := range tokenSet {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i], tokens[j]) < 0 })
	return pairs, tokens, nil
}

// deriveCurrentTokenBalances rebuilds the current projection for the
// affected pairs from the token balance rows that survived the reorg.
func deriveCurrentTokenBalances(ctx context.Context, tx pgx.Tx, pairs [][2][]byte) error {
	if len(pairs) == 0 {
		return nil
	}
	addrs := make([][]byte, len(pairs))
	tokens := make([][]byte, len(pairs))
	for i, p := range pairs {
		addrs[i], tokens[i] = p[0], p[1]
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO address_current_token_balances
			(address_hash, token_contract_address_hash, block_number, value, inserted_at, updated_at)
		SELECT DISTINCT ON (tb.address_hash, tb.token_contract_address_hash)
			tb.address_hash, tb.token_contract_address_hash, tb.block_number, tb.value, now(), now()
		FROM address_token_balances tb
		JOIN (
			SELECT unnest($1::bytea[]) AS address_hash,
			       unnest($2::bytea[]) AS token_contract_address_hash
		) affected USING (address_hash, token_contract_address_hash)
		WHERE tb.value_fetched_at IS NOT NULL
		ORDER BY tb.address_hash, tb.token_contract_address_hash, tb.block_number DESC`,
		addrs, tokens,
	)
	if err != nil {
		return fmt.Errorf("derive current token balances: %w", err)
	}
	return nil
}

// refreshHolderCounts recounts positive current balances per token. It is
// idempotent, which also makes the reorg path safe to retry.
func refreshHolderCounts(ctx context.Context, tx pgx.Tx, tokens [][]byte) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE tokens t SET
			holder_count = sub.holders,
			updated_at = now()
		FROM (
			SELECT hash, count(*) FILTER (WHERE value > 0) AS holders
			FROM (SELECT unnest($1::bytea[]) AS hash) wanted
			LEFT JOIN address_current_token_balances cb
				ON cb.token_contract_address_hash = wanted.hash
			GROUP BY hash
		) sub
		WHERE t.contract_address_hash = sub.hash`,
		tokens,
	)
	if err != nil {
		return fmt.Errorf("refresh holder counts: %w", err)
	}
	return nil
}

// deleteRewards wipes block rewards of replaced blocks: by hash for blocks
// arriving as uncles, by number for consensus replacements.
func deleteRewards(ctx context.Context, tx pgx.Tx, batch consensusBatch) error {
	if len(batch.numbers) == 0 && len(batch.nonConsensusHashes) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		DELETE FROM block_rewards
		WHERE (address_hash, address_type, block_hash) IN (
			SELECT br.address_hash, br.address_type, br.block_hash
			FROM block_rewards br
			JOIN blocks b ON b.hash = br.block_hash
			WHERE br.block_hash = ANY($1::bytea[])
			   OR (b.number = ANY($2::bigint[]) AND b.hash <> ALL($3::bytea[]))
			ORDER BY br.address_hash, br.address_type, br.block_hash
			FOR UPDATE
		)`,
		batch.nonConsensusHashes, batch.numbers, batch.hashes,
	)
	if err != nil {
		return fmt.Errorf("delete block rewards: %w", err)
	}
	return nil
}

// upsertBlocks writes the incoming blocks, replacing an existing row only
// when something actually changed so overlapping realtime and catch-up
// imports stay idempotent.
func upsertBlocks(ctx context.Context, tx pgx.Tx, blocks []chain.BlockParams) error {
	ordered := make([]chain.BlockParams, len(blocks))
	copy(ordered, blocks)
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i].Hash[:], ordered[j].Hash[:]) < 0
	})

	const cols = 12
	for start := 0; start < len(ordered); start += rowsPerChunk(cols) {
		end := start + rowsPerChunk(cols)
		if end > len(ordered) {
			end = len(ordered)
		}
		chunk := ordered[start:end]

		args := make([]interface{}, 0, len(chunk)*cols)
		for _, b := range chunk {
			args = append(args,
				hashBytes(b.Hash), int64(b.Number), hashBytes(b.ParentHash), addrBytes(b.Miner),
				b.Timestamp, numeric(b.Difficulty), numeric(b.TotalDifficulty),
				int64(b.GasUsed), int64(b.GasLimit), int64(b.Size), int64(b.Nonce), b.Consensus,
			)
		}

		query := fmt.Sprintf(`
			INSERT INTO blocks AS b
				(hash, number, parent_hash, miner_hash, timestamp, difficulty, total_difficulty,
				 gas_used, gas_limit, size, nonce, consensus, inserted_at, updated_at)
			SELECT v.hash, v.number, v.parent_hash, v.miner_hash, v.timestamp, v.difficulty,
			       v.total_difficulty, v.gas_used, v.gas_limit, v.size, v.nonce, v.consensus,
			       now(), now()
			FROM (VALUES %s) AS v
				(hash, number, parent_hash, miner_hash, timestamp, difficulty, total_difficulty,
				 gas_used, gas_limit, size, nonce, consensus)
			ON CONFLICT (hash) DO UPDATE SET
				number = EXCLUDED.number,
				parent_hash = EXCLUDED.parent_hash,
				miner_hash = EXCLUDED.miner_hash,
				timestamp = EXCLUDED.timestamp,
				difficulty = EXCLUDED.difficulty,
				total_difficulty = EXCLUDED.total_difficulty,
				gas_used = EXCLUDED.gas_used,
				gas_limit = EXCLUDED.gas_limit,
				size = EXCLUDED.size,
				nonce = EXCLUDED.nonce,
				consensus = EXCLUDED.consensus,
				inserted_at = LEAST(b.inserted_at, EXCLUDED.inserted_at),
				updated_at = GREATEST(b.updated_at, EXCLUDED.updated_at)
			WHERE (b.number, b.parent_hash, b.miner_hash, b.timestamp, b.difficulty,
			       b.total_difficulty, b.gas_used, b.gas_limit, b.size, b.nonce, b.consensus)
			      IS DISTINCT FROM
			      (EXCLUDED.number, EXCLUDED.parent_hash, EXCLUDED.miner_hash, EXCLUDED.timestamp,
			       EXCLUDED.difficulty, EXCLUDED.total_difficulty, EXCLUDED.gas_used,
			       EXCLUDED.gas_limit, EXCLUDED.size, EXCLUDED.nonce, EXCLUDED.consensus)`,
			typedValuesClause([]string{
				"bytea", "bigint", "bytea", "bytea", "timestamptz", "numeric", "numeric",
				"bigint", "bigint", "bigint", "bigint", "boolean",
			}, len(chunk)),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert blocks: %w", err)
		}
	}
	return nil
}

// markUncleFetched stamps relations whose uncle block just arrived.
func markUncleFetched(ctx context.Context, tx pgx.Tx, hashes [][]byte) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE block_second_degree_relations SET uncle_fetched_at = now()
		WHERE (nephew_hash, uncle_hash) IN (
			SELECT nephew_hash, uncle_hash FROM block_second_degree_relations
			WHERE uncle_hash = ANY($1::bytea[]) AND uncle_fetched_at IS NULL
			ORDER BY nephew_hash, uncle_hash
			FOR UPDATE
		)`,
		hashes,
	)
	if err != nil {
		return fmt.Errorf("mark uncles fetched: %w", err)
	}
	return nil
}

// refreshInternalTransactionBlockNumbers re-syncs the denormalized block
// number on traces whose transactions were just re-collated.
func refreshInternalTransactionBlockNumbers(ctx context.Context, tx pgx.Tx, consensusHashes [][]byte) error {
	if len(consensusHashes) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE internal_transactions it
		SET block_number = t.block_number
		FROM transactions t
		WHERE (it.transaction_hash, it.index) IN (
			SELECT i.transaction_hash, i.index
			FROM internal_transactions i
			JOIN transactions tt ON tt.hash = i.transaction_hash
			WHERE tt.block_hash = ANY($1::bytea[])
			  AND i.block_number IS DISTINCT FROM tt.block_number
			ORDER BY i.transaction_hash, i.index
			FOR UPDATE
		)
		AND t.hash = it.transaction_hash`,
		consensusHashes,
	)
	if err != nil {
		return fmt.Errorf("refresh internal transaction block numbers: %w", err)
	}
	return nil
}

// runSecondDegreeRelations upserts uncle links by (nephew, uncle).
func (im *Importer) runSecondDegreeRelations(ctx context.Context, tx pgx.Tx, opts *Options) error {
	params := make([]chain.SecondDegreeRelationParams, len(opts.BlockSecondDegreeRelations))
	copy(params, opts.BlockSecondDegreeRelations)
	sort.Slice(params, func(i, j int) bool {
		if c := bytes.Compare(params[i].NephewHash[:], params[j].NephewHash[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(params[i].UncleHash[:], params[j].UncleHash[:]) < 0
	})

	const cols = 2
	args := make([]interface{}, 0, len(params)*cols)
	for _, r := range params {
		args = append(args, hashBytes(r.NephewHash), hashBytes(r.UncleHash))
	}
	query := fmt.Sprintf(`
		INSERT INTO block_second_degree_relations (nephew_hash, uncle_hash, inserted_at, updated_at)
		SELECT v.nephew_hash, v.uncle_hash, now(), now()
		FROM (VALUES %s) AS v (nephew_hash, uncle_hash)
		ON CONFLICT (nephew_hash, uncle_hash) DO NOTHING`,
		typedValuesClause([]string{"bytea", "bytea"}, len(params)),
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert block second degree relations: %w", err)
	}
	return nil
}

func collectNumbers(rows pgx.Rows, op string) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// mergeNumbers unions two number sets, sorted.
func mergeNumbers(a, b []int64) []int64 {
	if len(a) == 0 {
		a = nil
	}
	set := make(map[int64]struct{}, len(a)+len(b))
	for _, n := range a {
		set[n] = struct{}{}
	}
	for _, n := range b {
		set[n] = struct{}{}
	}
	out := make([]int64, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// uniqueHashes deduplicates while keeping the first occurrence order.
func uniqueHashes(hashes []common.Hash) []common.Hash {
	seen := make(map[common.Hash]struct{}, len(hashes))
	out := make([]common.Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
