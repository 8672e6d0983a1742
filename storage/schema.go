package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the relational schema the importer writes to. Primary keys match
// the importer's conflict targets; referential order across tables is
// enforced by the importer's fixed step order rather than by constraints, so
// partial batches (balances without blocks, pending transactions) stay
// importable.
const Schema = `
CREATE TABLE IF NOT EXISTS addresses (
	hash bytea PRIMARY KEY,
	fetched_balance numeric,
	fetched_balance_block_number bigint,
	contract_code bytea,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS address_coin_balances (
	address_hash bytea NOT NULL,
	block_number bigint NOT NULL,
	value numeric,
	value_fetched_at timestamptz,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (address_hash, block_number)
);

CREATE INDEX IF NOT EXISTS address_coin_balances_unfetched_index
	ON address_coin_balances (address_hash, block_number)
	WHERE value_fetched_at IS NULL;

CREATE TABLE IF NOT EXISTS blocks (
	hash bytea PRIMARY KEY,
	number bigint NOT NULL,
	parent_hash bytea NOT NULL,
	miner_hash bytea NOT NULL,
	timestamp timestamptz NOT NULL,
	difficulty numeric,
	total_difficulty numeric,
	gas_used bigint NOT NULL,
	gas_limit bigint NOT NULL,
	size bigint,
	nonce bigint,
	consensus boolean NOT NULL DEFAULT false,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS blocks_number_index ON blocks (number);
CREATE INDEX IF NOT EXISTS blocks_consensus_number_index ON blocks (number) WHERE consensus;

CREATE TABLE IF NOT EXISTS block_second_degree_relations (
	nephew_hash bytea NOT NULL,
	uncle_hash bytea NOT NULL,
	uncle_fetched_at timestamptz,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (nephew_hash, uncle_hash)
);

CREATE INDEX IF NOT EXISTS block_second_degree_relations_uncle_index
	ON block_second_degree_relations (uncle_hash)
	WHERE uncle_fetched_at IS NULL;

CREATE TABLE IF NOT EXISTS block_rewards (
	address_hash bytea NOT NULL,
	address_type varchar NOT NULL,
	block_hash bytea NOT NULL,
	reward numeric,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (address_hash, address_type, block_hash)
);

CREATE TABLE IF NOT EXISTS transactions (
	hash bytea PRIMARY KEY,
	nonce bigint NOT NULL,
	from_address_hash bytea NOT NULL,
	to_address_hash bytea,
	value numeric NOT NULL,
	gas bigint NOT NULL,
	gas_price numeric,
	input bytea,
	v numeric,
	r numeric,
	s numeric,
	block_hash bytea,
	block_number bigint,
	index integer,
	cumulative_gas_used bigint,
	gas_used bigint,
	status smallint,
	error text,
	created_contract_address_hash bytea,
	internal_transactions_indexed_at timestamptz,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_block_number_index ON transactions (block_number);
CREATE INDEX IF NOT EXISTS transactions_unindexed_traces_index
	ON transactions (hash)
	WHERE internal_transactions_indexed_at IS NULL AND block_hash IS NOT NULL;

CREATE TABLE IF NOT EXISTS transaction_forks (
	uncle_hash bytea NOT NULL,
	index integer NOT NULL,
	hash bytea NOT NULL,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (uncle_hash, index)
);

CREATE TABLE IF NOT EXISTS internal_transactions (
	transaction_hash bytea NOT NULL,
	index integer NOT NULL,
	block_number bigint NOT NULL,
	type varchar NOT NULL,
	call_type varchar,
	from_address_hash bytea NOT NULL,
	to_address_hash bytea,
	value numeric NOT NULL,
	gas bigint NOT NULL,
	gas_used bigint NOT NULL,
	input bytea,
	output bytea,
	init bytea,
	created_contract_code bytea,
	created_contract_address_hash bytea,
	trace_address integer[] NOT NULL,
	error text,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (transaction_hash, index)
);

CREATE INDEX IF NOT EXISTS internal_transactions_block_number_index
	ON internal_transactions (block_number);

CREATE TABLE IF NOT EXISTS logs (
	transaction_hash bytea NOT NULL,
	index integer NOT NULL,
	block_hash bytea NOT NULL,
	block_number bigint NOT NULL,
	address_hash bytea NOT NULL,
	data bytea,
	first_topic bytea,
	second_topic bytea,
	third_topic bytea,
	fourth_topic bytea,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (transaction_hash, index)
);

CREATE INDEX IF NOT EXISTS logs_block_number_index ON logs (block_number);

CREATE TABLE IF NOT EXISTS tokens (
	contract_address_hash bytea PRIMARY KEY,
	type varchar NOT NULL,
	name text,
	symbol text,
	decimals smallint,
	holder_count bigint NOT NULL DEFAULT 0,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS token_transfers (
	transaction_hash bytea NOT NULL,
	log_index integer NOT NULL,
	block_hash bytea NOT NULL,
	block_number bigint NOT NULL,
	token_contract_address_hash bytea NOT NULL,
	from_address_hash bytea NOT NULL,
	to_address_hash bytea NOT NULL,
	amount numeric,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (transaction_hash, log_index)
);

CREATE INDEX IF NOT EXISTS token_transfers_block_number_index ON token_transfers (block_number);

CREATE TABLE IF NOT EXISTS address_token_balances (
	address_hash bytea NOT NULL,
	token_contract_address_hash bytea NOT NULL,
	block_number bigint NOT NULL,
	value numeric,
	value_fetched_at timestamptz,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (address_hash, token_contract_address_hash, block_number)
);

CREATE INDEX IF NOT EXISTS address_token_balances_unfetched_index
	ON address_token_balances (address_hash, token_contract_address_hash, block_number)
	WHERE value_fetched_at IS NULL;

CREATE INDEX IF NOT EXISTS address_token_balances_block_number_index
	ON address_token_balances (block_number);

CREATE TABLE IF NOT EXISTS address_current_token_balances (
	address_hash bytea NOT NULL,
	token_contract_address_hash bytea NOT NULL,
	block_number bigint NOT NULL,
	value numeric,
	inserted_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (address_hash, token_contract_address_hash)
);

CREATE INDEX IF NOT EXISTS address_current_token_balances_token_index
	ON address_current_token_balances (token_contract_address_hash);
`

// EnsureSchema creates any missing tables and indexes. Safe to run on every
// start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
