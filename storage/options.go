// Package storage persists normalized chain data into PostgreSQL. The
// Importer ingests a complete block batch atomically, running per-entity
// runners in a fixed foreign-key-safe order inside one transaction; the
// Store answers the read queries the fetch loops need.
package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockscan-io/indexer-go/chain"
)

// Options selects which runners an import executes and carries their input.
// Absent (empty) groups are skipped; the transaction is never opened when
// every group is empty.
type Options struct {
	Addresses                  []chain.AddressParams
	AddressCoinBalances        []chain.CoinBalanceParams
	Blocks                     []chain.BlockParams
	BlockSecondDegreeRelations []chain.SecondDegreeRelationParams
	Transactions               []chain.TransactionParams
	TransactionForks           []chain.TransactionForkParams
	InternalTransactions       []chain.InternalTransactionParams
	Logs                       []chain.LogParams
	Tokens                     []chain.TokenParams
	TokenTransfers             []chain.TokenTransferParams
	TokenBalances              []chain.TokenBalanceParams

	// MarkIndexedTransactionHashes stamps internal_transactions_indexed_at
	// on these transactions after the internal transactions runner, covering
	// transactions whose replay produced no traces at all.
	MarkIndexedTransactionHashes []common.Hash

	// Broadcast publishes the imported groups on the event bus after commit.
	Broadcast bool

	// TokenReplaceAll makes the tokens runner overwrite metadata on conflict
	// instead of keeping the existing row.
	TokenReplaceAll bool
}

// Empty reports whether no runner has any work.
func (o *Options) Empty() bool {
	return len(o.Addresses) == 0 &&
		len(o.AddressCoinBalances) == 0 &&
		len(o.Blocks) == 0 &&
		len(o.BlockSecondDegreeRelations) == 0 &&
		len(o.Transactions) == 0 &&
		len(o.TransactionForks) == 0 &&
		len(o.InternalTransactions) == 0 &&
		len(o.Logs) == 0 &&
		len(o.Tokens) == 0 &&
		len(o.TokenTransfers) == 0 &&
		len(o.TokenBalances) == 0 &&
		len(o.MarkIndexedTransactionHashes) == 0
}

// Imported reports what an import wrote, grouped the way the event bus
// publishes it.
type Imported struct {
	Addresses            []chain.AddressParams
	AddressCoinBalances  []chain.CoinBalanceParams
	Blocks               []chain.BlockParams
	InternalTransactions []chain.InternalTransactionParams
	Logs                 []chain.LogParams
	TokenTransfers       []chain.TokenTransferParams
	Transactions         []chain.TransactionParams
}

// StepError reports which runner step failed inside the import transaction.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("import step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ValidationError aggregates every changeset violation found before the
// transaction opens. No write happens when it is returned.
type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("import rejected: %d validation errors (first: %v)", len(e.Errs), e.Errs[0])
}
