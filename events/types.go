// Package events broadcasts committed import results. The local Bus delivers
// chain events to in-process subscribers at most once; optional Kafka and
// Redis sinks mirror them to external consumers.
package events

import (
	"time"

	"github.com/blockscan-io/indexer-go/chain"
)

// Group names one category of chain events, matching the import changeset
// groups.
type Group string

const (
	GroupAddresses            Group = "addresses"
	GroupCoinBalances         Group = "address_coin_balances"
	GroupBlocks               Group = "blocks"
	GroupInternalTransactions Group = "internal_transactions"
	GroupLogs                 Group = "logs"
	GroupTokenTransfers       Group = "token_transfers"
	GroupTransactions         Group = "transactions"
)

// Groups lists every chain event group.
func Groups() []Group {
	return []Group{
		GroupAddresses,
		GroupCoinBalances,
		GroupBlocks,
		GroupInternalTransactions,
		GroupLogs,
		GroupTokenTransfers,
		GroupTransactions,
	}
}

// Event is one chain event as published on the bus.
type Event interface {
	// Group returns the changeset group this event carries.
	Group() Group

	// EmittedAt returns when the event was created.
	EmittedAt() time.Time
}

type base struct {
	emittedAt time.Time
}

func (b base) EmittedAt() time.Time { return b.emittedAt }

func newBase() base { return base{emittedAt: time.Now()} }

// BlocksEvent carries the blocks of one committed import.
type BlocksEvent struct {
	base
	Blocks []chain.BlockParams
}

func (BlocksEvent) Group() Group { return GroupBlocks }

// TransactionsEvent carries the transactions of one committed import.
type TransactionsEvent struct {
	base
	Transactions []chain.TransactionParams
}

func (TransactionsEvent) Group() Group { return GroupTransactions }

// LogsEvent carries the event logs of one committed import.
type LogsEvent struct {
	base
	Logs []chain.LogParams
}

func (LogsEvent) Group() Group { return GroupLogs }

// InternalTransactionsEvent carries the traces of one committed import.
type InternalTransactionsEvent struct {
	base
	InternalTransactions []chain.InternalTransactionParams
}

func (InternalTransactionsEvent) Group() Group { return GroupInternalTransactions }

// TokenTransfersEvent carries the decoded transfers of one committed import.
type TokenTransfersEvent struct {
	base
	TokenTransfers []chain.TokenTransferParams
}

func (TokenTransfersEvent) Group() Group { return GroupTokenTransfers }

// AddressesEvent carries the addresses of one committed import.
type AddressesEvent struct {
	base
	Addresses []chain.AddressParams
}

func (AddressesEvent) Group() Group { return GroupAddresses }

// CoinBalancesEvent carries the coin balance observations of one committed
// import.
type CoinBalancesEvent struct {
	base
	CoinBalances []chain.CoinBalanceParams
}

func (CoinBalancesEvent) Group() Group { return GroupCoinBalances }
