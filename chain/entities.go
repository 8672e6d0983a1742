// Package chain holds the explorer's canonical data model: the parameter
// structs the fetchers assemble and the importer writes, plus the changeset
// validation that gates every import.
package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockParams describes one block as assembled from eth_getBlockByNumber.
type BlockParams struct {
	Hash            common.Hash
	Number          uint64
	ParentHash      common.Hash
	Miner           common.Address
	Timestamp       time.Time
	Difficulty      *big.Int
	TotalDifficulty *big.Int
	GasUsed         uint64
	GasLimit        uint64
	Size            uint64
	Nonce           uint64
	Consensus       bool

	// Uncles are the uncle hashes referenced by this block. They feed the
	// block_second_degree_relations runner.
	Uncles []common.Hash
}

// TransactionParams describes one transaction. The collated fields are nil
// until a receipt has been joined; a pending transaction keeps them nil.
type TransactionParams struct {
	Hash     common.Hash
	Nonce    uint64
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Input    []byte
	V, R, S  *big.Int

	BlockHash              *common.Hash
	BlockNumber            *uint64
	Index                  *uint32
	CumulativeGasUsed      *uint64
	GasUsed                *uint64
	Status                 Status
	Error                  *string
	CreatedContractAddress *common.Address
}

// Collated reports whether the transaction has been joined with a receipt.
func (t *TransactionParams) Collated() bool {
	return t.BlockHash != nil
}

// ReceiptParams is the post-execution summary of a transaction as returned
// by eth_getTransactionReceipt, already normalized (status derived for
// pre-Byzantium responses).
type ReceiptParams struct {
	TransactionHash   common.Hash
	TransactionIndex  uint32
	BlockHash         common.Hash
	BlockNumber       uint64
	CumulativeGasUsed uint64
	GasUsed           uint64
	ContractAddress   *common.Address
	Status            Status
	Logs              []LogParams
}

// LogParams is one event log, unique on (transaction_hash, index).
type LogParams struct {
	TransactionHash common.Hash
	Index           uint32
	BlockHash       common.Hash
	BlockNumber     uint64
	Address         common.Address
	Data            []byte
	Topics          []common.Hash
}

// InternalTransactionParams is one trace entry, unique on
// (transaction_hash, index).
type InternalTransactionParams struct {
	TransactionHash common.Hash
	Index           uint32
	BlockNumber     uint64
	Type            InternalTxType
	CallType        string
	From            common.Address
	To              *common.Address
	Value           *big.Int
	Gas             uint64
	GasUsed         uint64

	// Input/Output are set for calls, Init/CreatedContractCode and
	// CreatedContractAddress for creates.
	Input                  []byte
	Output                 []byte
	Init                   []byte
	CreatedContractCode    []byte
	CreatedContractAddress *common.Address

	TraceAddress []uint32
	Error        *string
}

// AddressParams describes one address row. FetchedBalance is nil until the
// balance fetcher has resolved it; FetchedBalanceBlockNumber then records the
// height the balance was read at.
type AddressParams struct {
	Hash                      common.Address
	FetchedBalance            *big.Int
	FetchedBalanceBlockNumber *uint64
	ContractCode              []byte
}

// CoinBalanceParams is one native-coin balance observation, unique on
// (address_hash, block_number). Value stays nil until fetched.
type CoinBalanceParams struct {
	Address        common.Address
	BlockNumber    uint64
	Value          *big.Int
	ValueFetchedAt *time.Time
}

// TokenParams describes an ERC-20/721 token contract.
type TokenParams struct {
	ContractAddress common.Address
	Type            string
	Name            *string
	Symbol          *string
	Decimals        *uint8
	HolderCount     *uint64
}

// TokenTransferParams is one decoded Transfer log, unique on
// (transaction_hash, log_index).
type TokenTransferParams struct {
	TransactionHash common.Hash
	LogIndex        uint32
	BlockHash       common.Hash
	BlockNumber     uint64
	TokenContract   common.Address
	From            common.Address
	To              common.Address
	Amount          *big.Int
}

// TokenBalanceParams is one token balance observation, unique on
// (address_hash, token_contract_address_hash, block_number).
type TokenBalanceParams struct {
	Address        common.Address
	TokenContract  common.Address
	BlockNumber    uint64
	Value          *big.Int
	ValueFetchedAt *time.Time
}

// SecondDegreeRelationParams links a canonical nephew block to one of its
// uncles, unique on (nephew_hash, uncle_hash).
type SecondDegreeRelationParams struct {
	NephewHash common.Hash
	UncleHash  common.Hash
}

// TransactionForkParams records a transaction that was collated into a block
// which lost consensus, unique on (uncle_hash, index).
type TransactionForkParams struct {
	UncleHash common.Hash
	Index     uint32
	Hash      common.Hash
}

// TransactionRef identifies a transaction for receipt or trace fetching.
// Gas carries the gas budget so pre-Byzantium receipt status can be derived.
type TransactionRef struct {
	Hash        common.Hash
	BlockNumber uint64
	Gas         uint64
}

// BalanceRef identifies a coin balance to fetch: an address at a height.
type BalanceRef struct {
	Address     common.Address
	BlockNumber uint64
}

// TokenBalanceRef identifies a token balance to fetch.
type TokenBalanceRef struct {
	Address       common.Address
	TokenContract common.Address
	BlockNumber   uint64
}

// FetchedBalance is one resolved coin balance from the node.
type FetchedBalance struct {
	Address     common.Address
	BlockNumber uint64
	Value       *big.Int
}

// FetchedTokenBalance is one resolved token balance from the node.
type FetchedTokenBalance struct {
	Address       common.Address
	TokenContract common.Address
	BlockNumber   uint64
	Value         *big.Int
}
