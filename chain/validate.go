package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Changeset validation. Every param list passes through its Validate function
// before the import transaction opens; all errors across all entities are
// collected so the caller sees the full picture at once. Empty lists are
// valid and simply produce no work.

const maxTopics = 4

var zeroHash common.Hash

// ValidateBlocks checks a block param list.
func ValidateBlocks(params []BlockParams) []error {
	var errs []error
	for i, b := range params {
		if b.Hash == zeroHash {
			errs = append(errs, fmt.Errorf("block[%d]: hash is zero", i))
		}
		if b.Number > 0 && b.ParentHash == zeroHash {
			errs = append(errs, fmt.Errorf("block[%d] %d: parent hash is zero", i, b.Number))
		}
		if b.Hash == b.ParentHash && b.Hash != zeroHash {
			errs = append(errs, fmt.Errorf("block[%d] %d: parent hash equals own hash", i, b.Number))
		}
		if b.GasUsed > b.GasLimit {
			errs = append(errs, fmt.Errorf("block[%d] %d: gas used %d exceeds gas limit %d", i, b.Number, b.GasUsed, b.GasLimit))
		}
		if b.Timestamp.IsZero() && b.Number > 0 {
			errs = append(errs, fmt.Errorf("block[%d] %d: timestamp is zero", i, b.Number))
		}
	}
	return errs
}

// ValidateTransactions checks a transaction param list. A pending transaction
// must have every collated field unset; a collated one must have them all.
func ValidateTransactions(params []TransactionParams) []error {
	var errs []error
	for i, t := range params {
		if t.Hash == zeroHash {
			errs = append(errs, fmt.Errorf("transaction[%d]: hash is zero", i))
			continue
		}
		if t.Value == nil {
			errs = append(errs, fmt.Errorf("transaction[%d] %s: value is nil", i, t.Hash.Hex()))
		}
		if t.Collated() {
			if t.BlockNumber == nil || t.Index == nil || t.CumulativeGasUsed == nil || t.GasUsed == nil {
				errs = append(errs, fmt.Errorf("transaction[%d] %s: collated but missing receipt fields", i, t.Hash.Hex()))
			}
			if t.Status == StatusPending {
				errs = append(errs, fmt.Errorf("transaction[%d] %s: collated but status is pending", i, t.Hash.Hex()))
			}
		} else {
			if t.BlockNumber != nil || t.Index != nil || t.CumulativeGasUsed != nil || t.GasUsed != nil {
				errs = append(errs, fmt.Errorf("transaction[%d] %s: pending but carries collated fields", i, t.Hash.Hex()))
			}
			if t.Status != StatusPending {
				errs = append(errs, fmt.Errorf("transaction[%d] %s: pending but status is %s", i, t.Hash.Hex(), t.Status))
			}
		}
	}
	return errs
}

// ValidateLogs checks a log param list.
func ValidateLogs(params []LogParams) []error {
	var errs []error
	for i, l := range params {
		if l.TransactionHash == zeroHash {
			errs = append(errs, fmt.Errorf("log[%d]: transaction hash is zero", i))
		}
		if len(l.Topics) > maxTopics {
			errs = append(errs, fmt.Errorf("log[%d] (%s, %d): %d topics exceeds %d", i, l.TransactionHash.Hex(), l.Index, len(l.Topics), maxTopics))
		}
	}
	return errs
}

// ValidateInternalTransactions checks an internal transaction param list.
func ValidateInternalTransactions(params []InternalTransactionParams) []error {
	var errs []error
	for i, it := range params {
		if it.TransactionHash == zeroHash {
			errs = append(errs, fmt.Errorf("internal_transaction[%d]: transaction hash is zero", i))
		}
		switch it.Type {
		case InternalTxCall:
			if it.CallType == "" {
				errs = append(errs, fmt.Errorf("internal_transaction[%d] (%s, %d): call without call_type", i, it.TransactionHash.Hex(), it.Index))
			}
		case InternalTxCreate:
			if it.Error == nil && it.CreatedContractAddress == nil {
				errs = append(errs, fmt.Errorf("internal_transaction[%d] (%s, %d): successful create without created contract address", i, it.TransactionHash.Hex(), it.Index))
			}
		case InternalTxReward, InternalTxSuicide:
		default:
			errs = append(errs, fmt.Errorf("internal_transaction[%d] (%s, %d): unknown type %d", i, it.TransactionHash.Hex(), it.Index, int(it.Type)))
		}
		if it.Value == nil {
			errs = append(errs, fmt.Errorf("internal_transaction[%d] (%s, %d): value is nil", i, it.TransactionHash.Hex(), it.Index))
		}
	}
	return errs
}

// ValidateAddresses checks an address param list.
func ValidateAddresses(params []AddressParams) []error {
	var errs []error
	for i, a := range params {
		if a.FetchedBalance != nil && a.FetchedBalanceBlockNumber == nil {
			errs = append(errs, fmt.Errorf("address[%d] %s: fetched balance without block number", i, a.Hash.Hex()))
		}
	}
	return errs
}

// ValidateCoinBalances checks a coin balance param list.
func ValidateCoinBalances(params []CoinBalanceParams) []error {
	var errs []error
	for i, cb := range params {
		if cb.Value != nil && cb.ValueFetchedAt == nil {
			errs = append(errs, fmt.Errorf("coin_balance[%d] (%s, %d): value without value_fetched_at", i, cb.Address.Hex(), cb.BlockNumber))
		}
	}
	return errs
}

// ValidateTokenBalances checks a token balance param list.
func ValidateTokenBalances(params []TokenBalanceParams) []error {
	var errs []error
	for i, tb := range params {
		if tb.Value != nil && tb.ValueFetchedAt == nil {
			errs = append(errs, fmt.Errorf("token_balance[%d] (%s, %s, %d): value without value_fetched_at", i, tb.Address.Hex(), tb.TokenContract.Hex(), tb.BlockNumber))
		}
	}
	return errs
}

// ValidateTokenTransfers checks a token transfer param list.
func ValidateTokenTransfers(params []TokenTransferParams) []error {
	var errs []error
	for i, tt := range params {
		if tt.TransactionHash == zeroHash {
			errs = append(errs, fmt.Errorf("token_transfer[%d]: transaction hash is zero", i))
		}
		if tt.Amount == nil {
			errs = append(errs, fmt.Errorf("token_transfer[%d] (%s, %d): amount is nil", i, tt.TransactionHash.Hex(), tt.LogIndex))
		}
	}
	return errs
}

// ValidateTokens checks a token param list.
func ValidateTokens(params []TokenParams) []error {
	var errs []error
	for i, t := range params {
		if t.Type == "" {
			errs = append(errs, fmt.Errorf("token[%d] %s: type is empty", i, t.ContractAddress.Hex()))
		}
	}
	return errs
}

// ValidateForks checks a transaction fork param list.
func ValidateForks(params []TransactionForkParams) []error {
	var errs []error
	for i, f := range params {
		if f.UncleHash == zeroHash || f.Hash == zeroHash {
			errs = append(errs, fmt.Errorf("transaction_fork[%d]: zero hash", i))
		}
	}
	return errs
}
