package fetch

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockscan-io/indexer-go/chain"
)

// ExtractedAddress is one address derived from a block batch, together with
// the highest block number it was seen in. The block number drives the
// balance backfill; it is not written to the address row itself.
type ExtractedAddress struct {
	Hash         common.Address
	BlockNumber  uint64
	ContractCode []byte
}

// ExtractionInput is the composite bag of entities addresses are derived
// from. Any field may be empty.
type ExtractionInput struct {
	Blocks               []chain.BlockParams
	Transactions         []chain.TransactionParams
	InternalTransactions []chain.InternalTransactionParams
	Logs                 []chain.LogParams
	TokenTransfers       []chain.TokenTransferParams
}

// ExtractAddresses derives the deduplicated address set of the input. When
// the same address appears in several sources, the higher block number wins
// and contract code is retained if any source provided it. The result is
// sorted by hash so downstream upserts lock rows in a stable order.
func ExtractAddresses(in ExtractionInput) []ExtractedAddress {
	seen := make(map[common.Address]*ExtractedAddress)

	observe := func(hash common.Address, blockNumber uint64, code []byte) {
		if existing, ok := seen[hash]; ok {
			if blockNumber > existing.BlockNumber {
				existing.BlockNumber = blockNumber
			}
			if len(code) > 0 && len(existing.ContractCode) == 0 {
				existing.ContractCode = code
			}
			return
		}
		seen[hash] = &ExtractedAddress{Hash: hash, BlockNumber: blockNumber, ContractCode: code}
	}

	for _, b := range in.Blocks {
		observe(b.Miner, b.Number, nil)
	}

	for _, tx := range in.Transactions {
		var blockNumber uint64
		if tx.BlockNumber != nil {
			blockNumber = *tx.BlockNumber
		}
		observe(tx.From, blockNumber, nil)
		if tx.To != nil {
			observe(*tx.To, blockNumber, nil)
		}
		if tx.CreatedContractAddress != nil {
			observe(*tx.CreatedContractAddress, blockNumber, nil)
		}
	}

	for _, it := range in.InternalTransactions {
		observe(it.From, it.BlockNumber, nil)
		if it.To != nil {
			observe(*it.To, it.BlockNumber, nil)
		}
		if it.CreatedContractAddress != nil {
			var code []byte
			if it.Type == chain.InternalTxCreate && it.Error == nil {
				code = it.CreatedContractCode
			}
			observe(*it.CreatedContractAddress, it.BlockNumber, code)
		}
	}

	for _, l := range in.Logs {
		observe(l.Address, l.BlockNumber, nil)
	}

	for _, tt := range in.TokenTransfers {
		observe(tt.From, tt.BlockNumber, nil)
		observe(tt.To, tt.BlockNumber, nil)
		observe(tt.TokenContract, tt.BlockNumber, nil)
	}

	out := make([]ExtractedAddress, 0, len(seen))
	for _, e := range seen {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out
}

// addressParams converts extracted addresses into importer rows, dropping
// the balance block number (it only feeds the balance fetcher).
func addressParams(extracted []ExtractedAddress) []chain.AddressParams {
	out := make([]chain.AddressParams, 0, len(extracted))
	for _, e := range extracted {
		out = append(out, chain.AddressParams{Hash: e.Hash, ContractCode: e.ContractCode})
	}
	return out
}

// balanceRefs converts extracted addresses into balance fetch work.
func balanceRefs(extracted []ExtractedAddress) []chain.BalanceRef {
	out := make([]chain.BalanceRef, 0, len(extracted))
	for _, e := range extracted {
		out = append(out, chain.BalanceRef{Address: e.Hash, BlockNumber: e.BlockNumber})
	}
	return out
}

// coinBalancePlaceholders builds the unfetched coin balance rows for the
// extracted addresses; the balance fetcher fills their values later.
func coinBalancePlaceholders(extracted []ExtractedAddress) []chain.CoinBalanceParams {
	out := make([]chain.CoinBalanceParams, 0, len(extracted))
	for _, e := range extracted {
		out = append(out, chain.CoinBalanceParams{Address: e.Hash, BlockNumber: e.BlockNumber})
	}
	return out
}
