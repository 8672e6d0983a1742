package fetch

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockscan-io/indexer-go/chain"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), shared by
// ERC-20 and ERC-721.
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ParseTokenTransfers decodes Transfer logs into token transfers and the
// token contracts they belong to. Three indexed topics mean ERC-20 with the
// amount in the data word; four mean ERC-721 with the token id in the last
// topic. Logs that are not Transfer events are skipped.
func ParseTokenTransfers(logs []chain.LogParams) ([]chain.TokenTransferParams, []chain.TokenParams) {
	var transfers []chain.TokenTransferParams
	tokenTypes := make(map[common.Address]string)

	for _, l := range logs {
		if len(l.Topics) == 0 || l.Topics[0] != transferTopic {
			continue
		}

		transfer := chain.TokenTransferParams{
			TransactionHash: l.TransactionHash,
			LogIndex:        l.Index,
			BlockHash:       l.BlockHash,
			BlockNumber:     l.BlockNumber,
			TokenContract:   l.Address,
		}

		var tokenType string
		switch len(l.Topics) {
		case 3:
			// ERC-20: indexed from/to, amount in data.
			if len(l.Data) < 32 {
				continue
			}
			tokenType = "ERC-20"
			transfer.From = topicAddress(l.Topics[1])
			transfer.To = topicAddress(l.Topics[2])
			transfer.Amount = new(big.Int).SetBytes(l.Data[:32])
		case 4:
			// ERC-721: indexed from/to/tokenId, one token per transfer.
			tokenType = "ERC-721"
			transfer.From = topicAddress(l.Topics[1])
			transfer.To = topicAddress(l.Topics[2])
			transfer.Amount = big.NewInt(1)
		default:
			continue
		}

		transfers = append(transfers, transfer)

		// ERC-721 wins when both shapes were seen for the same contract.
		if existing, ok := tokenTypes[l.Address]; !ok || existing == "ERC-20" {
			tokenTypes[l.Address] = tokenType
		}
	}

	tokens := make([]chain.TokenParams, 0, len(tokenTypes))
	for contract, typ := range tokenTypes {
		tokens = append(tokens, chain.TokenParams{ContractAddress: contract, Type: typ})
	}
	return transfers, tokens
}

// tokenBalanceRefs derives the balance fetch work implied by a set of
// transfers: both parties of every transfer at the transfer's block.
func tokenBalanceRefs(transfers []chain.TokenTransferParams) []chain.TokenBalanceRef {
	seen := make(map[chain.TokenBalanceRef]struct{})
	var out []chain.TokenBalanceRef
	add := func(ref chain.TokenBalanceRef) {
		if ref.Address == (common.Address{}) {
			// Mints and burns use the zero address; it holds no balance.
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	for _, t := range transfers {
		add(chain.TokenBalanceRef{Address: t.From, TokenContract: t.TokenContract, BlockNumber: t.BlockNumber})
		add(chain.TokenBalanceRef{Address: t.To, TokenContract: t.TokenContract, BlockNumber: t.BlockNumber})
	}
	return out
}

// tokenBalancePlaceholders builds the unfetched token balance rows implied by
// a set of transfers; the token balance fetcher fills their values later. The
// rows survive restarts, so shed or lost queue entries are re-derived from
// the store.
func tokenBalancePlaceholders(transfers []chain.TokenTransferParams) []chain.TokenBalanceParams {
	refs := tokenBalanceRefs(transfers)
	out := make([]chain.TokenBalanceParams, 0, len(refs))
	for _, ref := range refs {
		out = append(out, chain.TokenBalanceParams{
			Address:       ref.Address,
			TokenContract: ref.TokenContract,
			BlockNumber:   ref.BlockNumber,
		})
	}
	return out
}

func topicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic[12:])
}
