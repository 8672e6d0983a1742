package fetch

import (
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
)

func TestExtractAddressesMaxBlockWins(t *testing.T) {
	miner := common.HexToAddress("0x01")
	from := common.HexToAddress("0x02")
	blockNumber := uint64(12)

	extracted := ExtractAddresses(ExtractionInput{
		Blocks: []chain.BlockParams{
			{Miner: miner, Number: 10},
			{Miner: miner, Number: 15},
		},
		Transactions: []chain.TransactionParams{
			{From: from, To: &miner, BlockNumber: &blockNumber},
		},
	})

	require.Len(t, extracted, 2)
	byHash := make(map[common.Address]ExtractedAddress)
	for _, e := range extracted {
		byHash[e.Hash] = e
	}
	assert.Equal(t, uint64(15), byHash[miner].BlockNumber)
	assert.Equal(t, uint64(12), byHash[from].BlockNumber)
}

func TestExtractAddressesContractCodeRetained(t *testing.T) {
	created := common.HexToAddress("0x0c")
	code := []byte{0x60, 0x40}
	failed := "out of gas"

	extracted := ExtractAddresses(ExtractionInput{
		Logs: []chain.LogParams{{Address: created, BlockNumber: 20}},
		InternalTransactions: []chain.InternalTransactionParams{
			{
				Type:                   chain.InternalTxCreate,
				From:                   common.HexToAddress("0x01"),
				CreatedContractAddress: &created,
				CreatedContractCode:    code,
				BlockNumber:            5,
			},
		},
	})

	byHash := make(map[common.Address]ExtractedAddress)
	for _, e := range extracted {
		byHash[e.Hash] = e
	}
	got := byHash[created]
	assert.Equal(t, uint64(20), got.BlockNumber, "log sighting is later")
	assert.Equal(t, code, got.ContractCode, "code from the create is kept")

	// A failed create carries no code.
	extracted = ExtractAddresses(ExtractionInput{
		InternalTransactions: []chain.InternalTransactionParams{
			{
				Type:                   chain.InternalTxCreate,
				From:                   common.HexToAddress("0x01"),
				CreatedContractAddress: &created,
				CreatedContractCode:    code,
				Error:                  &failed,
				BlockNumber:            5,
			},
		},
	})
	byHash = make(map[common.Address]ExtractedAddress)
	for _, e := range extracted {
		byHash[e.Hash] = e
	}
	assert.Empty(t, byHash[created].ContractCode)
}

// Extraction over the union of inputs must equal the max-block merge of the
// parts.
func TestExtractAddressesUnionLaw(t *testing.T) {
	shared := common.HexToAddress("0xaa")
	partA := ExtractionInput{
		Blocks: []chain.BlockParams{{Miner: shared, Number: 3}},
		Logs:   []chain.LogParams{{Address: common.HexToAddress("0xbb"), BlockNumber: 4}},
	}
	partB := ExtractionInput{
		TokenTransfers: []chain.TokenTransferParams{
			{From: shared, To: common.HexToAddress("0xcc"), TokenContract: common.HexToAddress("0xdd"), BlockNumber: 9},
		},
	}
	union := ExtractionInput{
		Blocks:         partA.Blocks,
		Logs:           partA.Logs,
		TokenTransfers: partB.TokenTransfers,
	}

	merged := mergeExtractedForTest(ExtractAddresses(partA), ExtractAddresses(partB))
	assert.Equal(t, ExtractAddresses(union), merged)
}

func mergeExtractedForTest(parts ...[]ExtractedAddress) []ExtractedAddress {
	byHash := make(map[common.Address]ExtractedAddress)
	for _, part := range parts {
		for _, e := range part {
			existing, ok := byHash[e.Hash]
			if !ok {
				byHash[e.Hash] = e
				continue
			}
			if e.BlockNumber > existing.BlockNumber {
				existing.BlockNumber = e.BlockNumber
			}
			if len(existing.ContractCode) == 0 {
				existing.ContractCode = e.ContractCode
			}
			byHash[e.Hash] = existing
		}
	}
	out := make([]ExtractedAddress, 0, len(byHash))
	for _, e := range byHash {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hash.Hex() < out[j].Hash.Hex()
	})
	return out
}

func TestExtractAddressesSorted(t *testing.T) {
	extracted := ExtractAddresses(ExtractionInput{
		Blocks: []chain.BlockParams{
			{Miner: common.HexToAddress("0xff"), Number: 1},
			{Miner: common.HexToAddress("0x01"), Number: 2},
			{Miner: common.HexToAddress("0x80"), Number: 3},
		},
	})
	require.Len(t, extracted, 3)
	assert.True(t, sort.SliceIsSorted(extracted, func(i, j int) bool {
		return extracted[i].Hash.Hex() < extracted[j].Hash.Hex()
	}))
}

func TestBalanceRefsAndPlaceholders(t *testing.T) {
	extracted := []ExtractedAddress{
		{Hash: common.HexToAddress("0x01"), BlockNumber: 9},
	}

	refs := balanceRefs(extracted)
	require.Len(t, refs, 1)
	assert.Equal(t, uint64(9), refs[0].BlockNumber)

	params := addressParams(extracted)
	require.Len(t, params, 1)
	assert.Nil(t, params[0].FetchedBalanceBlockNumber, "balance block number is fetch work, not a column")

	placeholders := coinBalancePlaceholders(extracted)
	require.Len(t, placeholders, 1)
	assert.Nil(t, placeholders[0].Value)
	assert.Nil(t, placeholders[0].ValueFetchedAt)
}
