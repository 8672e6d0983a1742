package fetch

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
)

func addressTopic(addr common.Address) common.Hash {
	var h common.Hash
	copy(h[12:], addr.Bytes())
	return h
}

func TestParseTokenTransfersERC20(t *testing.T) {
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	contract := common.HexToAddress("0xbeef")
	amount := common.LeftPadBytes([]byte{0x03, 0xe8}, 32) // 1000

	logs := []chain.LogParams{
		{
			TransactionHash: common.HexToHash("0xaa"),
			Index:           1,
			BlockNumber:     50,
			Address:         contract,
			Topics:          []common.Hash{transferTopic, addressTopic(from), addressTopic(to)},
			Data:            amount,
		},
		{
			// Not a Transfer; skipped.
			TransactionHash: common.HexToHash("0xaa"),
			Index:           2,
			Address:         contract,
			Topics:          []common.Hash{common.HexToHash("0x1234")},
		},
	}

	transfers, tokens := ParseTokenTransfers(logs)
	require.Len(t, transfers, 1)
	assert.Equal(t, from, transfers[0].From)
	assert.Equal(t, to, transfers[0].To)
	assert.Equal(t, contract, transfers[0].TokenContract)
	assert.Equal(t, "1000", transfers[0].Amount.String())
	assert.Equal(t, uint32(1), transfers[0].LogIndex)

	require.Len(t, tokens, 1)
	assert.Equal(t, "ERC-20", tokens[0].Type)
}

func TestParseTokenTransfersERC721(t *testing.T) {
	contract := common.HexToAddress("0xbeef")
	logs := []chain.LogParams{
		{
			Address: contract,
			Topics: []common.Hash{
				transferTopic,
				addressTopic(common.HexToAddress("0x01")),
				addressTopic(common.HexToAddress("0x02")),
				common.HexToHash("0x2a"), // token id
			},
		},
	}

	transfers, tokens := ParseTokenTransfers(logs)
	require.Len(t, transfers, 1)
	assert.Equal(t, "1", transfers[0].Amount.String())
	require.Len(t, tokens, 1)
	assert.Equal(t, "ERC-721", tokens[0].Type)
}

func TestParseTokenTransfersShortData(t *testing.T) {
	logs := []chain.LogParams{
		{
			Address: common.HexToAddress("0xbeef"),
			Topics:  []common.Hash{transferTopic, addressTopic(common.HexToAddress("0x01")), addressTopic(common.HexToAddress("0x02"))},
			Data:    []byte{0x01}, // malformed amount word
		},
	}
	transfers, tokens := ParseTokenTransfers(logs)
	assert.Empty(t, transfers)
	assert.Empty(t, tokens)
}

func TestTokenBalanceRefs(t *testing.T) {
	contract := common.HexToAddress("0xbeef")
	holder := common.HexToAddress("0x01")

	transfers := []chain.TokenTransferParams{
		{From: common.Address{}, To: holder, TokenContract: contract, BlockNumber: 5}, // mint
		{From: holder, To: common.HexToAddress("0x02"), TokenContract: contract, BlockNumber: 5},
	}

	refs := tokenBalanceRefs(transfers)
	require.Len(t, refs, 2, "zero address skipped, duplicate holder collapsed")
	for _, ref := range refs {
		assert.NotEqual(t, common.Address{}, ref.Address)
		assert.Equal(t, contract, ref.TokenContract)
	}
}

func TestTokenBalancePlaceholders(t *testing.T) {
	contract := common.HexToAddress("0xbeef")
	transfers := []chain.TokenTransferParams{
		{From: common.HexToAddress("0x01"), To: common.HexToAddress("0x02"), TokenContract: contract, BlockNumber: 7},
	}

	placeholders := tokenBalancePlaceholders(transfers)
	require.Len(t, placeholders, 2)
	for _, p := range placeholders {
		assert.Equal(t, contract, p.TokenContract)
		assert.Equal(t, uint64(7), p.BlockNumber)
		assert.Nil(t, p.Value, "value is resolved by the token balance fetcher")
		assert.Nil(t, p.ValueFetchedAt)
	}
}
