package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlockJSON(number uint64, txHashes ...string) map[string]interface{} {
	txs := make([]interface{}, 0, len(txHashes))
	for i, h := range txHashes {
		txs = append(txs, map[string]interface{}{
			"hash":     h,
			"nonce":    hexutil.EncodeUint64(uint64(i)),
			"from":     "0x1111111111111111111111111111111111111111",
			"to":       "0x2222222222222222222222222222222222222222",
			"value":    "0xde0b6b3a7640000",
			"gas":      "0x5208",
			"gasPrice": "0x3b9aca00",
			"input":    "0x",
			"v":        "0x1b",
			"r":        "0x1",
			"s":        "0x2",
		})
	}
	return map[string]interface{}{
		"hash":            "0x00000000000000000000000000000000000000000000000000000000000000aa",
		"number":          hexutil.EncodeUint64(number),
		"parentHash":      "0x00000000000000000000000000000000000000000000000000000000000000bb",
		"miner":           "0x3333333333333333333333333333333333333333",
		"timestamp":       "0x65000000",
		"difficulty":      "0x1",
		"totalDifficulty": "0x64",
		"gasUsed":         "0x5208",
		"gasLimit":        "0x7a1200",
		"size":            "0x220",
		"nonce":           "0x0000000000000042",
		"uncles":          []interface{}{},
		"transactions":    txs,
	}
}

func TestFetchBlocksByRange(t *testing.T) {
	srv := newRPCServer(t, map[string]rpcHandler{
		"eth_getBlockByNumber": func(params []json.RawMessage) (interface{}, *respError) {
			var numHex string
			require.NoError(t, json.Unmarshal(params[0], &numHex))
			n, err := hexutil.DecodeUint64(numHex)
			require.NoError(t, err)
			if n > 11 {
				return nil, nil // past the tip
			}
			if n == 11 {
				return testBlockJSON(n, "0x00000000000000000000000000000000000000000000000000000000000000cc"), nil
			}
			return testBlockJSON(n), nil
		},
	})
	defer srv.Close()

	c := newTestClient(t, Config{Endpoint: srv.URL})

	br, err := c.FetchBlocksByRange(context.Background(), 10, 11)
	require.NoError(t, err)
	require.Len(t, br.Blocks, 2)
	assert.Equal(t, NextMore, br.Next)
	assert.Equal(t, uint64(10), br.Blocks[0].Number)
	assert.Equal(t, uint64(11), br.Blocks[1].Number)
	assert.True(t, br.Blocks[0].Consensus)
	assert.Equal(t, uint64(0x42), br.Blocks[0].Nonce)

	require.Len(t, br.Transactions, 1)
	tx := br.Transactions[0]
	assert.False(t, tx.Collated())
	assert.Equal(t, "1000000000000000000", tx.Value.String())

	require.Len(t, br.TransactionRefs, 1)
	assert.Equal(t, uint64(11), br.TransactionRefs[0].BlockNumber)
	assert.Equal(t, uint64(21000), br.TransactionRefs[0].Gas)
}

func TestFetchBlocksByRangeEndOfChain(t *testing.T) {
	srv := newRPCServer(t, map[string]rpcHandler{
		"eth_getBlockByNumber": func(params []json.RawMessage) (interface{}, *respError) {
			var numHex string
			require.NoError(t, json.Unmarshal(params[0], &numHex))
			n, err := hexutil.DecodeUint64(numHex)
			require.NoError(t, err)
			if n > 5 {
				return nil, nil
			}
			return testBlockJSON(n), nil
		},
	})
	defer srv.Close()

	c := newTestClient(t, Config{Endpoint: srv.URL})

	br, err := c.FetchBlocksByRange(context.Background(), 4, 7)
	require.NoError(t, err)
	assert.Equal(t, NextEndOfChain, br.Next)
	assert.Len(t, br.Blocks, 2)
}

func TestFetchBlocksByRangeDescending(t *testing.T) {
	srv := newRPCServer(t, map[string]rpcHandler{
		"eth_getBlockByNumber": func(params []json.RawMessage) (interface{}, *respError) {
			var numHex string
			require.NoError(t, json.Unmarshal(params[0], &numHex))
			n, err := hexutil.DecodeUint64(numHex)
			require.NoError(t, err)
			return testBlockJSON(n), nil
		},
	})
	defer srv.Close()

	c := newTestClient(t, Config{Endpoint: srv.URL})

	br, err := c.FetchBlocksByRange(context.Background(), 9, 6)
	require.NoError(t, err)
	require.Len(t, br.Blocks, 4)
	assert.Equal(t, uint64(9), br.Blocks[0].Number)
	assert.Equal(t, uint64(6), br.Blocks[3].Number)
}

func TestRangeNumbers(t *testing.T) {
	assert.Equal(t, []uint64{3, 4, 5}, rangeNumbers(3, 5))
	assert.Equal(t, []uint64{5, 4, 3}, rangeNumbers(5, 3))
	assert.Equal(t, []uint64{7}, rangeNumbers(7, 7))
	assert.Equal(t, []uint64{1, 0}, rangeNumbers(1, 0))
}

func TestHexQuantityRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 42, 1 << 40, 1<<63 - 1} {
		decoded, err := hexutil.DecodeUint64(hexutil.EncodeUint64(n))
		require.NoError(t, err)
		assert.Equal(t, n, decoded)
	}
}
