package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
)

func TestBalanceOfCallData(t *testing.T) {
	holder := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	data := balanceOfCallData(holder)

	require.Len(t, data, 36)
	assert.Equal(t, balanceOfSelector, data[:4])
	assert.Equal(t, make([]byte, 12), data[4:16])
	assert.Equal(t, holder.Bytes(), data[16:])
}

func TestFetchTokenBalances(t *testing.T) {
	srv := newRPCServer(t, map[string]rpcHandler{
		"eth_call": func(params []json.RawMessage) (interface{}, *respError) {
			var call ethCallParams
			require.NoError(t, json.Unmarshal(params[0], &call))
			if call.To == common.HexToAddress("0xdead") {
				return nil, &respError{Code: -32000, Message: "execution reverted"}
			}
			// 1000 tokens as a 32-byte word
			return "0x00000000000000000000000000000000000000000000000000000000000003e8", nil
		},
	})
	defer srv.Close()

	c := newTestClient(t, Config{Endpoint: srv.URL})

	refs := []chain.TokenBalanceRef{
		{
			Address:       common.HexToAddress("0x01"),
			TokenContract: common.HexToAddress("0xbeef"),
			BlockNumber:   100,
		},
		{
			Address:       common.HexToAddress("0x02"),
			TokenContract: common.HexToAddress("0xdead"),
			BlockNumber:   100,
		},
	}
	fetched, err := c.FetchTokenBalances(context.Background(), refs)
	require.NoError(t, err)

	// The reverting contract is dropped, not fatal.
	require.Len(t, fetched, 1)
	assert.Equal(t, common.HexToAddress("0x01"), fetched[0].Address)
	assert.Equal(t, "1000", fetched[0].Value.String())
}

func TestFetchBalances(t *testing.T) {
	srv := newRPCServer(t, map[string]rpcHandler{
		"eth_getBalance": func(params []json.RawMessage) (interface{}, *respError) {
			var addr common.Address
			require.NoError(t, json.Unmarshal(params[0], &addr))
			if addr == common.HexToAddress("0xdead") {
				return nil, &respError{Code: -32000, Message: "missing trie node"}
			}
			return "0x2540be400", nil
		},
	})
	defer srv.Close()

	c := newTestClient(t, Config{Endpoint: srv.URL})

	refs := []chain.BalanceRef{
		{Address: common.HexToAddress("0x01"), BlockNumber: 50},
		{Address: common.HexToAddress("0xdead"), BlockNumber: 50},
	}
	fetched, err := c.FetchBalances(context.Background(), refs)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, uint64(50), fetched[0].BlockNumber)
	assert.Equal(t, "10000000000", fetched[0].Value.String())
}
