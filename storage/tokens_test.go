package storage

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
)

func fetchedTokenBalance(addr, token byte, block uint64, value int64) chain.TokenBalanceParams {
	now := time.Now()
	return chain.TokenBalanceParams{
		Address:        common.BytesToAddress([]byte{addr}),
		TokenContract:  common.BytesToAddress([]byte{token}),
		BlockNumber:    block,
		Value:          big.NewInt(value),
		ValueFetchedAt: &now,
	}
}

func TestCurrentTokenBalancesKeepsNewestPerPair(t *testing.T) {
	params := []chain.TokenBalanceParams{
		fetchedTokenBalance(1, 9, 10, 100),
		fetchedTokenBalance(1, 9, 12, 50),
		fetchedTokenBalance(2, 9, 11, 7),
	}

	got := currentTokenBalances(params)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(12), got[0].BlockNumber)
	assert.Equal(t, "50", got[0].Value.String())
	assert.Equal(t, common.BytesToAddress([]byte{2}), got[1].Address)
}

func TestCurrentTokenBalancesSkipsPlaceholders(t *testing.T) {
	placeholder := chain.TokenBalanceParams{
		Address:       common.BytesToAddress([]byte{1}),
		TokenContract: common.BytesToAddress([]byte{9}),
		BlockNumber:   20,
	}
	got := currentTokenBalances([]chain.TokenBalanceParams{placeholder})
	assert.Empty(t, got)
}

func TestAffectedTokenContracts(t *testing.T) {
	params := []chain.TokenBalanceParams{
		fetchedTokenBalance(1, 9, 10, 1),
		fetchedTokenBalance(2, 9, 10, 1),
		fetchedTokenBalance(1, 3, 10, 1),
	}

	got := affectedTokenContracts(params)

	require.Len(t, got, 2)
	assert.Equal(t, common.BytesToAddress([]byte{3}).Bytes(), got[0])
	assert.Equal(t, common.BytesToAddress([]byte{9}).Bytes(), got[1])
}

func TestTokenBalanceLess(t *testing.T) {
	a := fetchedTokenBalance(1, 9, 10, 0)
	b := fetchedTokenBalance(1, 9, 11, 0)
	assert.True(t, tokenBalanceLess(a, b))
	assert.False(t, tokenBalanceLess(b, a))
}
