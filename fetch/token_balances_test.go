package fetch

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/task"
)

type mockTokenBalanceNode struct {
	fetch func(ctx context.Context, refs []chain.TokenBalanceRef) ([]chain.FetchedTokenBalance, error)
}

func (m *mockTokenBalanceNode) FetchTokenBalances(ctx context.Context, refs []chain.TokenBalanceRef) ([]chain.FetchedTokenBalance, error) {
	return m.fetch(ctx, refs)
}

type mockTokenBalanceStore struct{}

func (mockTokenBalanceStore) StreamUnfetchedTokenBalances(context.Context, int, func([]chain.TokenBalanceRef)) error {
	return nil
}

func TestDedupeTokenBalanceRefs(t *testing.T) {
	ref := chain.TokenBalanceRef{
		Address:       common.HexToAddress("0x01"),
		TokenContract: common.HexToAddress("0xbeef"),
		BlockNumber:   5,
	}
	other := ref
	other.BlockNumber = 6

	deduped := dedupeTokenBalanceRefs([]chain.TokenBalanceRef{ref, ref, other})
	assert.Len(t, deduped, 2, "different blocks stay distinct rows")
}

func TestTokenBalanceFetcherRun(t *testing.T) {
	holder := common.HexToAddress("0x01")
	contract := common.HexToAddress("0xbeef")

	node := &mockTokenBalanceNode{
		fetch: func(_ context.Context, refs []chain.TokenBalanceRef) ([]chain.FetchedTokenBalance, error) {
			require.Len(t, refs, 1)
			return []chain.FetchedTokenBalance{
				{Address: holder, TokenContract: contract, BlockNumber: 5, Value: big.NewInt(42)},
			}, nil
		},
	}
	imp := &mockImporter{}

	f, err := NewTokenBalanceFetcher(task.Config{}, node, mockTokenBalanceStore{}, imp, nil)
	require.NoError(t, err)

	ref := chain.TokenBalanceRef{Address: holder, TokenContract: contract, BlockNumber: 5}
	require.NoError(t, f.Run(context.Background(), []chain.TokenBalanceRef{ref, ref}, 0))

	require.Len(t, imp.calls, 1)
	opts := imp.calls[0]
	require.Len(t, opts.TokenBalances, 1)
	assert.Equal(t, big.NewInt(42), opts.TokenBalances[0].Value)
	assert.NotNil(t, opts.TokenBalances[0].ValueFetchedAt)
	require.Len(t, opts.Addresses, 1)
	assert.Equal(t, holder, opts.Addresses[0].Hash)
}
