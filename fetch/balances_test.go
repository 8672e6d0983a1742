package fetch

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/task"
)

type mockBalanceNode struct {
	fetch func(ctx context.Context, refs []chain.BalanceRef) ([]chain.FetchedBalance, error)
}

func (m *mockBalanceNode) FetchBalances(ctx context.Context, refs []chain.BalanceRef) ([]chain.FetchedBalance, error) {
	return m.fetch(ctx, refs)
}

type mockBalanceStore struct {
	refs []chain.BalanceRef
}

func (m *mockBalanceStore) StreamUnfetchedBalances(_ context.Context, chunkSize int, buffer func([]chain.BalanceRef)) error {
	for start := 0; start < len(m.refs); start += chunkSize {
		end := start + chunkSize
		if end > len(m.refs) {
			end = len(m.refs)
		}
		buffer(m.refs[start:end])
	}
	return nil
}

func TestDedupeBalanceRefs(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	deduped := dedupeBalanceRefs([]chain.BalanceRef{
		{Address: a, BlockNumber: 5},
		{Address: b, BlockNumber: 9},
		{Address: a, BlockNumber: 8},
		{Address: a, BlockNumber: 2},
	})

	require.Len(t, deduped, 2)
	byAddr := make(map[common.Address]uint64)
	for _, ref := range deduped {
		byAddr[ref.Address] = ref.BlockNumber
	}
	assert.Equal(t, uint64(8), byAddr[a])
	assert.Equal(t, uint64(9), byAddr[b])
}

func TestBalanceFetcherRun(t *testing.T) {
	addr := common.HexToAddress("0x01")
	node := &mockBalanceNode{
		fetch: func(_ context.Context, refs []chain.BalanceRef) ([]chain.FetchedBalance, error) {
			require.Len(t, refs, 1, "duplicates collapsed before the RPC")
			assert.Equal(t, uint64(10), refs[0].BlockNumber)
			return []chain.FetchedBalance{
				{Address: addr, BlockNumber: 10, Value: big.NewInt(777)},
			}, nil
		},
	}
	imp := &mockImporter{}

	f, err := NewBalanceFetcher(task.Config{}, node, &mockBalanceStore{}, imp, nil)
	require.NoError(t, err)

	err = f.Run(context.Background(), []chain.BalanceRef{
		{Address: addr, BlockNumber: 7},
		{Address: addr, BlockNumber: 10},
	}, 0)
	require.NoError(t, err)

	require.Len(t, imp.calls, 1)
	opts := imp.calls[0]
	require.Len(t, opts.Addresses, 1)
	assert.Equal(t, big.NewInt(777), opts.Addresses[0].FetchedBalance)
	require.NotNil(t, opts.Addresses[0].FetchedBalanceBlockNumber)
	assert.Equal(t, uint64(10), *opts.Addresses[0].FetchedBalanceBlockNumber)

	require.Len(t, opts.AddressCoinBalances, 1)
	assert.Equal(t, big.NewInt(777), opts.AddressCoinBalances[0].Value)
	assert.NotNil(t, opts.AddressCoinBalances[0].ValueFetchedAt)
	assert.True(t, opts.Broadcast)
}

func TestBalanceFetcherRunRPCFailureRetries(t *testing.T) {
	node := &mockBalanceNode{
		fetch: func(context.Context, []chain.BalanceRef) ([]chain.FetchedBalance, error) {
			return nil, errors.New("connection reset")
		},
	}

	f, err := NewBalanceFetcher(task.Config{}, node, &mockBalanceStore{}, &mockImporter{}, nil)
	require.NoError(t, err)

	err = f.Run(context.Background(), []chain.BalanceRef{{Address: common.HexToAddress("0x01"), BlockNumber: 1}}, 0)
	require.Error(t, err)
	assert.False(t, task.IsHalt(err), "transport failures retry, they do not halt")
}

func TestBalanceFetcherInitStreamsStore(t *testing.T) {
	store := &mockBalanceStore{refs: []chain.BalanceRef{
		{Address: common.HexToAddress("0x01"), BlockNumber: 1},
		{Address: common.HexToAddress("0x02"), BlockNumber: 2},
		{Address: common.HexToAddress("0x03"), BlockNumber: 3},
	}}

	f, err := NewBalanceFetcher(task.Config{}, nil, store, &mockImporter{}, nil)
	require.NoError(t, err)

	var got []chain.BalanceRef
	require.NoError(t, f.Init(context.Background(), 2, func(refs []chain.BalanceRef) {
		got = append(got, refs...)
	}))
	assert.Len(t, got, 3)
}
