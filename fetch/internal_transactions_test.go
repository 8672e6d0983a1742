package fetch

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/task"
)

type mockTraceNode struct {
	fetch func(ctx context.Context, refs []chain.TransactionRef) ([]chain.InternalTransactionParams, error)
}

func (m *mockTraceNode) FetchInternalTransactions(ctx context.Context, refs []chain.TransactionRef) ([]chain.InternalTransactionParams, error) {
	return m.fetch(ctx, refs)
}

type mockInternalTxStore struct{}

func (mockInternalTxStore) StreamTransactionsWithUnfetchedInternalTransactions(context.Context, int, func([]chain.TransactionRef)) error {
	return nil
}

func TestInternalTransactionFetcherRun(t *testing.T) {
	txHash := common.HexToHash("0x01")
	discovered := common.HexToAddress("0x0d")

	node := &mockTraceNode{
		fetch: func(_ context.Context, refs []chain.TransactionRef) ([]chain.InternalTransactionParams, error) {
			require.Len(t, refs, 1, "duplicate hashes collapsed before the RPC")
			return []chain.InternalTransactionParams{
				{
					TransactionHash: txHash,
					Index:           0,
					BlockNumber:     9,
					Type:            chain.InternalTxCall,
					CallType:        "call",
					From:            common.HexToAddress("0x01"),
					To:              &discovered,
				},
			}, nil
		},
	}
	imp := &mockImporter{}
	bal := &mockBalanceSink{}

	f, err := NewInternalTransactionFetcher(task.Config{}, node, mockInternalTxStore{}, imp, bal, nil)
	require.NoError(t, err)

	// The same transaction handed over twice by overlapping ranges.
	ref := chain.TransactionRef{Hash: txHash, BlockNumber: 9, Gas: 21000}
	require.NoError(t, f.Run(context.Background(), []chain.TransactionRef{ref, ref}, 0))

	require.Len(t, imp.calls, 1)
	opts := imp.calls[0]
	require.Len(t, opts.InternalTransactions, 1)
	assert.Equal(t, []common.Hash{txHash}, opts.MarkIndexedTransactionHashes)
	assert.NotEmpty(t, opts.Addresses, "trace parties become address rows")

	// Addresses found in traces feed back into the balance fetcher.
	bal.mu.Lock()
	defer bal.mu.Unlock()
	require.NotEmpty(t, bal.refs)
	byAddr := make(map[common.Address]uint64)
	for _, r := range bal.refs {
		byAddr[r.Address] = r.BlockNumber
	}
	assert.Equal(t, uint64(9), byAddr[discovered])
}

func TestInternalTransactionFetcherMarksTracelessTransactions(t *testing.T) {
	node := &mockTraceNode{
		fetch: func(context.Context, []chain.TransactionRef) ([]chain.InternalTransactionParams, error) {
			return nil, nil
		},
	}
	imp := &mockImporter{}

	f, err := NewInternalTransactionFetcher(task.Config{}, node, mockInternalTxStore{}, imp, &mockBalanceSink{}, nil)
	require.NoError(t, err)

	ref := chain.TransactionRef{Hash: common.HexToHash("0x02"), BlockNumber: 3, Gas: 21000}
	require.NoError(t, f.Run(context.Background(), []chain.TransactionRef{ref}, 0))

	require.Len(t, imp.calls, 1)
	assert.Empty(t, imp.calls[0].InternalTransactions)
	assert.Equal(t, []common.Hash{ref.Hash}, imp.calls[0].MarkIndexedTransactionHashes,
		"a traceless transaction is still marked indexed")
}
