package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
)

func numberedBlock(n uint64, consensus bool) chain.BlockParams {
	return chain.BlockParams{
		Hash:       common.BigToHash(new(big.Int).SetUint64(n + 1000)),
		Number:     n,
		ParentHash: common.BigToHash(new(big.Int).SetUint64(n + 999)),
		Consensus:  consensus,
	}
}

func TestNewConsensusBatch(t *testing.T) {
	b3 := numberedBlock(3, true)
	b1 := numberedBlock(1, true)
	uncle := numberedBlock(2, false)

	batch := newConsensusBatch([]chain.BlockParams{b3, uncle, b1})

	assert.Equal(t, []int64{1, 3}, batch.numbers)
	require.Len(t, batch.hashes, 2)
	assert.Equal(t, b1.Hash.Bytes(), batch.hashes[0])
	assert.Equal(t, b3.Hash.Bytes(), batch.hashes[1])
	assert.Equal(t, b1.ParentHash.Bytes(), batch.parentHashes[0])
	require.Len(t, batch.nonConsensusHashes, 1)
	assert.Equal(t, uncle.Hash.Bytes(), batch.nonConsensusHashes[0])
	assert.Len(t, batch.allHashes, 3)
}

func TestNewConsensusBatchDeduplicatesNumbers(t *testing.T) {
	a := numberedBlock(5, true)
	b := numberedBlock(5, true)
	b.Hash = common.BigToHash(big.NewInt(42))

	batch := newConsensusBatch([]chain.BlockParams{a, b})

	assert.Equal(t, []int64{5}, batch.numbers)
	assert.Len(t, batch.hashes, 1)
	assert.Len(t, batch.allHashes, 2)
}

func TestMergeNumbers(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3}, mergeNumbers([]int64{3, 1}, []int64{2, 3}))
	assert.Empty(t, mergeNumbers(nil, nil))
}

func TestUniqueHashes(t *testing.T) {
	h1 := common.BigToHash(big.NewInt(1))
	h2 := common.BigToHash(big.NewInt(2))
	assert.Equal(t, []common.Hash{h1, h2}, uniqueHashes([]common.Hash{h1, h2, h1}))
}
