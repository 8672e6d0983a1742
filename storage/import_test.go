package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
)

func TestOptionsEmpty(t *testing.T) {
	assert.True(t, (&Options{}).Empty())
	assert.True(t, (&Options{Broadcast: true}).Empty())

	withMarks := &Options{MarkIndexedTransactionHashes: []common.Hash{common.BigToHash(big.NewInt(1))}}
	assert.False(t, withMarks.Empty())

	withBlocks := &Options{Blocks: []chain.BlockParams{{}}}
	assert.False(t, withBlocks.Empty())
}

func TestValidateOptionsCollectsAllErrors(t *testing.T) {
	opts := &Options{
		Blocks: []chain.BlockParams{{}}, // zero hash
		Transactions: []chain.TransactionParams{{
			Hash: common.BigToHash(big.NewInt(1)),
			// nil Value
		}},
		Tokens: []chain.TokenParams{{ContractAddress: common.BytesToAddress([]byte{1})}}, // empty type
	}

	errs := validateOptions(opts)

	require.NotEmpty(t, errs)
	assert.GreaterOrEqual(t, len(errs), 3)
}

func TestValidateOptionsAcceptsValidChangesets(t *testing.T) {
	status := chain.StatusOK
	blockHash := common.BigToHash(big.NewInt(2))
	blockNumber := uint64(7)
	index := uint32(0)
	gasUsed := uint64(21000)
	cumulative := uint64(21000)

	opts := &Options{
		Transactions: []chain.TransactionParams{{
			Hash:              common.BigToHash(big.NewInt(1)),
			Value:             big.NewInt(0),
			BlockHash:         &blockHash,
			BlockNumber:       &blockNumber,
			Index:             &index,
			GasUsed:           &gasUsed,
			CumulativeGasUsed: &cumulative,
			Status:            status,
		}},
	}

	assert.Empty(t, validateOptions(opts))
}

func TestStepErrorUnwraps(t *testing.T) {
	inner := assert.AnError
	err := &StepError{Step: "blocks", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "blocks")
}

func TestImporterConfigDefaults(t *testing.T) {
	cfg := (&ImporterConfig{}).withDefaults()
	assert.NotZero(t, cfg.TransactionTimeout)
	assert.NotZero(t, cfg.RunnerTimeout)
}

func TestSortTransactionsByHashDoesNotMutateInput(t *testing.T) {
	a := chain.TransactionParams{Hash: common.BigToHash(big.NewInt(2))}
	b := chain.TransactionParams{Hash: common.BigToHash(big.NewInt(1))}
	in := []chain.TransactionParams{a, b}

	out := sortTransactionsByHash(in)

	assert.Equal(t, b.Hash, out[0].Hash)
	assert.Equal(t, a.Hash, in[0].Hash)
}
