package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBlock(number uint64) BlockParams {
	return BlockParams{
		Hash:            common.HexToHash("0x01"),
		Number:          number,
		ParentHash:      common.HexToHash("0x02"),
		Miner:           common.HexToAddress("0xaa"),
		Timestamp:       time.Unix(1700000000, 0),
		Difficulty:      big.NewInt(1),
		TotalDifficulty: big.NewInt(100),
		GasUsed:         21000,
		GasLimit:        8000000,
		Consensus:       true,
	}
}

func TestValidateBlocks(t *testing.T) {
	require.Empty(t, ValidateBlocks(nil))
	require.Empty(t, ValidateBlocks([]BlockParams{validBlock(10)}))

	bad := validBlock(10)
	bad.Hash = common.Hash{}
	errs := ValidateBlocks([]BlockParams{bad})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "hash is zero")

	overGas := validBlock(10)
	overGas.GasUsed = overGas.GasLimit + 1
	errs = ValidateBlocks([]BlockParams{overGas})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "gas used")
}

func TestValidateTransactionsPendingVsCollated(t *testing.T) {
	pending := TransactionParams{
		Hash:  common.HexToHash("0x10"),
		Value: big.NewInt(0),
	}
	require.Empty(t, ValidateTransactions([]TransactionParams{pending}))

	blockHash := common.HexToHash("0x20")
	blockNumber := uint64(7)
	index := uint32(0)
	cumGas := uint64(21000)
	gasUsed := uint64(21000)
	collated := pending
	collated.BlockHash = &blockHash
	collated.BlockNumber = &blockNumber
	collated.Index = &index
	collated.CumulativeGasUsed = &cumGas
	collated.GasUsed = &gasUsed
	collated.Status = StatusOK
	require.Empty(t, ValidateTransactions([]TransactionParams{collated}))

	// Collated without a status is rejected: status is required before insert.
	noStatus := collated
	noStatus.Status = StatusPending
	errs := ValidateTransactions([]TransactionParams{noStatus})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "status is pending")

	// Pending with collated leftovers is rejected.
	halfPending := pending
	halfPending.Index = &index
	errs = ValidateTransactions([]TransactionParams{halfPending})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "carries collated fields")
}

func TestValidateLogsTopicLimit(t *testing.T) {
	log := LogParams{
		TransactionHash: common.HexToHash("0x30"),
		Topics:          make([]common.Hash, 5),
	}
	errs := ValidateLogs([]LogParams{log})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "topics exceeds")
}

func TestValidateInternalTransactions(t *testing.T) {
	addr := common.HexToAddress("0xbb")
	ok := InternalTransactionParams{
		TransactionHash:        common.HexToHash("0x40"),
		Type:                   InternalTxCreate,
		Value:                  big.NewInt(0),
		CreatedContractAddress: &addr,
	}
	require.Empty(t, ValidateInternalTransactions([]InternalTransactionParams{ok}))

	failedCreate := ok
	failedCreate.CreatedContractAddress = nil
	msg := "out of gas"
	failedCreate.Error = &msg
	require.Empty(t, ValidateInternalTransactions([]InternalTransactionParams{failedCreate}))

	badCreate := ok
	badCreate.CreatedContractAddress = nil
	errs := ValidateInternalTransactions([]InternalTransactionParams{badCreate})
	require.Len(t, errs, 1)

	callNoType := InternalTransactionParams{
		TransactionHash: common.HexToHash("0x41"),
		Type:            InternalTxCall,
		Value:           big.NewInt(1),
	}
	errs = ValidateInternalTransactions([]InternalTransactionParams{callNoType})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "call without call_type")
}

func TestValidationCollectsAllErrors(t *testing.T) {
	bad1 := validBlock(1)
	bad1.Hash = common.Hash{}
	bad2 := validBlock(2)
	bad2.GasUsed = bad2.GasLimit + 1
	errs := ValidateBlocks([]BlockParams{bad1, bad2})
	assert.Len(t, errs, 2)
}
