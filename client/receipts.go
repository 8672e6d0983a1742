package client

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/blockscan-io/indexer-go/chain"
)

type rpcLog struct {
	Address         common.Address `json:"address"`
	Topics          []common.Hash  `json:"topics"`
	Data            hexutil.Bytes  `json:"data"`
	LogIndex        hexutil.Uint64 `json:"logIndex"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
}

type rpcReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	GasUsed           *hexutil.Uint64 `json:"gasUsed"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Status            *hexutil.Uint64 `json:"status"`
	Logs              []rpcLog        `json:"logs"`
}

// FetchTransactionReceipts fetches the receipts for the given transactions
// and returns them together with their logs. A null receipt (not mined yet)
// fails the whole call with a retryable ErrNotMined.
func (c *Client) FetchTransactionReceipts(ctx context.Context, refs []chain.TransactionRef) ([]chain.ReceiptParams, []chain.LogParams, error) {
	if len(refs) == 0 {
		return nil, nil, nil
	}

	results := make([]*rpcReceipt, len(refs))
	elems := make([]rpc.BatchElem, len(refs))
	for i, ref := range refs {
		elems[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{ref.Hash},
			Result: &results[i],
		}
	}

	if err := c.batchCall(ctx, "eth_getTransactionReceipt", elems); err != nil {
		return nil, nil, err
	}

	receipts := make([]chain.ReceiptParams, 0, len(refs))
	var logs []chain.LogParams
	for i, elem := range elems {
		if elem.Error != nil {
			return nil, nil, Classify("eth_getTransactionReceipt", elem.Error)
		}
		raw := results[i]
		if raw == nil {
			return nil, nil, &Error{
				Kind:   KindTransport,
				Method: "eth_getTransactionReceipt",
				Err:    fmt.Errorf("%w: %s", ErrNotMined, refs[i].Hash.Hex()),
			}
		}
		receipt, err := decodeReceipt(raw, refs[i])
		if err != nil {
			return nil, nil, err
		}
		receipts = append(receipts, receipt)
		logs = append(logs, receipt.Logs...)
	}
	return receipts, logs, nil
}

// decodeReceipt normalizes a raw receipt. Pre-Byzantium responses omit the
// status field; it is derived from gas consumption: running the full gas
// budget means failure. A receipt with neither status nor gasUsed cannot be
// classified and is fatal.
func decodeReceipt(raw *rpcReceipt, ref chain.TransactionRef) (chain.ReceiptParams, error) {
	var status chain.Status
	switch {
	case raw.Status != nil:
		if *raw.Status == 1 {
			status = chain.StatusOK
		} else {
			status = chain.StatusError
		}
	case raw.GasUsed != nil:
		if uint64(*raw.GasUsed) >= ref.Gas {
			status = chain.StatusError
		} else {
			status = chain.StatusOK
		}
	default:
		return chain.ReceiptParams{}, &Error{
			Kind:   KindDecode,
			Method: "eth_getTransactionReceipt",
			Err:    fmt.Errorf("receipt %s has neither status nor gasUsed", raw.TransactionHash.Hex()),
		}
	}

	var gasUsed uint64
	if raw.GasUsed != nil {
		gasUsed = uint64(*raw.GasUsed)
	}

	receipt := chain.ReceiptParams{
		TransactionHash:   raw.TransactionHash,
		TransactionIndex:  uint32(raw.TransactionIndex),
		BlockHash:         raw.BlockHash,
		BlockNumber:       uint64(raw.BlockNumber),
		CumulativeGasUsed: uint64(raw.CumulativeGasUsed),
		GasUsed:           gasUsed,
		ContractAddress:   raw.ContractAddress,
		Status:            status,
	}

	receipt.Logs = make([]chain.LogParams, 0, len(raw.Logs))
	for _, rl := range raw.Logs {
		receipt.Logs = append(receipt.Logs, chain.LogParams{
			TransactionHash: rl.TransactionHash,
			Index:           uint32(rl.LogIndex),
			BlockHash:       rl.BlockHash,
			BlockNumber:     uint64(rl.BlockNumber),
			Address:         rl.Address,
			Data:            rl.Data,
			Topics:          rl.Topics,
		})
	}
	return receipt, nil
}
