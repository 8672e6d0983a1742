package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/blockscan-io/indexer-go/chain"
)

// NextState reports whether a range fetch ran off the end of the chain.
type NextState int

const (
	NextMore NextState = iota
	NextEndOfChain
)

// BlockRange is the result of FetchBlocksByRange: normalized blocks, their
// transactions (still without receipts) and the refs needed to fetch those
// receipts.
type BlockRange struct {
	Blocks          []chain.BlockParams
	Transactions    []chain.TransactionParams
	TransactionRefs []chain.TransactionRef
	Next            NextState
}

type rpcTransaction struct {
	Hash     common.Hash     `json:"hash"`
	Nonce    hexutil.Uint64  `json:"nonce"`
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to"`
	Value    *hexutil.Big    `json:"value"`
	Gas      hexutil.Uint64  `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Input    hexutil.Bytes   `json:"input"`
	V        *hexutil.Big    `json:"v"`
	R        *hexutil.Big    `json:"r"`
	S        *hexutil.Big    `json:"s"`
}

type rpcBlock struct {
	Hash            common.Hash          `json:"hash"`
	Number          *hexutil.Big         `json:"number"`
	ParentHash      common.Hash          `json:"parentHash"`
	Miner           common.Address       `json:"miner"`
	Timestamp       hexutil.Uint64       `json:"timestamp"`
	Difficulty      *hexutil.Big         `json:"difficulty"`
	TotalDifficulty *hexutil.Big         `json:"totalDifficulty"`
	GasUsed         hexutil.Uint64       `json:"gasUsed"`
	GasLimit        hexutil.Uint64       `json:"gasLimit"`
	Size            hexutil.Uint64       `json:"size"`
	Nonce           gethtypes.BlockNonce `json:"nonce"`
	Uncles          []common.Hash        `json:"uncles"`
	Transactions    []rpcTransaction     `json:"transactions"`
}

// FetchBlocksByRange fetches the blocks first..last (inclusive, either
// direction) with full transactions. A null block in the range means the
// chain ends before last; the fetched prefix is returned with
// Next == NextEndOfChain.
func (c *Client) FetchBlocksByRange(ctx context.Context, first, last uint64) (*BlockRange, error) {
	numbers := rangeNumbers(first, last)

	results := make([]*rpcBlock, len(numbers))
	elems := make([]rpc.BatchElem, len(numbers))
	for i, n := range numbers {
		elems[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(n), true},
			Result: &results[i],
		}
	}

	if err := c.batchCall(ctx, "eth_getBlockByNumber", elems); err != nil {
		return nil, err
	}

	out := &BlockRange{Next: NextMore}
	for i, elem := range elems {
		if elem.Error != nil {
			return nil, Classify("eth_getBlockByNumber", elem.Error)
		}
		raw := results[i]
		if raw == nil {
			// Past the tip.
			out.Next = NextEndOfChain
			continue
		}
		block, txs, refs, err := decodeBlock(raw)
		if err != nil {
			return nil, &Error{Kind: KindDecode, Method: "eth_getBlockByNumber", Err: err}
		}
		out.Blocks = append(out.Blocks, block)
		out.Transactions = append(out.Transactions, txs...)
		out.TransactionRefs = append(out.TransactionRefs, refs...)
	}
	return out, nil
}

// FetchBlockNumberByTag resolves "earliest", "latest" or "pending" to a
// block number.
func (c *Client) FetchBlockNumberByTag(ctx context.Context, tag string) (uint64, error) {
	var raw *struct {
		Number *hexutil.Big `json:"number"`
	}
	if err := c.call(ctx, &raw, "eth_getBlockByNumber", tag, false); err != nil {
		return 0, Classify("eth_getBlockByNumber", err)
	}
	if raw == nil || raw.Number == nil {
		return 0, &Error{Kind: KindDecode, Method: "eth_getBlockByNumber", Err: fmt.Errorf("no block for tag %q", tag)}
	}
	return raw.Number.ToInt().Uint64(), nil
}

// LatestBlockNumber returns the node's current tip height.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, Classify("eth_blockNumber", err)
	}
	return uint64(result), nil
}

func decodeBlock(raw *rpcBlock) (chain.BlockParams, []chain.TransactionParams, []chain.TransactionRef, error) {
	if raw.Number == nil {
		return chain.BlockParams{}, nil, nil, fmt.Errorf("block %s has no number", raw.Hash.Hex())
	}
	number := raw.Number.ToInt().Uint64()

	block := chain.BlockParams{
		Hash:            raw.Hash,
		Number:          number,
		ParentHash:      raw.ParentHash,
		Miner:           raw.Miner,
		Timestamp:       time.Unix(int64(raw.Timestamp), 0).UTC(),
		Difficulty:      bigOrZero(raw.Difficulty),
		TotalDifficulty: bigOrZero(raw.TotalDifficulty),
		GasUsed:         uint64(raw.GasUsed),
		GasLimit:        uint64(raw.GasLimit),
		Size:            uint64(raw.Size),
		Nonce:           raw.Nonce.Uint64(),
		Consensus:       true,
		Uncles:          raw.Uncles,
	}

	txs := make([]chain.TransactionParams, 0, len(raw.Transactions))
	refs := make([]chain.TransactionRef, 0, len(raw.Transactions))
	for _, rt := range raw.Transactions {
		if rt.Value == nil {
			return chain.BlockParams{}, nil, nil, fmt.Errorf("transaction %s has no value", rt.Hash.Hex())
		}
		txs = append(txs, chain.TransactionParams{
			Hash:     rt.Hash,
			Nonce:    uint64(rt.Nonce),
			From:     rt.From,
			To:       rt.To,
			Value:    rt.Value.ToInt(),
			Gas:      uint64(rt.Gas),
			GasPrice: bigOrZero(rt.GasPrice),
			Input:    rt.Input,
			V:        bigOrZero(rt.V),
			R:        bigOrZero(rt.R),
			S:        bigOrZero(rt.S),
		})
		refs = append(refs, chain.TransactionRef{
			Hash:        rt.Hash,
			BlockNumber: number,
			Gas:         uint64(rt.Gas),
		})
	}
	return block, txs, refs, nil
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

func rangeNumbers(first, last uint64) []uint64 {
	if first <= last {
		out := make([]uint64, 0, last-first+1)
		for n := first; n <= last; n++ {
			out = append(out, n)
		}
		return out
	}
	out := make([]uint64, 0, first-last+1)
	for n := first; ; n-- {
		out = append(out, n)
		if n == last {
			break
		}
	}
	return out
}
