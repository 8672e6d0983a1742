package client

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/blockscan-io/indexer-go/chain"
)

type rpcTraceAction struct {
	CallType      string          `json:"callType"`
	From          common.Address  `json:"from"`
	To            *common.Address `json:"to"`
	Value         *hexutil.Big    `json:"value"`
	Gas           hexutil.Uint64  `json:"gas"`
	Input         hexutil.Bytes   `json:"input"`
	Init          hexutil.Bytes   `json:"init"`
	Author        *common.Address `json:"author"`
	RewardType    string          `json:"rewardType"`
	Address       *common.Address `json:"address"`
	RefundAddress *common.Address `json:"refundAddress"`
	Balance       *hexutil.Big    `json:"balance"`
}

type rpcTraceResult struct {
	GasUsed hexutil.Uint64  `json:"gasUsed"`
	Output  hexutil.Bytes   `json:"output"`
	Code    hexutil.Bytes   `json:"code"`
	Address *common.Address `json:"address"`
}

type rpcTrace struct {
	Action       rpcTraceAction  `json:"action"`
	Result       *rpcTraceResult `json:"result"`
	TraceAddress []uint64        `json:"traceAddress"`
	Type         string          `json:"type"`
	Error        string          `json:"error"`
}

type rpcReplay struct {
	Trace []rpcTrace `json:"trace"`
}

// FetchInternalTransactions replays the given transactions through the
// node's tracer and normalizes each trace entry, indexed by its position
// within its transaction.
func (c *Client) FetchInternalTransactions(ctx context.Context, refs []chain.TransactionRef) ([]chain.InternalTransactionParams, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	results := make([]*rpcReplay, len(refs))
	elems := make([]rpc.BatchElem, len(refs))
	for i, ref := range refs {
		elems[i] = rpc.BatchElem{
			Method: "trace_replayTransaction",
			Args:   []interface{}{ref.Hash, []string{"trace"}},
			Result: &results[i],
		}
	}

	if err := c.batchCall(ctx, "trace_replayTransaction", elems); err != nil {
		return nil, err
	}

	var out []chain.InternalTransactionParams
	for i, elem := range elems {
		if elem.Error != nil {
			return nil, Classify("trace_replayTransaction", elem.Error)
		}
		if results[i] == nil {
			return nil, &Error{
				Kind:   KindDecode,
				Method: "trace_replayTransaction",
				Err:    fmt.Errorf("no replay for transaction %s", refs[i].Hash.Hex()),
			}
		}
		for idx, trace := range results[i].Trace {
			it, err := decodeTrace(trace, refs[i], uint32(idx))
			if err != nil {
				return nil, &Error{Kind: KindDecode, Method: "trace_replayTransaction", Err: err}
			}
			out = append(out, it)
		}
	}
	return out, nil
}

func decodeTrace(raw rpcTrace, ref chain.TransactionRef, index uint32) (chain.InternalTransactionParams, error) {
	typ, err := chain.ParseInternalTxType(raw.Type)
	if err != nil {
		return chain.InternalTransactionParams{}, fmt.Errorf("transaction %s trace %d: %w", ref.Hash.Hex(), index, err)
	}

	it := chain.InternalTransactionParams{
		TransactionHash: ref.Hash,
		Index:           index,
		BlockNumber:     ref.BlockNumber,
		Type:            typ,
		Gas:             uint64(raw.Action.Gas),
		TraceAddress:    toUint32s(raw.TraceAddress),
	}
	if raw.Error != "" {
		msg := raw.Error
		it.Error = &msg
	}
	if raw.Result != nil {
		it.GasUsed = uint64(raw.Result.GasUsed)
	}

	switch typ {
	case chain.InternalTxCall:
		it.CallType = raw.Action.CallType
		it.From = raw.Action.From
		it.To = raw.Action.To
		it.Value = bigOrZero(raw.Action.Value)
		it.Input = raw.Action.Input
		if raw.Result != nil {
			it.Output = raw.Result.Output
		}
	case chain.InternalTxCreate:
		it.From = raw.Action.From
		it.Value = bigOrZero(raw.Action.Value)
		it.Init = raw.Action.Init
		if raw.Result != nil {
			it.CreatedContractCode = raw.Result.Code
			it.CreatedContractAddress = raw.Result.Address
		}
	case chain.InternalTxReward:
		if raw.Action.Author != nil {
			it.To = raw.Action.Author
		}
		it.CallType = raw.Action.RewardType
		it.Value = bigOrZero(raw.Action.Value)
	case chain.InternalTxSuicide:
		if raw.Action.Address != nil {
			it.From = *raw.Action.Address
		}
		it.To = raw.Action.RefundAddress
		it.Value = bigOrZero(raw.Action.Balance)
	}
	return it, nil
}

func toUint32s(in []uint64) []uint32 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}
