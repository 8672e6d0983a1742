package client

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/chain"
)

// FetchBalances fetches native-coin balances for addresses at specific
// heights. Entries the node rejects outright (e.g. invalid address) are
// logged and dropped; retryable failures fail the whole batch.
func (c *Client) FetchBalances(ctx context.Context, refs []chain.BalanceRef) ([]chain.FetchedBalance, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	results := make([]*hexutil.Big, len(refs))
	elems := make([]rpc.BatchElem, len(refs))
	for i, ref := range refs {
		elems[i] = rpc.BatchElem{
			Method: "eth_getBalance",
			Args:   []interface{}{ref.Address, hexutil.EncodeUint64(ref.BlockNumber)},
			Result: &results[i],
		}
	}

	if err := c.batchCall(ctx, "eth_getBalance", elems); err != nil {
		return nil, err
	}

	out := make([]chain.FetchedBalance, 0, len(refs))
	for i, elem := range elems {
		if elem.Error != nil {
			classified := Classify("eth_getBalance", elem.Error)
			var ce *Error
			if errors.As(classified, &ce) && ce.Kind == KindNodeRejected {
				c.logger.Warn("node rejected balance entry, dropping",
					zap.String("address", refs[i].Address.Hex()),
					zap.Uint64("block_number", refs[i].BlockNumber),
					zap.Error(elem.Error),
				)
				continue
			}
			return nil, classified
		}
		out = append(out, chain.FetchedBalance{
			Address:     refs[i].Address,
			BlockNumber: refs[i].BlockNumber,
			Value:       bigOrZero(results[i]),
		})
	}
	return out, nil
}
