package client

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/chain"
)

// balanceOfSelector is the 4-byte selector of balanceOf(address).
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

type ethCallParams struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// FetchTokenBalances reads balanceOf(holder) on each token contract at the
// given heights via eth_call. Node-rejected entries (e.g. the contract does
// not implement balanceOf) are logged and dropped.
func (c *Client) FetchTokenBalances(ctx context.Context, refs []chain.TokenBalanceRef) ([]chain.FetchedTokenBalance, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	results := make([]hexutil.Bytes, len(refs))
	elems := make([]rpc.BatchElem, len(refs))
	for i, ref := range refs {
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				ethCallParams{To: ref.TokenContract, Data: balanceOfCallData(ref.Address)},
				hexutil.EncodeUint64(ref.BlockNumber),
			},
			Result: &results[i],
		}
	}

	if err := c.batchCall(ctx, "eth_call", elems); err != nil {
		return nil, err
	}

	out := make([]chain.FetchedTokenBalance, 0, len(refs))
	for i, elem := range elems {
		if elem.Error != nil {
			classified := Classify("eth_call", elem.Error)
			var ce *Error
			if errors.As(classified, &ce) && ce.Kind == KindNodeRejected {
				c.logger.Warn("node rejected token balance entry, dropping",
					zap.String("address", refs[i].Address.Hex()),
					zap.String("token_contract", refs[i].TokenContract.Hex()),
					zap.Uint64("block_number", refs[i].BlockNumber),
					zap.Error(elem.Error),
				)
				continue
			}
			return nil, classified
		}
		out = append(out, chain.FetchedTokenBalance{
			Address:       refs[i].Address,
			TokenContract: refs[i].TokenContract,
			BlockNumber:   refs[i].BlockNumber,
			Value:         new(big.Int).SetBytes(results[i]),
		})
	}
	return out, nil
}

// balanceOfCallData builds the calldata for balanceOf(holder): the selector
// followed by the address left-padded to 32 bytes.
func balanceOfCallData(holder common.Address) []byte {
	data := make([]byte, 4+32)
	copy(data, balanceOfSelector)
	copy(data[4+12:], holder.Bytes())
	return data
}
