package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Serializer encodes events for external sinks.
type Serializer interface {
	Serialize(event Event) ([]byte, error)
	ContentType() string
}

// JSONSerializer encodes events as JSON envelopes carrying compact summaries.
// Full row data stays in the database; consumers fetch it by hash when they
// need more than the summary.
type JSONSerializer struct {
	// NodeID tags envelopes with the publishing node. Optional.
	NodeID string
}

var _ Serializer = (*JSONSerializer)(nil)

type envelope struct {
	Group     Group           `json:"group"`
	Timestamp time.Time       `json:"timestamp"`
	NodeID    string          `json:"node_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type blockSummary struct {
	Number    uint64      `json:"number"`
	Hash      common.Hash `json:"hash"`
	Consensus bool        `json:"consensus"`
}

type transactionSummary struct {
	Hash        common.Hash     `json:"hash"`
	BlockNumber *uint64         `json:"block_number,omitempty"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to,omitempty"`
	Value       string          `json:"value"`
}

type logSummary struct {
	TransactionHash common.Hash    `json:"transaction_hash"`
	Index           uint32         `json:"index"`
	BlockNumber     uint64         `json:"block_number"`
	Address         common.Address `json:"address"`
	Topics          []common.Hash  `json:"topics"`
}

type internalTransactionSummary struct {
	TransactionHash common.Hash `json:"transaction_hash"`
	Index           uint32      `json:"index"`
	BlockNumber     uint64      `json:"block_number"`
	Type            string      `json:"type"`
}

type tokenTransferSummary struct {
	TransactionHash common.Hash    `json:"transaction_hash"`
	LogIndex        uint32         `json:"log_index"`
	BlockNumber     uint64         `json:"block_number"`
	TokenContract   common.Address `json:"token_contract"`
	From            common.Address `json:"from"`
	To              common.Address `json:"to"`
	Amount          string         `json:"amount"`
}

type addressSummary struct {
	Hash     common.Address `json:"hash"`
	Contract bool           `json:"contract"`
}

type coinBalanceSummary struct {
	Address     common.Address `json:"address"`
	BlockNumber uint64         `json:"block_number"`
	Value       string         `json:"value,omitempty"`
}

// Serialize converts an event into a JSON envelope.
func (s *JSONSerializer) Serialize(event Event) ([]byte, error) {
	var data interface{}

	switch e := event.(type) {
	case *BlocksEvent:
		summaries := make([]blockSummary, len(e.Blocks))
		for i, b := range e.Blocks {
			summaries[i] = blockSummary{Number: b.Number, Hash: b.Hash, Consensus: b.Consensus}
		}
		data = summaries
	case *TransactionsEvent:
		summaries := make([]transactionSummary, len(e.Transactions))
		for i, t := range e.Transactions {
			value := "0"
			if t.Value != nil {
				value = t.Value.String()
			}
			summaries[i] = transactionSummary{
				Hash: t.Hash, BlockNumber: t.BlockNumber, From: t.From, To: t.To, Value: value,
			}
		}
		data = summaries
	case *LogsEvent:
		summaries := make([]logSummary, len(e.Logs))
		for i, l := range e.Logs {
			summaries[i] = logSummary{
				TransactionHash: l.TransactionHash, Index: l.Index,
				BlockNumber: l.BlockNumber, Address: l.Address, Topics: l.Topics,
			}
		}
		data = summaries
	case *InternalTransactionsEvent:
		summaries := make([]internalTransactionSummary, len(e.InternalTransactions))
		for i, it := range e.InternalTransactions {
			summaries[i] = internalTransactionSummary{
				TransactionHash: it.TransactionHash, Index: it.Index,
				BlockNumber: it.BlockNumber, Type: it.Type.String(),
			}
		}
		data = summaries
	case *TokenTransfersEvent:
		summaries := make([]tokenTransferSummary, len(e.TokenTransfers))
		for i, tr := range e.TokenTransfers {
			amount := "0"
			if tr.Amount != nil {
				amount = tr.Amount.String()
			}
			summaries[i] = tokenTransferSummary{
				TransactionHash: tr.TransactionHash, LogIndex: tr.LogIndex,
				BlockNumber: tr.BlockNumber, TokenContract: tr.TokenContract,
				From: tr.From, To: tr.To, Amount: amount,
			}
		}
		data = summaries
	case *AddressesEvent:
		summaries := make([]addressSummary, len(e.Addresses))
		for i, a := range e.Addresses {
			summaries[i] = addressSummary{Hash: a.Hash, Contract: len(a.ContractCode) > 0}
		}
		data = summaries
	case *CoinBalancesEvent:
		summaries := make([]coinBalanceSummary, len(e.CoinBalances))
		for i, cb := range e.CoinBalances {
			s := coinBalanceSummary{Address: cb.Address, BlockNumber: cb.BlockNumber}
			if cb.Value != nil {
				s.Value = cb.Value.String()
			}
			summaries[i] = s
		}
		data = summaries
	default:
		return nil, fmt.Errorf("serialize: unknown event type %T", event)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("serialize %s event: %w", event.Group(), err)
	}
	return json.Marshal(envelope{
		Group:     event.Group(),
		Timestamp: event.EmittedAt(),
		NodeID:    s.NodeID,
		Data:      raw,
	})
}

// ContentType returns the MIME type of the serialized format.
func (s *JSONSerializer) ContentType() string { return "application/json" }
