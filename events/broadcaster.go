package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/blockscan-io/indexer-go/storage"
)

// Broadcaster turns committed import results into chain events: one event
// per non-empty group, published on the local bus and mirrored to every
// configured sink. Sink failures are logged, never propagated; the import
// already committed.
type Broadcaster struct {
	bus         *Bus
	sinks       []Sink
	sinkTimeout time.Duration
	metrics     *Metrics
	logger      *zap.Logger
}

var _ storage.Broadcaster = (*Broadcaster)(nil)

// NewBroadcaster wires a bus and optional sinks. metrics may be nil.
func NewBroadcaster(bus *Bus, sinks []Sink, metrics *Metrics, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		bus:         bus,
		sinks:       sinks,
		sinkTimeout: 10 * time.Second,
		metrics:     metrics,
		logger:      logger.Named("broadcaster"),
	}
}

// BroadcastImported publishes one event per non-empty group of imported.
func (b *Broadcaster) BroadcastImported(imported *storage.Imported) {
	for _, event := range eventsOf(imported) {
		if b.bus != nil {
			b.bus.Publish(event)
		}
		for _, sink := range b.sinks {
			b.publishToSink(sink, event)
		}
	}
}

func (b *Broadcaster) publishToSink(sink Sink, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.sinkTimeout)
	defer cancel()

	if err := sink.Publish(ctx, event); err != nil {
		if b.metrics != nil {
			b.metrics.SinkError.WithLabelValues(sink.Name()).Inc()
		}
		b.logger.Warn("sink publish failed",
			zap.String("sink", sink.Name()),
			zap.String("group", string(event.Group())),
			zap.Error(err),
		)
	}
}

// eventsOf builds one event per non-empty group, in group name order.
func eventsOf(imported *storage.Imported) []Event {
	var out []Event
	if len(imported.Addresses) > 0 {
		out = append(out, &AddressesEvent{base: newBase(), Addresses: imported.Addresses})
	}
	if len(imported.AddressCoinBalances) > 0 {
		out = append(out, &CoinBalancesEvent{base: newBase(), CoinBalances: imported.AddressCoinBalances})
	}
	if len(imported.Blocks) > 0 {
		out = append(out, &BlocksEvent{base: newBase(), Blocks: imported.Blocks})
	}
	if len(imported.InternalTransactions) > 0 {
		out = append(out, &InternalTransactionsEvent{base: newBase(), InternalTransactions: imported.InternalTransactions})
	}
	if len(imported.Logs) > 0 {
		out = append(out, &LogsEvent{base: newBase(), Logs: imported.Logs})
	}
	if len(imported.TokenTransfers) > 0 {
		out = append(out, &TokenTransfersEvent{base: newBase(), TokenTransfers: imported.TokenTransfers})
	}
	if len(imported.Transactions) > 0 {
		out = append(out, &TransactionsEvent{base: newBase(), Transactions: imported.Transactions})
	}
	return out
}
