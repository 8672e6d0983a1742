package events

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockscan-io/indexer-go/chain"
	"github.com/blockscan-io/indexer-go/storage"
)

type mockSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *mockSink) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockSink) Name() string { return "mock" }
func (m *mockSink) Close() error { return nil }

func (m *mockSink) published() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestEventsOfSkipsEmptyGroups(t *testing.T) {
	imported := &storage.Imported{
		Blocks:       []chain.BlockParams{{Number: 1}},
		Transactions: []chain.TransactionParams{{Hash: common.BigToHash(big.NewInt(1))}},
	}

	evs := eventsOf(imported)

	require.Len(t, evs, 2)
	assert.Equal(t, GroupBlocks, evs[0].Group())
	assert.Equal(t, GroupTransactions, evs[1].Group())
}

func TestBroadcastImportedPublishesToBusAndSinks(t *testing.T) {
	bus := NewBus(16)
	go bus.Run()
	defer bus.Stop()

	sub := bus.Subscribe("test", []Group{GroupBlocks}, 4)
	waitForSubscribers(t, bus, 1)

	sink := &mockSink{}
	b := NewBroadcaster(bus, []Sink{sink}, nil, nil)

	b.BroadcastImported(&storage.Imported{Blocks: []chain.BlockParams{{Number: 9}}})

	select {
	case ev := <-sub.Channel:
		assert.Equal(t, uint64(9), ev.(*BlocksEvent).Blocks[0].Number)
	case <-time.After(time.Second):
		t.Fatal("bus subscriber got nothing")
	}
	require.Len(t, sink.published(), 1)
}

func TestBroadcastImportedToleratesSinkFailure(t *testing.T) {
	sink := &mockSink{err: errors.New("broker down")}
	b := NewBroadcaster(nil, []Sink{sink}, nil, nil)

	// Must not panic or propagate.
	b.BroadcastImported(&storage.Imported{Blocks: []chain.BlockParams{{Number: 1}}})
}

func TestJSONSerializerEnvelope(t *testing.T) {
	s := &JSONSerializer{NodeID: "node-1"}
	ev := &BlocksEvent{base: newBase(), Blocks: []chain.BlockParams{{
		Number: 5, Hash: common.BigToHash(big.NewInt(5)), Consensus: true,
	}}}

	raw, err := s.Serialize(ev)
	require.NoError(t, err)

	var env struct {
		Group  Group           `json:"group"`
		NodeID string          `json:"node_id"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, GroupBlocks, env.Group)
	assert.Equal(t, "node-1", env.NodeID)

	var blocks []blockSummary
	require.NoError(t, json.Unmarshal(env.Data, &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, uint64(5), blocks[0].Number)
	assert.True(t, blocks[0].Consensus)
}

func TestJSONSerializerTokenTransfers(t *testing.T) {
	s := &JSONSerializer{}
	ev := &TokenTransfersEvent{base: newBase(), TokenTransfers: []chain.TokenTransferParams{{
		TransactionHash: common.BigToHash(big.NewInt(1)),
		LogIndex:        3,
		Amount:          big.NewInt(1000),
	}}}

	raw, err := s.Serialize(ev)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	var transfers []tokenTransferSummary
	require.NoError(t, json.Unmarshal(env.Data, &transfers))
	require.Len(t, transfers, 1)
	assert.Equal(t, "1000", transfers[0].Amount)
}
