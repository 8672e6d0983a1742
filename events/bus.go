package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// SubscriptionID identifies a subscription on the bus.
type SubscriptionID string

// Subscription receives events for the groups it was registered with.
// Delivery is at most once: when Channel is full the event is dropped for
// this subscriber, never redelivered.
type Subscription struct {
	ID      SubscriptionID
	Groups  map[Group]bool
	Channel chan Event

	// Dropped counts events this subscriber missed because its channel
	// was full.
	Dropped atomic.Uint64
}

// Bus is the in-process chain event broker. A single goroutine owns the
// subscriber registry; publishing never blocks the importer.
type Bus struct {
	subscribers map[SubscriptionID]*Subscription
	mu          sync.RWMutex

	publishCh     chan Event
	subscribeCh   chan *Subscription
	unsubscribeCh chan SubscriptionID

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	metrics *Metrics
}

// NewBus creates a Bus with the given publish buffer.
func NewBus(publishBuffer int) *Bus {
	if publishBuffer <= 0 {
		publishBuffer = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subscribers:   make(map[SubscriptionID]*Subscription),
		publishCh:     make(chan Event, publishBuffer),
		subscribeCh:   make(chan *Subscription, 16),
		unsubscribeCh: make(chan SubscriptionID, 16),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// SetMetrics enables Prometheus metrics. Optional; call before Run.
func (b *Bus) SetMetrics(m *Metrics) { b.metrics = m }

// Run processes subscriptions and publishes until Stop. Call in a goroutine.
func (b *Bus) Run() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			b.closeAll()
			return

		case sub := <-b.subscribeCh:
			b.mu.Lock()
			b.subscribers[sub.ID] = sub
			b.mu.Unlock()

		case id := <-b.unsubscribeCh:
			b.mu.Lock()
			if sub, ok := b.subscribers[id]; ok {
				close(sub.Channel)
				delete(b.subscribers, id)
			}
			b.mu.Unlock()

		case event := <-b.publishCh:
			b.published.Add(1)
			if b.metrics != nil {
				b.metrics.Published.WithLabelValues(string(event.Group())).Inc()
			}
			b.broadcast(event)
		}
	}
}

// Stop shuts the bus down and closes every subscription channel.
func (b *Bus) Stop() {
	b.cancel()
	<-b.done
}

// Publish queues an event for delivery. Returns false when the bus is
// stopped or its publish buffer is full; the event is then dropped.
func (b *Bus) Publish(event Event) bool {
	select {
	case <-b.ctx.Done():
		return false
	case b.publishCh <- event:
		return true
	default:
		b.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.Dropped.WithLabelValues(string(event.Group())).Inc()
		}
		return false
	}
}

// Subscribe registers a subscriber for the given groups.
func (b *Bus) Subscribe(id SubscriptionID, groups []Group, channelSize int) *Subscription {
	if channelSize <= 0 {
		channelSize = 64
	}
	groupSet := make(map[Group]bool, len(groups))
	for _, g := range groups {
		groupSet[g] = true
	}
	sub := &Subscription{
		ID:      id,
		Groups:  groupSet,
		Channel: make(chan Event, channelSize),
	}
	select {
	case <-b.ctx.Done():
		close(sub.Channel)
	case b.subscribeCh <- sub:
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	select {
	case <-b.ctx.Done():
	case b.unsubscribeCh <- id:
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns (published, delivered, dropped) counts.
func (b *Bus) Stats() (uint64, uint64, uint64) {
	return b.published.Load(), b.delivered.Load(), b.dropped.Load()
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	group := event.Group()
	for _, sub := range b.subscribers {
		if !sub.Groups[group] {
			continue
		}
		select {
		case sub.Channel <- event:
			b.delivered.Add(1)
			if b.metrics != nil {
				b.metrics.Delivered.WithLabelValues(string(group)).Inc()
			}
		default:
			sub.Dropped.Add(1)
			b.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.Dropped.WithLabelValues(string(group)).Inc()
			}
		}
	}
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.Channel)
		delete(b.subscribers, id)
	}
}
