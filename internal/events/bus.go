// Package events provides the in-process publish/subscribe bus that fans
// trading lifecycle events out to the status API and monitors.
package events

import (
	"sync"
	"time"

	"optionflow/pkg/broker"
	"optionflow/pkg/logger"
)

// Type identifies one class of event.
type Type string

const (
	ConnectionUp     Type = "connection.up"
	ConnectionDown   Type = "connection.down"
	OrderPlaced      Type = "order.placed"
	OrderRejected    Type = "order.rejected"
	OrderSettled     Type = "order.settled"
	SignalGenerated  Type = "signal.generated"
	RoundCompleted   Type = "round.completed"
	TradeLimitHit    Type = "trade.limit"
	StakeLevelMoved  Type = "stake.level"
	BalanceRefreshed Type = "balance.refreshed"
)

// Event is one published occurrence.
type Event struct {
	Type      Type
	At        time.Time
	Asset     string
	Direction broker.Direction
	Outcome   broker.Outcome
	Amount    float64
	Detail    string
}

// Bus is a fan-out event bus. Delivery is best effort: a subscriber whose
// buffer is full misses the event rather than blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber channel and returns it with a
// cancel func that unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish stamps the event and delivers it to every subscriber without
// blocking.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logger.WithComponent("events").WithFields(logger.Fields{
				"type": string(e.Type),
			}).Debug("subscriber buffer full, event dropped")
		}
	}
}
