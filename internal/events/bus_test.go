package events

import (
	"testing"
	"time"

	"optionflow/pkg/broker"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Type: OrderPlaced, Asset: "EURUSD", Direction: broker.Call})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Type != OrderPlaced || e.Asset != "EURUSD" {
				t.Errorf("%s: event = %+v", name, e)
			}
			if e.At.IsZero() {
				t.Errorf("%s: event not stamped", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event delivered", name)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: RoundCompleted})
	bus.Publish(Event{Type: TradeLimitHit}) // buffer full, dropped

	e := <-ch
	if e.Type != RoundCompleted {
		t.Errorf("Type = %q, want round.completed", e.Type)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected second event %+v", e)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: ConnectionDown})
}
