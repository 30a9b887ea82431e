package api

import (
	"sync"

	"optionflow/internal/events"
)

// eventView is the JSON shape of one recent event.
type eventView struct {
	Type      string  `json:"type"`
	At        string  `json:"at"`
	Asset     string  `json:"asset,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Outcome   string  `json:"outcome,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// recentEvents keeps the last n bus events in a ring.
type recentEvents struct {
	mu   sync.Mutex
	ring []eventView
	size int
}

func newRecentEvents(bus *events.Bus, size int) *recentEvents {
	r := &recentEvents{size: size}
	ch, _ := bus.Subscribe(size)
	go func() {
		for e := range ch {
			r.add(e)
		}
	}()
	return r
}

func (r *recentEvents) add(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = append(r.ring, eventView{
		Type:      string(e.Type),
		At:        e.At.Format("2006-01-02T15:04:05.000Z07:00"),
		Asset:     e.Asset,
		Direction: string(e.Direction),
		Outcome:   string(e.Outcome),
		Amount:    e.Amount,
		Detail:    e.Detail,
	})
	if len(r.ring) > r.size {
		r.ring = r.ring[len(r.ring)-r.size:]
	}
}

func (r *recentEvents) list() []eventView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventView, len(r.ring))
	copy(out, r.ring)
	return out
}
