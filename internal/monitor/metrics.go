// Package monitor collects run-time counters for the status API.
package monitor

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	OrdersPlaced  int64     `json:"orders_placed"`
	Wins          int64     `json:"wins"`
	Losses        int64     `json:"losses"`
	Ties          int64     `json:"ties"`
	Unresolved    int64     `json:"unresolved"`
	ProfitLoss    float64   `json:"profit_loss"`
	Reconnects    int64     `json:"reconnects"`

	PlacementLatency LatencySnapshot `json:"placement_latency"`
}

// Metrics aggregates counters across goroutines.
type Metrics struct {
	mu         sync.Mutex
	startedAt  time.Time
	placed     int64
	wins       int64
	losses     int64
	ties       int64
	unresolved int64
	pnl        float64
	reconnects int64
	latency    LatencyHistogram
}

// New creates a metrics collector.
func New() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// AddPlaced adds n accepted placements.
func (m *Metrics) AddPlaced(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed += int64(n)
}

// RecordOutcome tallies one settled outcome and its profit or loss.
func (m *Metrics) RecordOutcome(outcome string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch outcome {
	case "win":
		m.wins++
	case "lose":
		m.losses++
	case "tie":
		m.ties++
	default:
		m.unresolved++
	}
	m.pnl += pnl
}

// IncReconnects counts one successful reconnect.
func (m *Metrics) IncReconnects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
}

// ObservePlacement records one placement round trip duration.
func (m *Metrics) ObservePlacement(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency.Observe(d)
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		StartedAt:        m.startedAt,
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		OrdersPlaced:     m.placed,
		Wins:             m.wins,
		Losses:           m.losses,
		Ties:             m.ties,
		Unresolved:       m.unresolved,
		ProfitLoss:       m.pnl,
		Reconnects:       m.reconnects,
		PlacementLatency: m.latency.Snapshot(),
	}
}

// LatencySnapshot summarizes a latency histogram.
type LatencySnapshot struct {
	Count int64   `json:"count"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
}

// LatencyHistogram tracks min/max/mean of observed durations. Callers hold
// their own lock.
type LatencyHistogram struct {
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

// Observe records one duration.
func (h *LatencyHistogram) Observe(d time.Duration) {
	if h.count == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.count++
	h.sum += d
}

// Snapshot summarizes the histogram.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	if h.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: h.count,
		MinMS: float64(h.min) / float64(time.Millisecond),
		MaxMS: float64(h.max) / float64(time.Millisecond),
		AvgMS: float64(h.sum) / float64(h.count) / float64(time.Millisecond),
	}
}
