package monitor

import (
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.AddPlaced(3)
	m.RecordOutcome("win", 0.5)
	m.RecordOutcome("lose", -1)
	m.RecordOutcome("tie", 0)
	m.RecordOutcome("", 0)
	m.IncReconnects()

	s := m.Snapshot()
	if s.OrdersPlaced != 3 {
		t.Errorf("OrdersPlaced = %d, want 3", s.OrdersPlaced)
	}
	if s.Wins != 1 || s.Losses != 1 || s.Ties != 1 || s.Unresolved != 1 {
		t.Errorf("outcomes = %d/%d/%d/%d", s.Wins, s.Losses, s.Ties, s.Unresolved)
	}
	if s.ProfitLoss != -0.5 {
		t.Errorf("ProfitLoss = %v, want -0.5", s.ProfitLoss)
	}
	if s.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", s.Reconnects)
	}
}

func TestLatencyHistogram(t *testing.T) {
	var h LatencyHistogram
	if s := h.Snapshot(); s.Count != 0 {
		t.Errorf("empty Count = %d", s.Count)
	}

	h.Observe(10 * time.Millisecond)
	h.Observe(30 * time.Millisecond)
	h.Observe(20 * time.Millisecond)

	s := h.Snapshot()
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	if s.MinMS != 10 || s.MaxMS != 30 {
		t.Errorf("min/max = %v/%v, want 10/30", s.MinMS, s.MaxMS)
	}
	if s.AvgMS != 20 {
		t.Errorf("AvgMS = %v, want 20", s.AvgMS)
	}
}
