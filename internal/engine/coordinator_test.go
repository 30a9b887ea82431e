package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"optionflow/internal/events"
	"optionflow/internal/monitor"
	"optionflow/internal/signal"
	"optionflow/internal/staking"
	"optionflow/pkg/broker"
	"optionflow/pkg/config"
)

// fakeTrader is a scripted venue for engine tests.
type fakeTrader struct {
	mu          sync.Mutex
	book        broker.OpenBook
	payouts     broker.PayoutBook
	candles     map[string][]broker.Candle
	rejects     map[string]error // instrument -> placement error
	failures    map[string]int   // instrument -> transient failures before success
	settlements map[string]broker.Settlement

	placeCalls int32
	nextID     int32
	connected  atomic.Bool
}

func newFakeTrader() *fakeTrader {
	f := &fakeTrader{
		candles:     make(map[string][]broker.Candle),
		rejects:     make(map[string]error),
		failures:    make(map[string]int),
		settlements: make(map[string]broker.Settlement),
	}
	f.connected.Store(true)
	return f
}

func (f *fakeTrader) Candles(_ context.Context, asset string, _, _ int, _ time.Time) ([]broker.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candles[asset]
	if !ok {
		return nil, errors.New("no candles scripted")
	}
	return c, nil
}

func (f *fakeTrader) OpenInstruments(context.Context) (broker.OpenBook, error) {
	return f.book, nil
}

func (f *fakeTrader) Payouts(context.Context) (broker.PayoutBook, error) {
	return f.payouts, nil
}

func (f *fakeTrader) PlaceOrder(_ context.Context, req broker.PlaceRequest) (broker.Order, error) {
	atomic.AddInt32(&f.placeCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.rejects[req.Instrument]; ok {
		return broker.Order{}, err
	}
	if n := f.failures[req.Instrument]; n > 0 {
		f.failures[req.Instrument] = n - 1
		return broker.Order{}, errors.New("transient venue error")
	}
	id := fmt.Sprintf("ord-%d", atomic.AddInt32(&f.nextID, 1))
	f.settlementsDefault(id, req)
	return broker.Order{
		ID:         id,
		Instrument: req.Instrument,
		Class:      req.Class,
		Direction:  req.Direction,
		Stake:      req.Stake,
		PlacedAt:   time.Now(),
	}, nil
}

// settlementsDefault registers a win for the order unless a settlement was
// scripted for the instrument.
func (f *fakeTrader) settlementsDefault(id string, req broker.PlaceRequest) {
	if st, ok := f.settlements[req.Instrument]; ok {
		st.OrderID = id
		f.settlements[id] = st
		return
	}
	f.settlements[id] = broker.Settlement{OrderID: id, Outcome: broker.Win, ProfitLoss: req.Stake * 0.8}
}

func (f *fakeTrader) Settlement(_ context.Context, orderID string, _ time.Duration) (broker.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.settlements[orderID]
	if !ok {
		return broker.Settlement{}, errors.New("unknown order")
	}
	return st, nil
}

func (f *fakeTrader) Balance(context.Context) (broker.Balance, error) {
	return broker.Balance{Amount: 100}, nil
}

func (f *fakeTrader) Connected() bool { return f.connected.Load() }

func (f *fakeTrader) Reconnect(context.Context) error {
	f.connected.Store(true)
	return nil
}

func risingCandles(n int) []broker.Candle {
	out := make([]broker.Candle, n)
	for i := range out {
		v := 1.0 + 0.01*float64(i)
		out[i] = broker.Candle{Open: v - 0.005, Close: v}
	}
	return out
}

func testCoordinator(f *fakeTrader, cfg Config) *Coordinator {
	if cfg.ClassPreference == nil {
		cfg.ClassPreference = []broker.InstrumentClass{broker.ClassBinary, broker.ClassTurbo}
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.PlaceRetries == 0 {
		cfg.PlaceRetries = 1
	}
	if cfg.MaxTrades == 0 {
		cfg.MaxTrades = 15
	}
	if cfg.MinPayout == 0 {
		cfg.MinPayout = 70
	}
	if cfg.CandleCount == 0 {
		cfg.CandleCount = 10
	}
	cfg.RetryBase = time.Millisecond
	cfg.SettleTimeout = time.Second
	cfg.ConnectRetries = 2
	cfg.ConnectBackoffBase = time.Millisecond

	gen := signal.New(signal.Config{BandPeriod: 3, BandStdDev: 2})
	tracker := staking.NewTracker(staking.NewMachine(config.DefaultLadder(1, 2.5, 2)))
	return NewCoordinator(cfg, f, gen, tracker, events.NewBus(), monitor.New())
}

func TestRoundPlacesAndSettles(t *testing.T) {
	f := newFakeTrader()
	f.book = broker.OpenBook{broker.ClassBinary: {"EURUSD": true, "GBPUSD": true}}
	f.payouts = broker.PayoutBook{
		"EURUSD": {broker.ClassBinary: 85},
		"GBPUSD": {broker.ClassBinary: 80},
	}
	f.candles["EURUSD"] = risingCandles(10)
	f.candles["GBPUSD"] = risingCandles(10)

	c := testCoordinator(f, Config{Assets: []string{"EURUSD", "GBPUSD"}})
	result, err := c.Round(context.Background())
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if result.Placed != 2 {
		t.Errorf("Placed = %d, want 2", result.Placed)
	}
	if result.Wins != 2 {
		t.Errorf("Wins = %d, want 2", result.Wins)
	}
	if result.ProfitLoss <= 0 {
		t.Errorf("ProfitLoss = %v, want positive", result.ProfitLoss)
	}
}

func TestRoundSkipsLowPayout(t *testing.T) {
	f := newFakeTrader()
	f.book = broker.OpenBook{broker.ClassBinary: {"EURUSD": true, "GBPUSD": true}}
	f.payouts = broker.PayoutBook{
		"EURUSD": {broker.ClassBinary: 85},
		"GBPUSD": {broker.ClassBinary: 40},
	}
	f.candles["EURUSD"] = risingCandles(10)
	f.candles["GBPUSD"] = risingCandles(10)

	c := testCoordinator(f, Config{Assets: []string{"EURUSD", "GBPUSD"}})
	result, err := c.Round(context.Background())
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if result.Placed != 1 {
		t.Errorf("Placed = %d, want 1", result.Placed)
	}
}

func TestRoundCapsAtMaxAssets(t *testing.T) {
	f := newFakeTrader()
	f.book = broker.OpenBook{broker.ClassBinary: {"A": true, "B": true, "C": true}}
	f.payouts = broker.PayoutBook{
		"A": {broker.ClassBinary: 90},
		"B": {broker.ClassBinary: 85},
		"C": {broker.ClassBinary: 80},
	}
	for _, a := range []string{"A", "B", "C"} {
		f.candles[a] = risingCandles(10)
	}

	c := testCoordinator(f, Config{Assets: []string{"A", "B", "C"}, MaxAssets: 2})
	result, err := c.Round(context.Background())
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if result.Placed != 2 {
		t.Errorf("Placed = %d, want 2", result.Placed)
	}
}

func TestRoundHonorsDailyTradeCap(t *testing.T) {
	f := newFakeTrader()
	f.book = broker.OpenBook{broker.ClassBinary: {"A": true, "B": true, "C": true}}
	f.payouts = broker.PayoutBook{
		"A": {broker.ClassBinary: 90},
		"B": {broker.ClassBinary: 85},
		"C": {broker.ClassBinary: 80},
	}
	for _, a := range []string{"A", "B", "C"} {
		f.candles[a] = risingCandles(10)
	}

	c := testCoordinator(f, Config{Assets: []string{"A", "B", "C"}, MaxTrades: 2})
	result, err := c.Round(context.Background())
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if result.Placed != 2 {
		t.Errorf("Placed = %d, want 2", result.Placed)
	}
	if got := c.remainingTrades(); got != 0 {
		t.Errorf("remainingTrades = %d, want 0", got)
	}
}

func TestPlaceManyOneRejectionDoesNotAbortBatch(t *testing.T) {
	f := newFakeTrader()
	f.rejects["GBPUSD"] = fmt.Errorf("place: %w", broker.ErrCommandRejected)

	c := testCoordinator(f, Config{})
	reqs := []broker.PlaceRequest{
		{Instrument: "EURUSD", Class: broker.ClassBinary, Direction: broker.Call, Stake: 1},
		{Instrument: "GBPUSD", Class: broker.ClassBinary, Direction: broker.Put, Stake: 1},
		{Instrument: "USDCHF", Class: broker.ClassBinary, Direction: broker.Call, Stake: 1},
	}

	orders := c.PlaceMany(context.Background(), reqs)
	if len(orders) != 3 {
		t.Fatalf("len = %d, want 3", len(orders))
	}
	if orders[0] == nil || orders[2] == nil {
		t.Error("accepted placements missing from their slots")
	}
	if orders[1] != nil {
		t.Error("rejected placement produced an order")
	}
}

func TestPlaceManyRetriesTransientFailure(t *testing.T) {
	f := newFakeTrader()
	f.failures["EURUSD"] = 2

	c := testCoordinator(f, Config{PlaceRetries: 3})
	orders := c.PlaceMany(context.Background(), []broker.PlaceRequest{
		{Instrument: "EURUSD", Class: broker.ClassBinary, Direction: broker.Call, Stake: 1},
	})
	if orders[0] == nil {
		t.Fatal("placement did not survive transient failures")
	}
	if got := atomic.LoadInt32(&f.placeCalls); got != 3 {
		t.Errorf("placeCalls = %d, want 3", got)
	}
}

func TestPlaceManyRejectionRetriedThenSkipped(t *testing.T) {
	f := newFakeTrader()
	f.rejects["EURUSD"] = fmt.Errorf("place: %w", broker.ErrCommandRejected)

	c := testCoordinator(f, Config{PlaceRetries: 3})
	orders := c.PlaceMany(context.Background(), []broker.PlaceRequest{
		{Instrument: "EURUSD", Class: broker.ClassBinary, Direction: broker.Call, Stake: 1},
	})
	if orders[0] != nil {
		t.Fatal("rejected placement produced an order")
	}
	if got := atomic.LoadInt32(&f.placeCalls); got != 3 {
		t.Errorf("placeCalls = %d, want 3", got)
	}
}

func TestSettleManyUnresolvedOnFailure(t *testing.T) {
	f := newFakeTrader()
	c := testCoordinator(f, Config{})

	orders := []*broker.Order{
		{ID: "missing", Instrument: "EURUSD"},
		nil,
	}
	settlements := c.SettleMany(context.Background(), orders)
	if settlements[0].Outcome != broker.Unresolved {
		t.Errorf("Outcome = %q, want unresolved", settlements[0].Outcome)
	}
	if settlements[0].ProfitLoss != 0 {
		t.Errorf("ProfitLoss = %v, want 0", settlements[0].ProfitLoss)
	}
}

func TestRoundCancelMidExpiryStillSettles(t *testing.T) {
	f := newFakeTrader()
	f.book = broker.OpenBook{broker.ClassBinary: {"EURUSD": true}}
	f.payouts = broker.PayoutBook{"EURUSD": {broker.ClassBinary: 85}}
	f.candles["EURUSD"] = risingCandles(10)
	f.settlements["EURUSD"] = broker.Settlement{Outcome: broker.Lose, ProfitLoss: -1}

	c := testCoordinator(f, Config{Assets: []string{"EURUSD"}, TimeframeSeconds: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := c.Round(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if result.Placed != 1 {
		t.Fatalf("Placed = %d, want 1", result.Placed)
	}
	// The placed order must still be drained and its outcome applied.
	if result.Losses != 1 {
		t.Errorf("Losses = %d, want 1", result.Losses)
	}
	if result.ProfitLoss != -1 {
		t.Errorf("ProfitLoss = %v, want -1", result.ProfitLoss)
	}
	if got := c.tracker.StakeFor("EURUSD"); got != 2.5 {
		t.Errorf("stake after drained loss = %v, want 2.5", got)
	}
	_, losses, _ := c.tracker.Totals()
	if losses != 1 {
		t.Errorf("tracker losses = %d, want 1", losses)
	}
}

func TestDayBoundariesAgree(t *testing.T) {
	zones := []*time.Location{
		time.UTC,
		time.FixedZone("UTC+9", 9*3600),
		time.FixedZone("UTC-5", -5*3600),
	}
	for _, loc := range zones {
		now := time.Date(2026, 8, 28, 13, 45, 7, 0, loc)
		// The moment the cap resets must be the moment the run loop
		// wakes up.
		if got := startOfDay(nextMidnight(now)); !got.Equal(nextMidnight(now)) {
			t.Errorf("%v: startOfDay(nextMidnight) = %v", loc, got)
		}
		if d := nextMidnight(now).Sub(startOfDay(now)); d != 24*time.Hour {
			t.Errorf("%v: day length = %v", loc, d)
		}
	}
}

func TestRoundLossAdvancesLadder(t *testing.T) {
	f := newFakeTrader()
	f.book = broker.OpenBook{broker.ClassBinary: {"EURUSD": true}}
	f.payouts = broker.PayoutBook{"EURUSD": {broker.ClassBinary: 85}}
	f.candles["EURUSD"] = risingCandles(10)
	f.settlements["EURUSD"] = broker.Settlement{Outcome: broker.Lose, ProfitLoss: -1}

	c := testCoordinator(f, Config{Assets: []string{"EURUSD"}})
	if _, err := c.Round(context.Background()); err != nil {
		t.Fatalf("Round: %v", err)
	}
	if got := c.tracker.StakeFor("EURUSD"); got != 2.5 {
		t.Errorf("stake after loss = %v, want 2.5", got)
	}
}
