package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"optionflow/internal/events"
	"optionflow/internal/monitor"
	"optionflow/internal/signal"
	"optionflow/internal/staking"
	"optionflow/pkg/broker"
	"optionflow/pkg/logger"
)

// Config holds the engine knobs, copied from the loaded configuration.
type Config struct {
	Assets           []string
	ClassPreference  []broker.InstrumentClass
	TimeframeSeconds int
	CandleCount      int
	MinPayout        float64
	MaxTrades        int
	MaxAssets        int

	MaxWorkers         int
	PlaceRetries       int
	RetryBase          time.Duration
	ConnectRetries     int
	ConnectBackoffBase time.Duration
	SettleTimeout      time.Duration
	ExpiryInterval     time.Duration
}

// RoundResult summarizes one completed trading round.
type RoundResult struct {
	Started    time.Time
	Placed     int
	Wins       int
	Losses     int
	Ties       int
	Unresolved int
	ProfitLoss float64
}

// Coordinator runs trading rounds: screen instruments, derive a direction
// per asset, place the batch concurrently, wait out the expiry, settle,
// and advance the stake ladders. Ladder updates happen strictly after
// settlement so a reconnect mid-round can never double-apply an outcome.
type Coordinator struct {
	cfg     Config
	trader  Trader
	signals *signal.Generator
	tracker *staking.Tracker
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *logrus.Entry

	mu           sync.Mutex
	tradesPlaced int
	tradeDay     time.Time
}

// NewCoordinator wires a coordinator.
func NewCoordinator(cfg Config, trader Trader, signals *signal.Generator, tracker *staking.Tracker, bus *events.Bus, metrics *monitor.Metrics) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		trader:  trader,
		signals: signals,
		tracker: tracker,
		bus:     bus,
		metrics: metrics,
		log:     logger.WithComponent("engine"),
	}
}

// Run executes rounds aligned to the candle timeframe until the context is
// cancelled or the daily trade cap is exhausted for the day. The cap
// resets at midnight.
func (c *Coordinator) Run(ctx context.Context) error {
	timeframe := time.Duration(c.cfg.TimeframeSeconds) * time.Second
	for {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}

		if c.remainingTrades() == 0 {
			c.bus.Publish(events.Event{Type: events.TradeLimitHit})
			c.log.WithField("max_trades", c.cfg.MaxTrades).Info("daily trade cap reached, waiting for next day")
			if err := sleepCtx(ctx, time.Until(nextMidnight(time.Now()))); err != nil {
				return err
			}
			continue
		}

		result, err := c.Round(ctx)
		if err != nil {
			c.log.WithError(err).Warn("round aborted")
		} else {
			c.log.WithFields(logger.Fields{
				"placed": result.Placed,
				"wins":   result.Wins,
				"losses": result.Losses,
				"pnl":    result.ProfitLoss,
			}).Info("round completed")
		}

		if err := sleepCtx(ctx, time.Until(nextBoundary(time.Now(), timeframe))); err != nil {
			return err
		}
	}
}

// Round performs one full screen/signal/place/settle cycle.
func (c *Coordinator) Round(ctx context.Context) (RoundResult, error) {
	result := RoundResult{Started: time.Now()}

	book, err := c.trader.OpenInstruments(ctx)
	if err != nil {
		return result, fmt.Errorf("open instruments: %w", err)
	}
	payouts, err := c.trader.Payouts(ctx)
	if err != nil {
		return result, fmt.Errorf("payouts: %w", err)
	}

	targets := c.screen(book, payouts)
	if len(targets) == 0 {
		c.log.Info("no instrument passed the payout screen")
		return result, nil
	}

	reqs := c.collectRequests(ctx, targets)
	if budget := c.remainingTrades(); len(reqs) > budget {
		reqs = reqs[:budget]
	}
	if len(reqs) == 0 {
		c.log.Info("no directional agreement this round")
		return result, nil
	}

	orders := c.PlaceMany(ctx, reqs)
	placed := 0
	for _, o := range orders {
		if o != nil {
			placed++
		}
	}
	c.recordPlaced(placed)
	c.metrics.AddPlaced(placed)
	result.Placed = placed
	c.log.WithFields(logger.Fields{
		"placed":    placed,
		"requested": len(reqs),
	}).Infof("%d/%d trades placed", placed, len(reqs))
	if placed == 0 {
		return result, nil
	}

	// Cancellation from here on stops new placements only; money is at
	// risk, so the placed orders are always drained to a settlement.
	expiry := time.Now().Add(time.Duration(c.cfg.TimeframeSeconds) * time.Second)
	expiryErr := c.waitExpiry(ctx, expiry)
	if expiryErr != nil {
		c.log.WithError(expiryErr).Warn("expiry wait interrupted, draining placed orders")
		if d := time.Until(expiry); d > 0 {
			time.Sleep(d)
		}
	}

	settlements := c.SettleMany(ctx, orders)
	for i, order := range orders {
		if order == nil {
			continue
		}
		st := settlements[i]
		level := c.tracker.Apply(order.Instrument, st.Outcome)
		c.metrics.RecordOutcome(string(st.Outcome), st.ProfitLoss)
		c.bus.Publish(events.Event{
			Type:      events.OrderSettled,
			Asset:     order.Instrument,
			Direction: order.Direction,
			Outcome:   st.Outcome,
			Amount:    st.ProfitLoss,
		})
		c.bus.Publish(events.Event{
			Type:   events.StakeLevelMoved,
			Asset:  order.Instrument,
			Amount: float64(level),
		})

		result.ProfitLoss += st.ProfitLoss
		switch st.Outcome {
		case broker.Win:
			result.Wins++
		case broker.Lose:
			result.Losses++
		case broker.Tie:
			result.Ties++
		default:
			result.Unresolved++
		}
	}

	if balance, err := c.trader.Balance(ctx); err == nil {
		c.bus.Publish(events.Event{Type: events.BalanceRefreshed, Amount: balance.Amount})
	} else {
		c.log.WithError(err).Debug("balance refresh failed")
	}

	c.bus.Publish(events.Event{Type: events.RoundCompleted, Amount: result.ProfitLoss})
	return result, expiryErr
}

// screen keeps assets that are tradable and meet the minimum payout, best
// payout first, at most MaxAssets of them.
func (c *Coordinator) screen(book broker.OpenBook, payouts broker.PayoutBook) []Resolution {
	resolved := ResolveAll(book, c.cfg.Assets, c.cfg.ClassPreference)

	kept := resolved[:0]
	for _, r := range resolved {
		if payouts.Best(r.Instrument) >= c.cfg.MinPayout {
			kept = append(kept, r)
		} else {
			c.log.WithFields(logger.Fields{
				"instrument": r.Instrument,
				"payout":     payouts.Best(r.Instrument),
			}).Debug("payout below minimum, skipping")
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return payouts.Best(kept[i].Instrument) > payouts.Best(kept[j].Instrument)
	})
	if c.cfg.MaxAssets > 0 && len(kept) > c.cfg.MaxAssets {
		kept = kept[:c.cfg.MaxAssets]
	}
	return kept
}

// collectRequests fetches candles and derives a direction per target on a
// bounded pool, returning placement requests for the agreeing assets.
func (c *Coordinator) collectRequests(ctx context.Context, targets []Resolution) []broker.PlaceRequest {
	workers := c.cfg.MaxWorkers
	if workers > len(targets) {
		workers = len(targets)
	}
	if workers < 1 {
		workers = 1
	}

	type slot struct {
		res Resolution
		dir broker.Direction
	}
	slots := make([]slot, len(targets))

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Resolution) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			candles, err := c.trader.Candles(ctx, target.Instrument, c.cfg.TimeframeSeconds, c.cfg.CandleCount, time.Time{})
			if err != nil {
				c.log.WithError(err).WithField("instrument", target.Instrument).Warn("candle fetch failed")
				slots[i] = slot{res: target, dir: broker.None}
				return
			}
			dir := c.signals.Direction(target.Instrument, candles)
			slots[i] = slot{res: target, dir: dir}
			if dir != broker.None {
				c.bus.Publish(events.Event{Type: events.SignalGenerated, Asset: target.Instrument, Direction: dir})
			}
		}(i, target)
	}
	wg.Wait()

	expiry := c.cfg.TimeframeSeconds / 60
	if expiry < 1 {
		expiry = 1
	}
	reqs := make([]broker.PlaceRequest, 0, len(slots))
	for _, s := range slots {
		if s.dir == broker.None {
			continue
		}
		reqs = append(reqs, broker.PlaceRequest{
			Instrument:    s.res.Instrument,
			Class:         s.res.Class,
			Direction:     s.dir,
			Stake:         c.tracker.StakeFor(s.res.Instrument),
			ExpiryMinutes: expiry,
		})
	}
	return reqs
}

// waitExpiry sleeps until the option lifetime deadline in slices, checking
// connection health between slices so a dropped stream is re-established
// before settlement begins.
func (c *Coordinator) waitExpiry(ctx context.Context, deadline time.Time) error {
	interval := c.cfg.ExpiryInterval

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		step := interval
		if step <= 0 || step > remaining {
			step = remaining
		}
		if err := sleepCtx(ctx, step); err != nil {
			return err
		}

		if !c.trader.Connected() {
			c.log.Warn("stream dropped while positions open, reconnecting")
			if err := c.ensureConnected(ctx); err != nil {
				return err
			}
		}
	}
}

// ensureConnected re-establishes the stream with exponential backoff.
func (c *Coordinator) ensureConnected(ctx context.Context) error {
	if c.trader.Connected() {
		return nil
	}
	c.bus.Publish(events.Event{Type: events.ConnectionDown})

	var lastErr error
	for attempt := 0; attempt < c.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.ConnectBackoffBase * time.Duration(1<<(attempt-1))
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
		}
		if err := c.trader.Reconnect(ctx); err != nil {
			lastErr = err
			c.log.WithError(err).WithField("attempt", attempt+1).Warn("reconnect failed")
			continue
		}
		c.bus.Publish(events.Event{Type: events.ConnectionUp})
		c.metrics.IncReconnects()
		return nil
	}
	return fmt.Errorf("reconnect exhausted: %w", lastErr)
}

func (c *Coordinator) remainingTrades() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDayLocked()
	remaining := c.cfg.MaxTrades - c.tradesPlaced
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Coordinator) recordPlaced(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDayLocked()
	c.tradesPlaced += n
}

func (c *Coordinator) rollDayLocked() {
	today := startOfDay(time.Now())
	if !today.Equal(c.tradeDay) {
		c.tradeDay = today
		c.tradesPlaced = 0
	}
}

func eventPlaced(o broker.Order) events.Event {
	return events.Event{
		Type:      events.OrderPlaced,
		Asset:     o.Instrument,
		Direction: o.Direction,
		Amount:    o.Stake,
	}
}

func eventRejected(req broker.PlaceRequest, err error) events.Event {
	return events.Event{
		Type:      events.OrderRejected,
		Asset:     req.Instrument,
		Direction: req.Direction,
		Amount:    req.Stake,
		Detail:    err.Error(),
	}
}

func nextBoundary(now time.Time, timeframe time.Duration) time.Time {
	return now.Truncate(timeframe).Add(timeframe)
}

func startOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
