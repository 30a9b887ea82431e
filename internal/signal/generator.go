// Package signal turns candle history into trade directions.
package signal

import (
	"sync"

	"github.com/sirupsen/logrus"

	"optionflow/internal/indicator"
	"optionflow/pkg/broker"
	"optionflow/pkg/logger"
)

// Config holds the knobs the generator reads.
type Config struct {
	BandPeriod int
	BandStdDev float64
	// CarryForward repeats an asset's previous direction when the current
	// window yields no agreement between trend and last candle.
	CarryForward bool
}

// Generator derives a direction per asset from band trend and last-candle
// color. It remembers the previous direction per asset so flat windows can
// carry it forward.
type Generator struct {
	cfg Config
	log *logrus.Entry

	mu   sync.Mutex
	prev map[string]broker.Direction
}

// New builds a generator.
func New(cfg Config) *Generator {
	return &Generator{
		cfg:  cfg,
		log:  logger.WithComponent("signal"),
		prev: make(map[string]broker.Direction),
	}
}

// Direction evaluates the candle window for asset. Trend up plus a bullish
// last candle yields a call; trend down plus a bearish last candle yields
// a put. Anything else yields the carried-forward previous direction, or
// none when carry-forward is off or no previous direction exists.
func (g *Generator) Direction(asset string, candles []broker.Candle) broker.Direction {
	dir := g.evaluate(candles)

	g.mu.Lock()
	defer g.mu.Unlock()
	if dir == broker.None && g.cfg.CarryForward {
		if last, ok := g.prev[asset]; ok {
			g.log.WithFields(logger.Fields{
				"asset":     asset,
				"direction": string(last),
			}).Debug("carrying forward previous direction")
			return last
		}
		return broker.None
	}
	if dir != broker.None {
		g.prev[asset] = dir
	}
	return dir
}

func (g *Generator) evaluate(candles []broker.Candle) broker.Direction {
	if len(candles) < g.cfg.BandPeriod+1 {
		return broker.None
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	bands := indicator.Bands(closes, g.cfg.BandPeriod, g.cfg.BandStdDev)

	first, last := -1, -1
	for i, b := range bands {
		if b.Defined {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 || first == last {
		return broker.None
	}

	trendUp := bands[last].Middle > bands[first].Middle
	trendDown := bands[last].Middle < bands[first].Middle

	tail := candles[len(candles)-1]
	bullish := tail.Close > tail.Open
	bearish := tail.Close < tail.Open

	switch {
	case trendUp && bullish:
		return broker.Call
	case trendDown && bearish:
		return broker.Put
	default:
		return broker.None
	}
}
