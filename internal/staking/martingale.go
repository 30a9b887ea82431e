// Package staking implements the loss-recovery stake ladder and its
// per-asset trackers.
package staking

import (
	"sync"

	"optionflow/pkg/broker"
	"optionflow/pkg/config"
)

// Machine is the pure stake ladder: level 1 is the base stake, each loss
// climbs one rung up to the ladder's top, any win resets to level 1. Ties
// and unresolved outcomes leave the level untouched.
type Machine struct {
	ladder []config.LadderStep
}

// NewMachine builds a machine over the configured ladder. An empty ladder
// gets a single unit rung so the machine is always usable.
func NewMachine(ladder []config.LadderStep) *Machine {
	if len(ladder) == 0 {
		ladder = []config.LadderStep{{Bet: 1, Profit: 0.8}}
	}
	return &Machine{ladder: ladder}
}

// Levels returns the ladder height.
func (m *Machine) Levels() int { return len(m.ladder) }

// Stake returns the stake for a 1-based level, clamped to the ladder.
func (m *Machine) Stake(level int) float64 {
	return m.step(level).Bet
}

// ExpectedProfit returns the profit a win at the level should return.
func (m *Machine) ExpectedProfit(level int) float64 {
	return m.step(level).Profit
}

func (m *Machine) step(level int) config.LadderStep {
	if level < 1 {
		level = 1
	}
	if level > len(m.ladder) {
		level = len(m.ladder)
	}
	return m.ladder[level-1]
}

// Next returns the level to stake after observing outcome at level. The
// transition is pure; callers own when to apply it.
func (m *Machine) Next(level int, outcome broker.Outcome) int {
	switch outcome {
	case broker.Win:
		return 1
	case broker.Lose:
		if level < len(m.ladder) {
			return level + 1
		}
		return len(m.ladder)
	default:
		// Tie and unresolved do not move the ladder.
		if level < 1 {
			return 1
		}
		if level > len(m.ladder) {
			return len(m.ladder)
		}
		return level
	}
}

// Tracker maintains one ladder position per asset, applied strictly in
// settlement order by the coordinator.
type Tracker struct {
	machine *Machine

	mu     sync.Mutex
	levels map[string]int
	wins   int
	losses int
	ties   int
}

// NewTracker builds a tracker over machine.
func NewTracker(machine *Machine) *Tracker {
	return &Tracker{machine: machine, levels: make(map[string]int)}
}

// StakeFor returns the stake the asset should place now.
func (t *Tracker) StakeFor(asset string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Stake(t.level(asset))
}

// LevelFor returns the asset's current 1-based ladder level.
func (t *Tracker) LevelFor(asset string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level(asset)
}

// Apply advances the asset's ladder with a settled outcome and returns the
// new level.
func (t *Tracker) Apply(asset string, outcome broker.Outcome) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch outcome {
	case broker.Win:
		t.wins++
	case broker.Lose:
		t.losses++
	case broker.Tie:
		t.ties++
	}

	next := t.machine.Next(t.level(asset), outcome)
	t.levels[asset] = next
	return next
}

// Totals reports cumulative win/loss/tie counts.
func (t *Tracker) Totals() (wins, losses, ties int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wins, t.losses, t.ties
}

func (t *Tracker) level(asset string) int {
	if lvl, ok := t.levels[asset]; ok {
		return lvl
	}
	return 1
}
