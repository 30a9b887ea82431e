package staking

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"optionflow/pkg/broker"
)

// Simulator walks the stake ladder interactively against manually entered
// outcomes so a ladder can be sanity-checked before risking capital.
type Simulator struct {
	machine *Machine
	in      *bufio.Scanner
	out     io.Writer
}

// NewSimulator builds a simulator reading outcomes from in and writing the
// running account to out.
func NewSimulator(machine *Machine, in io.Reader, out io.Writer) *Simulator {
	return &Simulator{machine: machine, in: bufio.NewScanner(in), out: out}
}

// Run plays rounds until the input ends, "q" is entered, or the capital
// cannot cover the next stake. Accepted answers per round: w (win),
// l (lose), t (tie), q (quit). Returns the final capital.
func (s *Simulator) Run(capital float64) float64 {
	level := 1
	round := 0

	fmt.Fprintf(s.out, "starting capital: %.2f, ladder height: %d\n", capital, s.machine.Levels())

	for {
		stake := s.machine.Stake(level)
		if stake > capital {
			fmt.Fprintf(s.out, "BROKE: level %d needs %.2f but only %.2f remains\n", level, stake, capital)
			break
		}

		round++
		fmt.Fprintf(s.out, "round %d, level %d, stake %.2f, capital %.2f. outcome [w/l/t/q]: ", round, level, stake, capital)
		if !s.in.Scan() {
			break
		}
		answer := strings.ToLower(strings.TrimSpace(s.in.Text()))

		switch answer {
		case "w":
			capital += s.machine.ExpectedProfit(level)
			level = 1
		case "l":
			capital -= stake
			level = s.machine.Next(level, broker.Lose)
		case "t":
			// Stake returned, nothing changes.
		case "q":
			fmt.Fprintln(s.out, "simulation stopped")
			round--
		default:
			fmt.Fprintln(s.out, "unknown answer, expected w, l, t or q")
			round--
			continue
		}
		if answer == "q" {
			break
		}
	}

	fmt.Fprintf(s.out, "rounds played: %d, final capital: %.2f\n", round, capital)
	return capital
}
