package engine

import (
	"errors"
	"fmt"

	"optionflow/pkg/broker"
)

// ErrInstrumentClosed means an asset is not tradable under any preferred
// class, even with the weekend suffix applied.
var ErrInstrumentClosed = errors.New("instrument closed")

// otcSuffix marks the weekend variant of an instrument.
const otcSuffix = "-OTC"

// Resolution binds an asset to the tradable instrument and class chosen
// for it.
type Resolution struct {
	Asset      string // as requested
	Instrument string // possibly with the weekend suffix
	Class      broker.InstrumentClass
}

// Resolve picks the instrument and class to trade for asset: classes are
// tried in preference order against the plain name first, then against the
// weekend variant.
func Resolve(book broker.OpenBook, asset string, preference []broker.InstrumentClass) (Resolution, error) {
	for _, name := range []string{asset, asset + otcSuffix} {
		for _, class := range preference {
			if book.IsOpen(class, name) {
				return Resolution{Asset: asset, Instrument: name, Class: class}, nil
			}
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s", ErrInstrumentClosed, asset)
}

// ResolveAll resolves every asset that is currently tradable, preserving
// input order and skipping closed ones.
func ResolveAll(book broker.OpenBook, assets []string, preference []broker.InstrumentClass) []Resolution {
	out := make([]Resolution, 0, len(assets))
	for _, asset := range assets {
		if r, err := Resolve(book, asset, preference); err == nil {
			out = append(out, r)
		}
	}
	return out
}
