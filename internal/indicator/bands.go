// Package indicator computes the price-band statistics the signal layer
// consumes.
package indicator

import "math"

// BandPoint is the moving-average band at one bar. Defined is false for
// the leading bars where the lookback window is not yet full.
type BandPoint struct {
	Middle  float64
	Upper   float64
	Lower   float64
	Defined bool
}

// Bands computes period-bar moving-average bands over closes with the band
// width set to mult standard deviations. The result has one point per
// input close; the first period-1 points are undefined. The deviation is
// the population form, matching the windowed mean it brackets.
func Bands(closes []float64, period int, mult float64) []BandPoint {
	out := make([]BandPoint, len(closes))
	if period < 1 || len(closes) < period {
		return out
	}

	for i := period - 1; i < len(closes); i++ {
		window := closes[i-period+1 : i+1]
		mean := meanOf(window)
		sd := stdDevOf(window, mean)
		out[i] = BandPoint{
			Middle:  mean,
			Upper:   mean + mult*sd,
			Lower:   mean - mult*sd,
			Defined: true,
		}
	}
	return out
}

func meanOf(window []float64) float64 {
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

func stdDevOf(window []float64, mean float64) float64 {
	sum := 0.0
	for _, v := range window {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(window)))
}
