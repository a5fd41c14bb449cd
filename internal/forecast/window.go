// Package forecast shapes a device's recent PM series into the fixed-length
// window an external sequence model expects, and runs that model.
package forecast

import (
	"math"

	"aqi-calibration/internal/apperr"
)

const (
	// DefaultTargetLength is the window length the forecast model consumes
	DefaultTargetLength = 60
	// DefaultMinLength is the shortest series that may be resampled up to a window
	DefaultMinLength = 32
)

// PrepareWindow returns exactly targetLength values taken from series.
//
// A series at least targetLength long is truncated to its most recent
// targetLength values, whatever minLength is. A series of minLength up to
// targetLength-1 values is resampled by linear interpolation over the
// normalized index range [0,1], so the first and last values are kept at the
// endpoints. Shorter series fail with ErrInsufficientSeries.
func PrepareWindow(series []float64, targetLength, minLength int) ([]float64, error) {
	n := len(series)
	if targetLength <= 0 {
		return nil, apperr.New(apperr.KindInsufficientSeries, "", "target length %d must be positive", targetLength)
	}

	out := make([]float64, targetLength)
	if n >= targetLength {
		copy(out, series[n-targetLength:])
		return out, nil
	}

	if minLength < 1 {
		minLength = 1
	}
	if n < minLength {
		return nil, apperr.New(apperr.KindInsufficientSeries, "", "have %d values, need at least %d", n, minLength)
	}

	if n == 1 {
		for i := range out {
			out[i] = series[0]
		}
		return out, nil
	}

	last := float64(n - 1)
	for i := range out {
		pos := float64(i) * last / float64(targetLength-1)
		lo := int(math.Floor(pos))
		if lo >= n-1 {
			out[i] = series[n-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = series[lo] + frac*(series[lo+1]-series[lo])
	}
	return out, nil
}
