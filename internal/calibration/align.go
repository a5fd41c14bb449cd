package calibration

import (
	"sort"
	"time"

	"aqi-calibration/internal/models"
)

// DefaultTimeTolerance bounds the time gap between a raw reading and the
// reference reading it is paired with
const DefaultTimeTolerance = 30 * time.Minute

// Align pairs every raw reading with the reference reading nearest in time.
//
// Inputs need not be sorted; Align works on stably sorted copies and never
// mutates its arguments. A raw reading whose nearest reference is more than
// tolerance away is dropped. On a tie the earlier reference wins. A reference
// may be matched by any number of raw readings. The result is in ascending
// raw-reading time and DistanceM is left at zero.
func Align(raw []models.Reading, ref []models.ReferenceReading, tolerance time.Duration) []models.AlignedPair {
	if len(raw) == 0 || len(ref) == 0 {
		return nil
	}

	rawSorted := make([]models.Reading, len(raw))
	copy(rawSorted, raw)
	sort.SliceStable(rawSorted, func(i, j int) bool {
		return rawSorted[i].Time.Before(rawSorted[j].Time)
	})

	refSorted := make([]models.ReferenceReading, len(ref))
	copy(refSorted, ref)
	sort.SliceStable(refSorted, func(i, j int) bool {
		return refSorted[i].Time.Before(refSorted[j].Time)
	})

	pairs := make([]models.AlignedPair, 0, len(rawSorted))
	for _, r := range rawSorted {
		idx, ok := nearest(refSorted, r.Time, tolerance)
		if !ok {
			continue
		}
		pairs = append(pairs, models.AlignedPair{
			Time: r.Time,
			Raw:  r,
			Ref:  refSorted[idx],
		})
	}
	return pairs
}

// nearest finds the index of the reference closest to target, preferring the
// earlier one on a tie. refs must be sorted ascending.
func nearest(refs []models.ReferenceReading, target time.Time, tolerance time.Duration) (int, bool) {
	// First reference at or after target
	idx := sort.Search(len(refs), func(i int) bool {
		return !refs[i].Time.Before(target)
	})

	best := -1
	var bestDiff time.Duration

	// Among equal timestamps before target, the first one is the earliest
	if idx > 0 {
		prev := idx - 1
		for prev > 0 && refs[prev-1].Time.Equal(refs[prev].Time) {
			prev--
		}
		best = prev
		bestDiff = target.Sub(refs[prev].Time)
	}
	if idx < len(refs) {
		diff := refs[idx].Time.Sub(target)
		if best < 0 || diff < bestDiff {
			best = idx
			bestDiff = diff
		}
	}

	if best < 0 || bestDiff > tolerance {
		return 0, false
	}
	return best, true
}
