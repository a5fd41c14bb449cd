package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeWindow is a half-open [Start, End) query range
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// ParseWindow turns a range start into a window ending at now.
// Accepted forms are relative offsets like "-7d", "-24h", "-30m", "-90s"
// and absolute RFC3339 timestamps.
func ParseWindow(start string, now time.Time) (TimeWindow, error) {
	start = strings.TrimSpace(start)
	if start == "" {
		return TimeWindow{}, fmt.Errorf("empty range start")
	}
	now = now.UTC()

	if t, err := time.Parse(time.RFC3339, start); err == nil {
		t = t.UTC()
		if !t.Before(now) {
			return TimeWindow{}, fmt.Errorf("range start %s is not in the past", start)
		}
		return TimeWindow{Start: t, End: now}, nil
	}

	if !strings.HasPrefix(start, "-") {
		return TimeWindow{}, fmt.Errorf("invalid range start %q: want -<n><unit> or RFC3339", start)
	}
	offset, err := parseOffset(start[1:])
	if err != nil {
		return TimeWindow{}, fmt.Errorf("invalid range start %q: %w", start, err)
	}
	return TimeWindow{Start: now.Add(-offset), End: now}, nil
}

func parseOffset(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("bad day count")
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	if strings.HasSuffix(s, "w") {
		weeks, err := strconv.Atoi(strings.TrimSuffix(s, "w"))
		if err != nil || weeks <= 0 {
			return 0, fmt.Errorf("bad week count")
		}
		return time.Duration(weeks) * 7 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("offset must be positive")
	}
	return d, nil
}
