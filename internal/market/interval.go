package market

import (
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses "1m", "15m", "1h", "4h", "1d", "1w" into
// a time.Duration. Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// IntervalMillis is ParseIntervalDuration in Unix-millisecond units.
func IntervalMillis(interval string) (int64, bool) {
	d, ok := ParseIntervalDuration(interval)
	if !ok {
		return 0, false
	}
	return d.Milliseconds(), true
}

// AlignDown floors ts to the interval grid.
func AlignDown(ts int64, stepMs int64) int64 {
	if stepMs <= 0 {
		return ts
	}
	return ts - ts%stepMs
}

// AlignUp ceils ts to the interval grid.
func AlignUp(ts int64, stepMs int64) int64 {
	if stepMs <= 0 {
		return ts
	}
	if ts%stepMs == 0 {
		return ts
	}
	return AlignDown(ts, stepMs) + stepMs
}
