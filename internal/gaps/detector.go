// Package gaps identifies missing ranges in stored candle sequences,
// honouring the venue trading calendar so weekends and holidays on
// equities venues are never reported as gaps.
package gaps

import (
	"tidemark/internal/market"
)

// Window is a half-open [Start, End) missing range in Unix ms.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Count returns how many bars the window is missing.
func (w Window) Count(stepMs int64) int64 {
	if stepMs <= 0 {
		return 0
	}
	return (w.End - w.Start) / stepMs
}

// Detector walks the expected bar grid for a venue and reports what
// the store does not have.
type Detector struct {
	Venue *market.Venue
}

func NewDetector(v *market.Venue) *Detector {
	if v == nil {
		v = market.VenueCrypto
	}
	return &Detector{Venue: v}
}

// Detect compares candles (ascending, deduplicated by the store)
// against the expected grid over [from, to) and returns merged missing
// windows. Adjacent missing steps collapse into one window; anything
// shorter than a single step is noise and dropped.
func (d *Detector) Detect(symbol, interval string, candles []market.Candle, from, to int64) []Window {
	stepMs, ok := market.IntervalMillis(interval)
	if !ok || to <= from {
		return nil
	}
	from = market.AlignDown(from, stepMs)
	to = market.AlignUp(to, stepMs)

	have := make(map[int64]struct{}, len(candles))
	for _, c := range candles {
		have[c.Timestamp] = struct{}{}
	}

	var out []Window
	var open *Window
	cursor := from
	if !d.Venue.IsTradingTime(cursor) {
		cursor = d.Venue.NextStep(cursor, stepMs)
	}
	for cursor < to {
		if _, ok := have[cursor]; ok {
			if open != nil {
				out = appendWindow(out, *open, stepMs)
				open = nil
			}
		} else {
			if open == nil {
				open = &Window{Start: cursor}
			}
			open.End = cursor + stepMs
		}
		cursor = d.Venue.NextStep(cursor, stepMs)
	}
	if open != nil {
		out = appendWindow(out, *open, stepMs)
	}
	return out
}

func appendWindow(out []Window, w Window, stepMs int64) []Window {
	if w.End-w.Start < stepMs {
		return out
	}
	// Merge with the previous window when the venue calendar made them
	// adjacent (e.g. Friday gap + Monday gap around a weekend).
	if n := len(out); n > 0 && out[n-1].End >= w.Start {
		if w.End > out[n-1].End {
			out[n-1].End = w.End
		}
		return out
	}
	return append(out, w)
}
