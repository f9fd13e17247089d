package backfill

import (
	"time"

	"tidemark/internal/market"
)

// Chunk is one provider-safe fetch window, half-open [From, To).
type Chunk struct {
	From int64
	To   int64
}

// chunkSpan returns the canonical lookback cap for one provider call.
// Short intervals get short windows so a single response stays well
// under provider row limits; daily and up can span years.
func chunkSpan(interval string) time.Duration {
	d, ok := market.ParseIntervalDuration(interval)
	if !ok {
		return 24 * time.Hour
	}
	switch {
	case d < 5*time.Minute:
		return 12 * time.Hour
	case d < time.Hour:
		return 7 * 24 * time.Hour
	case d < 24*time.Hour:
		return 30 * 24 * time.Hour
	case d < 7*24*time.Hour:
		return 2 * 365 * 24 * time.Hour
	default:
		return 5 * 365 * 24 * time.Hour
	}
}

// planChunks splits [from, to) into provider-safe chunks on the
// interval grid. Oldest first, so partial progress always extends the
// contiguous head of the window.
func planChunks(interval string, from, to int64) []Chunk {
	stepMs, ok := market.IntervalMillis(interval)
	if !ok || to <= from {
		return nil
	}
	from = market.AlignDown(from, stepMs)
	to = market.AlignUp(to, stepMs)
	spanMs := chunkSpan(interval).Milliseconds()
	if spanMs < stepMs {
		spanMs = stepMs
	}
	var out []Chunk
	for cur := from; cur < to; cur += spanMs {
		end := cur + spanMs
		if end > to {
			end = to
		}
		out = append(out, Chunk{From: cur, To: end})
	}
	return out
}

// halve shrinks a chunk to its first half (step-aligned) and returns
// the remainder to be re-queued, if any. Used after transient or
// rate-limit failures so retries ask for less.
func halve(c Chunk, stepMs int64) (head Chunk, tail Chunk, split bool) {
	width := c.To - c.From
	if width <= stepMs {
		return c, Chunk{}, false
	}
	mid := market.AlignDown(c.From+width/2, stepMs)
	if mid <= c.From {
		mid = c.From + stepMs
	}
	return Chunk{From: c.From, To: mid}, Chunk{From: mid, To: c.To}, true
}
