package service

import (
	"context"
	"strings"

	"tidemark/internal/market"
	"tidemark/internal/store/candlestore"
)

// CandleFieldStream serves indicator requests straight from stored
// bars: open, high, low, close, volume. Derived indicator math lives
// outside this process; unknown fields report not-ready so alerts on
// them simply skip until a real stream is plugged in.
type CandleFieldStream struct {
	candles *candlestore.Store
}

func NewCandleFieldStream(candles *candlestore.Store) *CandleFieldStream {
	return &CandleFieldStream{candles: candles}
}

func (s *CandleFieldStream) Value(ctx context.Context, symbol, interval, field string, ts int64) (float64, bool, error) {
	stepMs, ok := market.IntervalMillis(interval)
	if !ok {
		return 0, false, nil
	}
	bars, err := s.candles.ReadRange(ctx, symbol, interval, ts, ts+stepMs)
	if err != nil {
		return 0, false, err
	}
	if len(bars) == 0 {
		return 0, false, nil
	}
	c := bars[0]
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "open":
		return c.Open, true, nil
	case "high":
		return c.High, true, nil
	case "low":
		return c.Low, true, nil
	case "", "close":
		return c.Close, true, nil
	case "volume":
		return c.Volume, true, nil
	default:
		return 0, false, nil
	}
}
