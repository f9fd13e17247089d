// Package service owns the read boundary exposed to the UI layer:
// cached candles plus metadata, with a bounded on-demand fill when
// gaps are small enough to repair inline.
package service

import (
	"context"
	"time"

	"tidemark/internal/backfill"
	"tidemark/internal/gaps"
	"tidemark/internal/logger"
	"tidemark/internal/market"
	"tidemark/internal/store/candlestore"
)

// Hard caps for inline fills; anything larger returns what is cached
// plus NeedsBackfill=true instead of blocking the caller.
const (
	maxInlineFillCandles = 500
	maxInlineFillSpan    = 30 * 24 * time.Hour
)

// Meta describes the returned range.
type Meta struct {
	From          int64 `json:"from"`
	To            int64 `json:"to"`
	Count         int   `json:"count"`
	HasGaps       bool  `json:"has_gaps"`
	NeedsBackfill bool  `json:"needs_backfill"`
}

// Response is the read-boundary payload.
type Response struct {
	Candles []market.Candle `json:"candles"`
	Meta    Meta            `json:"meta"`
}

// Backfiller is the slice of the orchestrator the reader needs.
type Backfiller interface {
	Request(ctx context.Context, spec backfill.Spec) (backfill.Result, error)
}

type Reader struct {
	candles    *candlestore.Store
	backfiller Backfiller
	venueFor   func(symbol string) *market.Venue
}

func NewReader(candles *candlestore.Store, backfiller Backfiller, venueFor func(string) *market.Venue) *Reader {
	if venueFor == nil {
		venueFor = func(string) *market.Venue { return market.VenueCrypto }
	}
	return &Reader{candles: candles, backfiller: backfiller, venueFor: venueFor}
}

// Request returns cached candles for [from, to). With localOnly=false
// small gaps are filled inline (bounded by the hard caps) before
// re-reading; large gaps only flag NeedsBackfill so the caller can
// schedule a proper job.
func (r *Reader) Request(ctx context.Context, symbol, interval string, from, to int64, localOnly bool) (Response, error) {
	candles, err := r.candles.ReadRange(ctx, symbol, interval, from, to)
	if err != nil {
		return Response{}, err
	}
	detector := gaps.NewDetector(r.venueFor(symbol))
	missing := detector.Detect(symbol, interval, candles, from, to)

	resp := Response{
		Candles: candles,
		Meta: Meta{
			From:    from,
			To:      to,
			Count:   len(candles),
			HasGaps: len(missing) > 0,
		},
	}
	if len(missing) == 0 || localOnly {
		return resp, nil
	}

	stepMs, ok := market.IntervalMillis(interval)
	if !ok {
		return resp, nil
	}
	if !inlineFillable(missing, stepMs) {
		resp.Meta.NeedsBackfill = true
		return resp, nil
	}

	for _, w := range missing {
		if r.backfiller == nil {
			resp.Meta.NeedsBackfill = true
			return resp, nil
		}
		if _, err := r.backfiller.Request(ctx, backfill.Spec{
			Symbol:   symbol,
			Interval: interval,
			From:     w.Start,
			To:       w.End,
		}); err != nil {
			logger.Warnf("reader %s %s: inline fill [%d, %d) failed: %v", symbol, interval, w.Start, w.End, err)
			resp.Meta.NeedsBackfill = true
			return resp, nil
		}
	}

	candles, err = r.candles.ReadRange(ctx, symbol, interval, from, to)
	if err != nil {
		return Response{}, err
	}
	resp.Candles = candles
	resp.Meta.Count = len(candles)
	resp.Meta.HasGaps = len(detector.Detect(symbol, interval, candles, from, to)) > 0
	// Windows the provider legitimately has nothing for stay gaps; they
	// are not re-tried here.
	return resp, nil
}

func inlineFillable(missing []gaps.Window, stepMs int64) bool {
	var total int64
	var span int64
	for _, w := range missing {
		total += w.Count(stepMs)
		span += w.End - w.Start
	}
	return total <= maxInlineFillCandles && span <= maxInlineFillSpan.Milliseconds()
}
