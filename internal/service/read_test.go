package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tidemark/internal/backfill"
	"tidemark/internal/market"
	"tidemark/internal/store/candlestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackfiller fills requested windows straight into the store.
type fakeBackfiller struct {
	mu       sync.Mutex
	candles  *candlestore.Store
	requests []backfill.Spec
}

func (f *fakeBackfiller) Request(ctx context.Context, spec backfill.Spec) (backfill.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, spec)
	f.mu.Unlock()
	stepMs, _ := market.IntervalMillis(spec.Interval)
	var batch []market.Candle
	for ts := spec.From; ts < spec.To; ts += stepMs {
		batch = append(batch, market.Candle{
			Symbol: spec.Symbol, Interval: spec.Interval, Timestamp: ts,
			Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 1,
		})
	}
	_, err := f.candles.Upsert(ctx, batch)
	return backfill.Result{}, err
}

// readBase anchors test grids at a real epoch; Validate drops bars
// stamped at or before zero.
var readBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func seed(t *testing.T, cs *candlestore.Store, stepMs int64, indexes []int) {
	t.Helper()
	var batch []market.Candle
	for _, i := range indexes {
		batch = append(batch, market.Candle{
			Symbol: "BTCUSDT", Interval: "1h", Timestamp: readBase + int64(i)*stepMs,
			Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 1,
		})
	}
	_, err := cs.Upsert(context.Background(), batch)
	require.NoError(t, err)
}

func newTestReader(t *testing.T) (*Reader, *candlestore.Store, *fakeBackfiller) {
	t.Helper()
	cs, err := candlestore.Open(filepath.Join(t.TempDir(), "read.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	bf := &fakeBackfiller{candles: cs}
	return NewReader(cs, bf, nil), cs, bf
}

func TestRequestCompleteRange(t *testing.T) {
	r, cs, bf := newTestReader(t)
	step := int64(3600_000)
	seed(t, cs, step, []int{0, 1, 2, 3})

	resp, err := r.Request(context.Background(), "BTCUSDT", "1h", readBase, readBase+4*step, false)
	require.NoError(t, err)
	assert.Len(t, resp.Candles, 4)
	assert.False(t, resp.Meta.HasGaps)
	assert.False(t, resp.Meta.NeedsBackfill)
	assert.Empty(t, bf.requests, "no fill traffic for a complete range")
}

func TestRequestFillsSmallGapInline(t *testing.T) {
	r, _, bf := newTestReader(t)
	step := int64(3600_000)
	cs := bf.candles
	seed(t, cs, step, []int{0, 1, 4, 5}) // hours 2..3 missing

	resp, err := r.Request(context.Background(), "BTCUSDT", "1h", readBase, readBase+6*step, false)
	require.NoError(t, err)
	require.Len(t, bf.requests, 1)
	assert.Equal(t, readBase+2*step, bf.requests[0].From)
	assert.Equal(t, readBase+4*step, bf.requests[0].To)

	assert.Len(t, resp.Candles, 6, "re-read includes the filled bars")
	assert.True(t, resp.Meta.HasGaps, "original read had gaps")
	assert.False(t, resp.Meta.NeedsBackfill)
}

func TestRequestLocalOnlySkipsFill(t *testing.T) {
	r, cs, bf := newTestReader(t)
	step := int64(3600_000)
	seed(t, cs, step, []int{0, 1, 4, 5})

	resp, err := r.Request(context.Background(), "BTCUSDT", "1h", readBase, readBase+6*step, true)
	require.NoError(t, err)
	assert.Len(t, resp.Candles, 4)
	assert.True(t, resp.Meta.HasGaps)
	assert.False(t, resp.Meta.NeedsBackfill)
	assert.Empty(t, bf.requests)
}

func TestRequestLargeGapDefersToBackfill(t *testing.T) {
	r, cs, bf := newTestReader(t)
	step := int64(3600_000)
	seed(t, cs, step, []int{0})

	// 1000 missing hourly bars blows the inline cap.
	resp, err := r.Request(context.Background(), "BTCUSDT", "1h", readBase, readBase+1001*step, false)
	require.NoError(t, err)
	assert.Len(t, resp.Candles, 1)
	assert.True(t, resp.Meta.HasGaps)
	assert.True(t, resp.Meta.NeedsBackfill)
	assert.Empty(t, bf.requests, "large gaps never fill inline")
}

func TestCandleFieldStream(t *testing.T) {
	cs, err := candlestore.Open(filepath.Join(t.TempDir(), "stream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	ctx := context.Background()

	_, err = cs.Upsert(ctx, []market.Candle{{
		Symbol: "BTCUSDT", Interval: "1h", Timestamp: 3600_000,
		Open: 10, High: 20, Low: 5, Close: 15, Volume: 99,
	}})
	require.NoError(t, err)

	s := NewCandleFieldStream(cs)

	cases := []struct {
		field string
		want  float64
	}{
		{"open", 10}, {"high", 20}, {"low", 5}, {"close", 15}, {"volume", 99}, {"", 15},
	}
	for _, tc := range cases {
		v, ok, err := s.Value(ctx, "BTCUSDT", "1h", tc.field, 3600_000)
		require.NoError(t, err)
		require.True(t, ok, tc.field)
		assert.Equal(t, tc.want, v, tc.field)
	}

	t.Run("missing bar or unknown field not ready", func(t *testing.T) {
		_, ok, err := s.Value(ctx, "BTCUSDT", "1h", "close", 7200_000)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Value(ctx, "BTCUSDT", "1h", "rsi", 3600_000)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
