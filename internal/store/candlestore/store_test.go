package candlestore

import (
	"context"
	"path/filepath"
	"testing"

	"tidemark/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bar(ts int64, close float64) market.Candle {
	return market.Candle{
		Symbol:    "BTCUSDT",
		Interval:  "1h",
		Timestamp: ts,
		Open:      close - 1,
		High:      close + 2,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	batch := []market.Candle{bar(3600_000, 100), bar(7200_000, 101), bar(10800_000, 102)}

	res, err := s.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Updated)

	t.Run("resubmit same batch", func(t *testing.T) {
		res, err := s.Upsert(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 3, res.Updated)

		n, err := s.CountRange(ctx, "BTCUSDT", "1h", 0, 20000_000)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})

	t.Run("last write wins", func(t *testing.T) {
		revised := bar(7200_000, 999)
		_, err := s.Upsert(ctx, []market.Candle{revised})
		require.NoError(t, err)

		got, err := s.ReadRange(ctx, "BTCUSDT", "1h", 7200_000, 7200_001)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 999.0, got[0].Close)
	})
}

func TestUpsertDropsMalformed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	invalid := bar(3600_000, 100)
	invalid.High = invalid.Low - 5 // high below low

	res, err := s.Upsert(ctx, []market.Candle{invalid, bar(7200_000, 101)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Inserted)

	got, err := s.ReadRange(ctx, "BTCUSDT", "1h", 0, 20000_000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 7200_000, got[0].Timestamp)
}

func TestReadRangeHalfOpenAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, []market.Candle{bar(10800_000, 3), bar(3600_000, 1), bar(7200_000, 2)})
	require.NoError(t, err)

	got, err := s.ReadRange(ctx, "BTCUSDT", "1h", 3600_000, 10800_000)
	require.NoError(t, err)
	require.Len(t, got, 2) // upper bound excluded
	assert.EqualValues(t, 3600_000, got[0].Timestamp)
	assert.EqualValues(t, 7200_000, got[1].Timestamp)
}

func TestLatestTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.LatestTimestamp(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.Upsert(ctx, []market.Candle{bar(3600_000, 1), bar(7200_000, 2)})
	require.NoError(t, err)

	ts, found, err := s.LatestTimestamp(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 7200_000, ts)
}

func TestPairIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	eth := bar(3600_000, 50)
	eth.Symbol = "ETHUSDT"
	_, err := s.Upsert(ctx, []market.Candle{bar(3600_000, 100), eth})
	require.NoError(t, err)

	got, err := s.ReadRange(ctx, "ETHUSDT", "1h", 0, 10000_000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 50.0, got[0].Close)
}
