package alertstore

import (
	"context"
	"path/filepath"
	"testing"

	"tidemark/internal/store/candlestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cs, err := candlestore.Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	s, err := New(cs.DB())
	require.NoError(t, err)
	return s
}

func TestAlertCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateAlert(ctx, Alert{
		Symbol:       "btcusdt",
		Interval:     "1H",
		Condition:    "crosses_up",
		Threshold:    65000,
		ThrottleMode: "once_per_bar",
		Enabled:      true,
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	assert.Equal(t, "BTCUSDT", created.Symbol, "symbol normalized to upper")
	assert.Equal(t, "1h", created.Interval)

	t.Run("list enabled filters by symbol", func(t *testing.T) {
		got, err := s.ListEnabled(ctx, "BTCUSDT")
		require.NoError(t, err)
		require.Len(t, got, 1)

		got, err = s.ListEnabled(ctx, "ETHUSDT")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("disable removes from enabled set", func(t *testing.T) {
		created.Enabled = false
		require.NoError(t, s.UpdateAlert(ctx, created))
		got, err := s.ListEnabled(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteAlert(ctx, created.ID))
		_, found, err := s.GetAlert(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestEvalStateSurvivesReload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAlert(ctx, Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: "above", Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)

	prev := 99.5
	delta := 1.25
	a.PrevValue = &prev
	a.PrevDelta = &delta
	a.PrevBarTs = 3600_000
	a.LastTrigBar = 3600_000
	a.LastTrigDay = "2026-01-02"
	a.CooldownUntil = 9999_000
	require.NoError(t, s.SaveEvalState(ctx, a))

	got, found, err := s.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.PrevValue)
	assert.Equal(t, 99.5, *got.PrevValue)
	require.NotNil(t, got.PrevDelta)
	assert.Equal(t, 1.25, *got.PrevDelta)
	assert.EqualValues(t, 3600_000, got.PrevBarTs)
	assert.EqualValues(t, 3600_000, got.LastTrigBar)
	assert.Equal(t, "2026-01-02", got.LastTrigDay)
	assert.EqualValues(t, 9999_000, got.CooldownUntil)
}

func TestInsertTriggerDedupes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAlert(ctx, Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: "above", Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)

	first, created, err := s.InsertTrigger(ctx, Trigger{AlertID: a.ID, BarTs: 3600_000, ValueAtTrigger: 101})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, DeliveryPending, first.DeliveryStatus)

	// Reprocessing the same bar must not produce a second trigger.
	_, created, err = s.InsertTrigger(ctx, Trigger{AlertID: a.ID, BarTs: 3600_000, ValueAtTrigger: 101})
	require.NoError(t, err)
	assert.False(t, created)

	triggers, err := s.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)

	t.Run("delivery status update", func(t *testing.T) {
		require.NoError(t, s.SetDeliveryStatus(ctx, triggers[0].ID, DeliverySent))
		got, err := s.ListTriggers(ctx, a.ID, 10)
		require.NoError(t, err)
		assert.Equal(t, DeliverySent, got[0].DeliveryStatus)
	})
}
