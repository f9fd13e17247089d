package alert

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tidemark/internal/market"
	"tidemark/internal/store/alertstore"
	"tidemark/internal/store/candlestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	fired []int64
}

func (d *recordingDispatcher) Dispatch(_ context.Context, a alertstore.Alert, _ alertstore.Trigger) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired = append(d.fired, a.ID)
	return nil
}

func (d *recordingDispatcher) ids() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.fired...)
}

type stubStream struct {
	values map[int64]float64
}

func (s *stubStream) Value(_ context.Context, _, _, _ string, ts int64) (float64, bool, error) {
	v, ok := s.values[ts]
	return v, ok, nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *alertstore.Store, *recordingDispatcher) {
	t.Helper()
	cs, err := candlestore.Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	store, err := alertstore.New(cs.DB())
	require.NoError(t, err)
	disp := &recordingDispatcher{}
	e := NewEngine(store, nil, disp, nil, cfg)
	return e, store, disp
}

// steppingClock advances one second per reading so cooldown arithmetic
// is deterministic in tests.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func closeBar(ts int64, close float64) market.Candle {
	return market.Candle{
		Symbol: "BTCUSDT", Interval: "1h", Timestamp: ts,
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1,
	}
}

func TestCrossUpFiresExactlyOnce(t *testing.T) {
	e, store, disp := newTestEngine(t, Config{MinCooldown: time.Millisecond})
	e.nowFn = steppingClock(time.Now())
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)

	step := int64(3600_000)
	e.OnCommit("BTCUSDT", "1h", []market.Candle{
		closeBar(step, 98),
		closeBar(2*step, 99),
		closeBar(3*step, 101), // the crossing
		closeBar(4*step, 103),
	})
	e.Tick(ctx)

	triggers, err := store.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.EqualValues(t, 3*step, triggers[0].BarTs)
	assert.Equal(t, 101.0, triggers[0].ValueAtTrigger)
	assert.Equal(t, []int64{a.ID}, disp.ids())

	t.Run("crossing state persisted", func(t *testing.T) {
		got, _, err := store.GetAlert(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.PrevValue)
		assert.Equal(t, 103.0, *got.PrevValue)
		assert.EqualValues(t, 4*step, got.PrevBarTs)
	})
}

func TestFirstBarOnlyRecordsState(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)

	// A single bar above the level is not a crossing: there is no
	// previous value yet.
	e.OnCommit("BTCUSDT", "1h", []market.Candle{closeBar(3600_000, 150)})
	e.Tick(ctx)

	triggers, err := store.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, triggers)

	got, _, err := store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PrevValue)
	assert.Equal(t, 150.0, *got.PrevValue)
}

func TestReprocessedBarDoesNotRefire(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{MinCooldown: time.Millisecond})
	e.nowFn = steppingClock(time.Now())
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100,
		ThrottleMode: alertstore.ThrottleOncePerBar, Enabled: true,
	})
	require.NoError(t, err)

	step := int64(3600_000)
	bars := []market.Candle{closeBar(step, 99), closeBar(2*step, 101)}
	e.OnCommit("BTCUSDT", "1h", bars)
	e.Tick(ctx)

	// A correction re-delivers the triggering bar.
	e.OnCommit("BTCUSDT", "1h", []market.Candle{closeBar(2*step, 101.5)})
	e.Tick(ctx)

	triggers, err := store.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, triggers, 1)
}

func TestOncePerDayThrottle(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{MinCooldown: time.Millisecond})
	e.nowFn = steppingClock(time.Now())
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100,
		ThrottleMode: alertstore.ThrottleOncePerDay, Enabled: true,
	})
	require.NoError(t, err)

	step := int64(3600_000)
	day := int64(86400_000)
	e.OnCommit("BTCUSDT", "1h", []market.Candle{
		closeBar(10*step, 99),
		closeBar(11*step, 101), // first qualifying crossing today
		closeBar(12*step, 98),
		closeBar(13*step, 102), // second crossing, same UTC day
		closeBar(day+10*step, 97),
		closeBar(day+11*step, 103), // next day fires again
	})
	e.Tick(ctx)

	triggers, err := store.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
}

func TestOncePerDayUsesVenueLocalMidnight(t *testing.T) {
	cs, err := candlestore.Open(filepath.Join(t.TempDir(), "venue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	store, err := alertstore.New(cs.DB())
	require.NoError(t, err)
	disp := &recordingDispatcher{}
	e := NewEngine(store, nil, disp, func(string) *market.Venue { return market.VenueEquities }, Config{MinCooldown: time.Millisecond})
	e.nowFn = steppingClock(time.Now())
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "AAPL", Interval: "1h", Condition: CondCrossUp, Threshold: 100,
		ThrottleMode: alertstore.ThrottleOncePerDay, Enabled: true,
	})
	require.NoError(t, err)

	bar := func(ts time.Time, close float64) market.Candle {
		return market.Candle{
			Symbol: "AAPL", Interval: "1h", Timestamp: ts.UnixMilli(),
			Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1,
		}
	}
	// Monday 23:00 UTC and Tuesday 02:00 UTC are different UTC dates
	// but the same New York day; Tuesday 06:00 UTC is past New York
	// midnight and starts a fresh throttle window.
	e.OnCommit("AAPL", "1h", []market.Candle{
		bar(time.Date(2026, 1, 12, 22, 0, 0, 0, time.UTC), 99),
		bar(time.Date(2026, 1, 12, 23, 0, 0, 0, time.UTC), 101), // fires
		bar(time.Date(2026, 1, 13, 1, 0, 0, 0, time.UTC), 98),
		bar(time.Date(2026, 1, 13, 2, 0, 0, 0, time.UTC), 102), // same NY day, throttled
		bar(time.Date(2026, 1, 13, 5, 0, 0, 0, time.UTC), 97),
		bar(time.Date(2026, 1, 13, 6, 0, 0, 0, time.UTC), 103), // past NY midnight, fires
	})
	e.Tick(ctx)

	triggers, err := store.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.EqualValues(t, time.Date(2026, 1, 12, 23, 0, 0, 0, time.UTC).UnixMilli(), triggers[1].BarTs)
	assert.EqualValues(t, time.Date(2026, 1, 13, 6, 0, 0, 0, time.UTC).UnixMilli(), triggers[0].BarTs)
}

func TestAntiFlapCooldown(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{MinCooldown: time.Hour})
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100,
		ThrottleMode: alertstore.ThrottleNone, Enabled: true,
	})
	require.NoError(t, err)

	step := int64(3600_000)
	e.OnCommit("BTCUSDT", "1h", []market.Candle{
		closeBar(step, 99),
		closeBar(2*step, 101), // fires, starts cooldown
		closeBar(3*step, 99),
		closeBar(4*step, 101), // qualifying again but inside cooldown
	})
	e.Tick(ctx)

	triggers, err := store.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, triggers, 1, "oscillation must not storm")
}

func TestErrorIsolationBetweenAlerts(t *testing.T) {
	e, store, disp := newTestEngine(t, Config{MinCooldown: time.Millisecond})
	e.nowFn = steppingClock(time.Now())
	ctx := context.Background()

	_, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: "bogus_condition", Enabled: true,
	})
	require.NoError(t, err)
	good, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)

	step := int64(3600_000)
	e.OnCommit("BTCUSDT", "1h", []market.Candle{closeBar(step, 99), closeBar(2*step, 101)})
	e.Tick(ctx)

	assert.Equal(t, []int64{good.ID}, disp.ids(), "broken alert must not block its neighbours")
}

func TestActiveSymbolsEvaluateFirst(t *testing.T) {
	e, store, disp := newTestEngine(t, Config{TickBudget: time.Hour, MinCooldown: time.Millisecond})
	e.nowFn = steppingClock(time.Now())
	ctx := context.Background()

	ethAlert, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "ETHUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)
	btcAlert, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)

	e.SetActiveSymbols([]string{"BTCUSDT"})

	step := int64(3600_000)
	eth := closeBar(step, 99)
	eth.Symbol = "ETHUSDT"
	eth2 := closeBar(2*step, 101)
	eth2.Symbol = "ETHUSDT"
	e.OnCommit("ETHUSDT", "1h", []market.Candle{eth, eth2})
	e.OnCommit("BTCUSDT", "1h", []market.Candle{closeBar(step, 99), closeBar(2*step, 101)})
	e.Tick(ctx)

	// Tiers run to completion in order, so the viewed symbol's alert
	// dispatches before the background one.
	assert.Equal(t, []int64{btcAlert.ID, ethAlert.ID}, disp.ids())
}

func TestBudgetCarryOver(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{TickBudget: time.Millisecond, MinCooldown: time.Millisecond})
	ctx := context.Background()
	e.SetActiveSymbols([]string{"BTCUSDT"})

	btc, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)
	eth, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "ETHUSDT", Interval: "1h", Condition: CondCrossUp, Threshold: 100, Enabled: true,
	})
	require.NoError(t, err)

	// Every reading after the first lands past the deadline, so only
	// the leading tier fits in this tick.
	base := time.Now()
	calls := 0
	var mu sync.Mutex
	e.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(time.Minute)
	}

	step := int64(3600_000)
	e.OnCommit("BTCUSDT", "1h", []market.Candle{closeBar(step, 99), closeBar(2*step, 101)})
	e.OnCommit("ETHUSDT", "1h", []market.Candle{
		{Symbol: "ETHUSDT", Interval: "1h", Timestamp: step, Open: 99, High: 100, Low: 98, Close: 99, Volume: 1},
		{Symbol: "ETHUSDT", Interval: "1h", Timestamp: 2 * step, Open: 101, High: 102, Low: 100, Close: 101, Volume: 1},
	})
	e.Tick(ctx)

	btcTriggers, err := store.ListTriggers(ctx, btc.ID, 10)
	require.NoError(t, err)
	assert.Len(t, btcTriggers, 1, "the leading tier always makes progress")
	ethTriggers, err := store.ListTriggers(ctx, eth.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, ethTriggers, "later tiers wait when the budget is blown")
	assert.Equal(t, 1, e.PendingPairs(), "unreached pairs carry over")

	t.Run("next tick drains the carry-over", func(t *testing.T) {
		e.nowFn = steppingClock(base)
		e.Tick(ctx)
		ethTriggers, err := store.ListTriggers(ctx, eth.ID, 10)
		require.NoError(t, err)
		assert.Len(t, ethTriggers, 1)
		assert.Zero(t, e.PendingPairs())
	})
}

func TestIndicatorConditions(t *testing.T) {
	cs, err := candlestore.Open(filepath.Join(t.TempDir(), "ind.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	store, err := alertstore.New(cs.DB())
	require.NoError(t, err)

	step := int64(3600_000)
	stream := &stubStream{values: map[int64]float64{
		2 * step: -1.5,
		3 * step: 0.5, // sign flip
	}}
	disp := &recordingDispatcher{}
	e := NewEngine(store, stream, disp, nil, Config{MinCooldown: time.Millisecond})
	e.nowFn = steppingClock(time.Now())
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, alertstore.Alert{
		Symbol: "BTCUSDT", Interval: "1h", Condition: CondTurnsPositive,
		Params: map[string]string{"indicator": "macd_hist"}, Enabled: true,
	})
	require.NoError(t, err)

	e.OnCommit("BTCUSDT", "1h", []market.Candle{
		closeBar(step, 1), // stream has no value yet: warmup, skipped
		closeBar(2*step, 1),
		closeBar(3*step, 1),
	})
	e.Tick(ctx)

	triggers, err := store.ListTriggers(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.EqualValues(t, 3*step, triggers[0].BarTs)
}
