package jobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tidemark/internal/store/candlestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cs, err := candlestore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	s, err := New(cs.DB())
	require.NoError(t, err)
	return s
}

func TestAcquireExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "worker-a", KindBackfill, time.Minute))

	t.Run("second owner blocked", func(t *testing.T) {
		err := s.Acquire(ctx, "BTCUSDT", "1h", "worker-b", KindBackfill, time.Minute)
		assert.ErrorIs(t, err, ErrLeaseHeld)
	})

	t.Run("same owner re-acquires", func(t *testing.T) {
		assert.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "worker-a", KindBackfill, time.Minute))
	})

	t.Run("other pair unaffected", func(t *testing.T) {
		assert.NoError(t, s.Acquire(ctx, "ETHUSDT", "1h", "worker-b", KindBackfill, time.Minute))
	})
}

func TestAcquireRaceKeepsOneOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// All claimants race for a pair with no lease row yet. The insert
	// conflicts instead of overwriting, so exactly one wins and the
	// surviving row belongs to that winner.
	const claimants = 8
	type outcome struct {
		owner string
		err   error
	}
	results := make(chan outcome, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- outcome{owner, s.Acquire(ctx, "SOLUSDT", "1h", owner, KindBackfill, time.Minute)}
		}()
	}
	wg.Wait()
	close(results)

	var winner string
	wins := 0
	for r := range results {
		if r.err == nil {
			wins++
			winner = r.owner
		}
	}
	require.Equal(t, 1, wins, "exactly one claimant holds the fresh lease")

	var cur leaseModel
	require.NoError(t, s.db.Where("symbol = ? AND interval = ?", "SOLUSDT", "1h").First(&cur).Error)
	assert.Equal(t, winner, cur.Owner)
}

func TestAcquireAfterExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })
	require.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "worker-a", KindBackfill, time.Minute))

	// A crashed holder never blocks forever: after TTL anyone may take over.
	s.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	assert.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "worker-b", KindBackfill, time.Minute))

	t.Run("old owner cannot renew", func(t *testing.T) {
		err := s.Renew(ctx, "BTCUSDT", "1h", "worker-a", time.Minute)
		assert.ErrorIs(t, err, ErrLeaseHeld)
	})
}

func TestIncrementalFlagsYield(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "backfiller", KindBackfill, time.Minute))

	err := s.Acquire(ctx, "BTCUSDT", "1h", "updater", KindIncremental, 30*time.Second)
	require.ErrorIs(t, err, ErrLeaseHeld)

	yield, err := s.YieldRequested(ctx, "BTCUSDT", "1h", "backfiller")
	require.NoError(t, err)
	assert.True(t, yield, "backfill holder should be asked to step aside")

	t.Run("yield clears on reacquire", func(t *testing.T) {
		require.NoError(t, s.Release(ctx, "BTCUSDT", "1h", "backfiller"))
		require.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "backfiller", KindBackfill, time.Minute))
		yield, err := s.YieldRequested(ctx, "BTCUSDT", "1h", "backfiller")
		require.NoError(t, err)
		assert.False(t, yield)
	})
}

func TestYieldRequestedAfterLeaseLost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })
	require.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "worker-a", KindBackfill, time.Minute))

	s.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	require.NoError(t, s.Acquire(ctx, "BTCUSDT", "1h", "worker-b", KindBackfill, time.Minute))

	yield, err := s.YieldRequested(ctx, "BTCUSDT", "1h", "worker-a")
	require.NoError(t, err)
	assert.True(t, yield, "lost lease reads as a yield request")
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, Job{
		Symbol:      "BTCUSDT",
		Interval:    "1h",
		WindowStart: 1000,
		WindowEnd:   2000,
		Status:      StatusRunning,
		LeaseOwner:  "worker-a",
	})
	require.NoError(t, err)
	require.NotZero(t, job.ID)

	require.NoError(t, s.UpdateJob(ctx, job.ID, StatusCompleted, 2, "done"))

	jobs, err := s.ListJobs(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusCompleted, jobs[0].Status)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestActiveJobAndStaleSettlement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	job, err := s.CreateJob(ctx, Job{
		Symbol:         "BTCUSDT",
		Interval:       "1h",
		WindowStart:    1000,
		WindowEnd:      2000,
		Status:         StatusRunning,
		LeaseOwner:     "worker-a",
		LeaseExpiresAt: now.Add(time.Minute).UnixMilli(),
	})
	require.NoError(t, err)

	got, found, err := s.ActiveJob(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.ID, got.ID)

	t.Run("expired lease settles to partial", func(t *testing.T) {
		s.SetClock(func() time.Time { return now.Add(2 * time.Minute) })

		_, found, err := s.ActiveJob(ctx, "BTCUSDT", "1h")
		require.NoError(t, err)
		assert.False(t, found)

		n, err := s.MarkStaleRunning(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		jobs, err := s.ListJobs(ctx, "BTCUSDT", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, StatusPartial, jobs[0].Status)
	})
}
