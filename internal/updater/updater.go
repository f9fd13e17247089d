// Package updater keeps the candle store current with periodic tail
// fetches, one aligned loop per watched (symbol, interval) pair.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tidemark/internal/logger"
	"tidemark/internal/market"
	"tidemark/internal/scheduler"
	"tidemark/internal/store/candlestore"
	"tidemark/internal/store/jobstore"

	"github.com/google/uuid"
)

// Pair is one watched (symbol, interval).
type Pair struct {
	Symbol   string
	Interval string
}

func (p Pair) String() string { return p.Symbol + "@" + p.Interval }

// CommitFunc receives newly committed closed candles, ascending by
// timestamp. The alert engine hangs off this hook.
type CommitFunc func(symbol, interval string, closed []market.Candle)

type Config struct {
	// Offset delays each tick past the bar close so the provider has
	// published the final bar.
	Offset time.Duration
	// WarmupBars is the minimum cached lookback ensured at startup.
	WarmupBars int
	// LeaseTTL bounds the short incremental lease.
	LeaseTTL time.Duration
	// AcquireRetries: how many quick attempts to win the lease from a
	// yielding backfill before skipping the tick.
	AcquireRetries int
	RetryPause     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Offset <= 0 {
		c.Offset = 3 * time.Second
	}
	if c.WarmupBars <= 0 {
		c.WarmupBars = 200
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.AcquireRetries <= 0 {
		c.AcquireRetries = 3
	}
	if c.RetryPause <= 0 {
		c.RetryPause = time.Second
	}
	return c
}

// Updater runs the incremental tail-fetch loops.
type Updater struct {
	provider market.Provider
	candles  *candlestore.Store
	jobs     *jobstore.Store
	cfg      Config
	owner    string
	onCommit CommitFunc

	mu       sync.Mutex
	watching map[string]context.CancelFunc
	nowFn    func() time.Time
}

func New(provider market.Provider, candles *candlestore.Store, jobs *jobstore.Store, cfg Config, onCommit CommitFunc) *Updater {
	return &Updater{
		provider: provider,
		candles:  candles,
		jobs:     jobs,
		cfg:      cfg.withDefaults(),
		owner:    "updater-" + uuid.NewString(),
		onCommit: onCommit,
		watching: make(map[string]context.CancelFunc),
		nowFn:    time.Now,
	}
}

// Warmup ensures each pair has at least WarmupBars cached before the
// loops (and the alert engine) start, so first evaluations have
// context.
func (u *Updater) Warmup(ctx context.Context, pairs []Pair) {
	for _, p := range pairs {
		stepMs, ok := market.IntervalMillis(p.Interval)
		if !ok {
			logger.Warnf("warmup %s: invalid interval", p)
			continue
		}
		now := u.nowFn().UnixMilli()
		from := now - int64(u.cfg.WarmupBars)*stepMs
		have, err := u.candles.CountRange(ctx, p.Symbol, p.Interval, from, now)
		if err != nil {
			logger.Warnf("warmup %s: count failed: %v", p, err)
			continue
		}
		if have >= int64(u.cfg.WarmupBars) {
			logger.Debugf("warmup %s: ready (%d bars)", p, have)
			continue
		}
		batch, err := u.provider.FetchRange(ctx, p.Symbol, p.Interval, from, now)
		if err != nil {
			if !errors.Is(err, market.ErrNoData) {
				logger.Warnf("warmup %s: fetch failed: %v", p, err)
			}
			continue
		}
		if _, err := u.candles.Upsert(ctx, batch); err != nil {
			logger.Warnf("warmup %s: store failed: %v", p, err)
			continue
		}
		logger.Infof("warmup %s: cached %d bars", p, len(batch))
	}
}

// Watch starts (or keeps) aligned loops for exactly the given pairs,
// stopping loops for pairs that were removed. Safe to call again on
// watchlist reload.
func (u *Updater) Watch(ctx context.Context, pairs []Pair) {
	u.mu.Lock()
	defer u.mu.Unlock()
	want := make(map[string]Pair, len(pairs))
	for _, p := range pairs {
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		p.Interval = strings.ToLower(strings.TrimSpace(p.Interval))
		want[p.String()] = p
	}
	for key, cancel := range u.watching {
		if _, ok := want[key]; !ok {
			cancel()
			delete(u.watching, key)
			logger.Infof("updater: stopped watching %s", key)
		}
	}
	for key, p := range want {
		if _, ok := u.watching[key]; ok {
			continue
		}
		d, ok := market.ParseIntervalDuration(p.Interval)
		if !ok {
			logger.Warnf("updater: skip %s: invalid interval", key)
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		u.watching[key] = cancel
		pair := p
		go func() {
			s := scheduler.NewAlignedScheduler(loopCtx, d, u.cfg.Offset)
			s.RunImmediately = true
			s.Start(func() { u.tick(loopCtx, pair) })
		}()
		logger.Infof("updater: watching %s every %s", key, d)
	}
}

// tick fetches the tail since the latest stored candle. The tail
// refetches the last stored bar as well, so late corrections overwrite
// in place.
func (u *Updater) tick(ctx context.Context, p Pair) {
	if err := u.acquire(ctx, p); err != nil {
		logger.Debugf("updater %s: skipping tick, lease busy: %v", p, err)
		return
	}
	defer func() {
		if err := u.jobs.Release(context.Background(), p.Symbol, p.Interval, u.owner); err != nil {
			logger.Warnf("updater %s: lease release failed: %v", p, err)
		}
	}()

	stepMs, _ := market.IntervalMillis(p.Interval)
	now := u.nowFn().UnixMilli()
	from := now - int64(u.cfg.WarmupBars)*stepMs
	if latest, ok, err := u.candles.LatestTimestamp(ctx, p.Symbol, p.Interval); err != nil {
		logger.Errorf("updater %s: latest lookup failed: %v", p, err)
		return
	} else if ok {
		from = latest
	}
	to := market.AlignUp(now, stepMs)

	batch, err := u.provider.FetchRange(ctx, p.Symbol, p.Interval, from, to)
	if err != nil {
		if errors.Is(err, market.ErrNoData) {
			return
		}
		logger.Warnf("updater %s: tail fetch failed: %v", p, err)
		return
	}
	if _, err := u.candles.Upsert(ctx, batch); err != nil {
		logger.Errorf("updater %s: tail store failed: %v", p, err)
		return
	}
	if u.onCommit == nil {
		return
	}
	closed := make([]market.Candle, 0, len(batch))
	for _, c := range batch {
		if c.Timestamp+stepMs <= now {
			closed = append(closed, c)
		}
	}
	if len(closed) > 0 {
		u.onCommit(p.Symbol, p.Interval, closed)
	}
}

// acquire wins the incremental lease. The first attempt flags any
// backfill holder to yield; the quick retries give it time to release
// between chunks. Incremental traffic has priority per design.
func (u *Updater) acquire(ctx context.Context, p Pair) error {
	var err error
	for i := 0; i < u.cfg.AcquireRetries; i++ {
		err = u.jobs.Acquire(ctx, p.Symbol, p.Interval, u.owner, jobstore.KindIncremental, u.cfg.LeaseTTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jobstore.ErrLeaseHeld) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.cfg.RetryPause):
		}
	}
	return fmt.Errorf("lease not acquired after %d attempts: %w", u.cfg.AcquireRetries, err)
}
