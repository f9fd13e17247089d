// Package backfill plans, chunks, retries and commits historical
// fetches from the market-data provider into the candle store, with
// at-most-one concurrent job per (symbol, interval) pair.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tidemark/internal/logger"
	"tidemark/internal/market"
	"tidemark/internal/pkg/circuit"
	"tidemark/internal/store/candlestore"
	"tidemark/internal/store/jobstore"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// Spec is one backfill request.
type Spec struct {
	Symbol   string
	Interval string
	From     int64
	To       int64
}

func (s Spec) key() string {
	return strings.ToUpper(strings.TrimSpace(s.Symbol)) + "@" + strings.ToLower(strings.TrimSpace(s.Interval))
}

// Result is the outcome shared by every caller that joined the job.
type Result struct {
	Job           jobstore.Job
	Status        string
	ChunksOK      int
	ChunksFailed  int
	ChunksEmpty   int
	CandlesStored int
	Joined        bool
}

// Config bounds a job's retries, lease and wall clock.
type Config struct {
	LeaseTTL    time.Duration
	JobBudget   time.Duration
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	YieldPause  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.JobBudget <= 0 {
		c.JobBudget = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.YieldPause <= 0 {
		c.YieldPause = 3 * time.Second
	}
	return c
}

type inflight struct {
	done   chan struct{}
	result Result
}

// CommitFunc observes candles as each chunk lands in the store, so the
// alert engine sees backfilled closes the same way it sees live ones.
type CommitFunc func(symbol, interval string, closed []market.Candle)

// Orchestrator coordinates backfill jobs. Safe for concurrent use.
type Orchestrator struct {
	provider market.Provider
	candles  *candlestore.Store
	jobs     *jobstore.Store
	breaker  *circuit.Breaker
	cfg      Config
	owner    string

	mu       sync.Mutex
	inFlight map[string]*inflight

	onCommit CommitFunc
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(provider market.Provider, candles *candlestore.Store, jobs *jobstore.Store, breaker *circuit.Breaker, cfg Config, onCommit CommitFunc) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		candles:  candles,
		jobs:     jobs,
		breaker:  breaker,
		cfg:      cfg.withDefaults(),
		owner:    "backfill-" + uuid.NewString(),
		inFlight: make(map[string]*inflight),
		onCommit: onCommit,
		sleep:    sleepCtx,
	}
}

// Owner returns the orchestrator's lease identity.
func (o *Orchestrator) Owner() string { return o.owner }

// Request runs (or joins) a backfill for the pair. Concurrent callers
// for the same (symbol, interval) share one job and receive the same
// Result; re-invoking with overlapping windows is always safe because
// the store's upsert deduplicates.
func (o *Orchestrator) Request(ctx context.Context, spec Spec) (Result, error) {
	if o == nil || o.provider == nil || o.candles == nil || o.jobs == nil {
		return Result{}, fmt.Errorf("backfill: orchestrator not initialized")
	}
	if spec.To <= spec.From {
		return Result{}, fmt.Errorf("backfill: empty window [%d, %d)", spec.From, spec.To)
	}
	key := spec.key()

	o.mu.Lock()
	if fl, ok := o.inFlight[key]; ok {
		o.mu.Unlock()
		select {
		case <-fl.done:
			res := fl.result
			res.Joined = true
			return res, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	o.inFlight[key] = fl
	o.mu.Unlock()

	res, err := o.run(ctx, spec)
	fl.result = res
	close(fl.done)
	o.mu.Lock()
	delete(o.inFlight, key)
	o.mu.Unlock()
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, spec Spec) (Result, error) {
	var res Result
	deadline := time.Now().Add(o.cfg.JobBudget)
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := o.acquireLease(jobCtx, spec); err != nil {
		if errors.Is(err, jobstore.ErrLeaseHeld) {
			// Another process owns the pair. Join its job by waiting
			// out the lease and reporting the durable outcome.
			return o.joinRemote(jobCtx, spec)
		}
		return res, err
	}
	defer func() {
		if err := o.jobs.Release(context.Background(), spec.Symbol, spec.Interval, o.owner); err != nil {
			logger.Warnf("backfill: lease release %s failed: %v", spec.key(), err)
		}
	}()

	job, err := o.jobs.CreateJob(jobCtx, jobstore.Job{
		Symbol:         spec.Symbol,
		Interval:       spec.Interval,
		WindowStart:    spec.From,
		WindowEnd:      spec.To,
		Status:         jobstore.StatusRunning,
		LeaseOwner:     o.owner,
		LeaseExpiresAt: time.Now().Add(o.cfg.LeaseTTL).UnixMilli(),
	})
	if err != nil {
		return res, err
	}
	res.Job = job

	stepMs, ok := market.IntervalMillis(spec.Interval)
	if !ok {
		res.Status = jobstore.StatusFailed
		_ = o.jobs.UpdateJob(context.Background(), job.ID, res.Status, 0, "invalid interval")
		return res, fmt.Errorf("backfill: invalid interval %q", spec.Interval)
	}

	queue := planChunks(spec.Interval, spec.From, spec.To)
	logger.Infof("backfill %s: %d chunk(s) for [%d, %d)", spec.key(), len(queue), spec.From, spec.To)

	attempts := 0
	budgetStopped := false
	for len(queue) > 0 {
		if jobCtx.Err() != nil || time.Now().After(deadline) {
			budgetStopped = true
			break
		}
		if yielded, err := o.jobs.YieldRequested(jobCtx, spec.Symbol, spec.Interval, o.owner); err == nil && yielded {
			if err := o.yieldAndReacquire(jobCtx, spec); err != nil {
				budgetStopped = true
				break
			}
		}
		chunk := queue[0]
		queue = queue[1:]

		stored, rest, chunkAttempts, err := o.fetchChunk(jobCtx, spec, chunk, stepMs)
		attempts += chunkAttempts
		if len(rest) > 0 {
			// Halved remainders go to the front so the window still
			// fills oldest-first.
			queue = append(rest, queue...)
		}
		switch {
		case err == nil && stored == 0:
			res.ChunksEmpty++
		case err == nil:
			res.ChunksOK++
			res.CandlesStored += stored
		default:
			res.ChunksFailed++
			logger.Warnf("backfill %s: chunk [%d, %d) abandoned: %v", spec.key(), chunk.From, chunk.To, err)
		}
		if err := o.jobs.Renew(jobCtx, spec.Symbol, spec.Interval, o.owner, o.cfg.LeaseTTL); err != nil {
			logger.Warnf("backfill %s: lease renew failed: %v", spec.key(), err)
		}
	}

	res.Status = finalStatus(res, budgetStopped, len(queue))
	note := ""
	if budgetStopped {
		note = fmt.Sprintf("stopped early, %d chunk(s) unprocessed", len(queue))
	}
	if err := o.jobs.UpdateJob(context.Background(), job.ID, res.Status, attempts, note); err != nil {
		logger.Errorf("backfill %s: job update failed: %v", spec.key(), err)
	}
	res.Job.Status = res.Status
	res.Job.Attempts = attempts
	logger.Infof("backfill %s: %s ok=%d empty=%d failed=%d stored=%d",
		spec.key(), res.Status, res.ChunksOK, res.ChunksEmpty, res.ChunksFailed, res.CandlesStored)
	return res, nil
}

// fetchChunk fetches one chunk with bounded retries. On transient or
// rate-limit failure the window is halved and the remainder re-queued,
// so a stubborn range converges to single bars before giving up.
// Returns candles stored, leftover chunks, attempts used.
func (o *Orchestrator) fetchChunk(ctx context.Context, spec Spec, chunk Chunk, stepMs int64) (int, []Chunk, int, error) {
	bo := &backoff.Backoff{
		Min:    o.cfg.BackoffMin,
		Max:    o.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}
	var leftover []Chunk
	attempts := 0
	cur := chunk
	for attempts < o.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return 0, leftover, attempts, ctx.Err()
		}
		if o.breaker != nil && !o.breaker.Allow() {
			return 0, leftover, attempts, fmt.Errorf("provider circuit open")
		}
		attempts++
		candles, err := o.provider.FetchRange(ctx, spec.Symbol, spec.Interval, cur.From, cur.To)
		if err == nil {
			if o.breaker != nil {
				o.breaker.RecordSuccess()
			}
			stored, uerr := o.commit(ctx, spec, candles)
			return stored, leftover, attempts, uerr
		}
		if errors.Is(err, market.ErrNoData) {
			// Empty ranges are normal (delistings, venue closures).
			if o.breaker != nil {
				o.breaker.RecordSuccess()
			}
			return 0, leftover, attempts, nil
		}
		if !market.IsRetryable(err) {
			if o.breaker != nil {
				o.breaker.RecordFailure()
			}
			return 0, leftover, attempts, err
		}
		if o.breaker != nil {
			o.breaker.RecordFailure()
		}
		wait := bo.Duration()
		if ra, ok := market.RetryAfter(err); ok && ra > wait {
			wait = ra
		}
		head, tail, split := halve(cur, stepMs)
		if split {
			cur = head
			leftover = append([]Chunk{tail}, leftover...)
		}
		logger.Debugf("backfill %s: retry %d for [%d, %d) in %s: %v",
			spec.key(), attempts, cur.From, cur.To, wait.Truncate(time.Millisecond), err)
		if err := o.sleep(ctx, wait); err != nil {
			return 0, leftover, attempts, err
		}
	}
	return 0, leftover, attempts, fmt.Errorf("chunk exhausted %d attempts", o.cfg.MaxAttempts)
}

// commit streams a chunk's candles into the store immediately so
// partial progress survives a later failure.
func (o *Orchestrator) commit(ctx context.Context, spec Spec, candles []market.Candle) (int, error) {
	for i := range candles {
		if candles[i].Symbol == "" {
			candles[i].Symbol = spec.Symbol
		}
		if candles[i].Interval == "" {
			candles[i].Interval = spec.Interval
		}
	}
	res, err := o.candles.Upsert(ctx, candles)
	if err != nil {
		return 0, err
	}
	stored := res.Inserted + res.Updated
	if o.onCommit != nil && stored > 0 {
		kept := make([]market.Candle, 0, len(candles))
		for _, c := range candles {
			if c.Validate() == nil {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			o.onCommit(spec.Symbol, spec.Interval, kept)
		}
	}
	return stored, nil
}

func (o *Orchestrator) acquireLease(ctx context.Context, spec Spec) error {
	return o.jobs.Acquire(ctx, spec.Symbol, spec.Interval, o.owner, jobstore.KindBackfill, o.cfg.LeaseTTL)
}

// yieldAndReacquire honours an incremental updater's preemption: drop
// the lease, pause, then take it back once the tail update is done.
func (o *Orchestrator) yieldAndReacquire(ctx context.Context, spec Spec) error {
	logger.Infof("backfill %s: yielding lease to incremental update", spec.key())
	if err := o.jobs.Release(ctx, spec.Symbol, spec.Interval, o.owner); err != nil {
		return err
	}
	for {
		if err := o.sleep(ctx, o.cfg.YieldPause); err != nil {
			return err
		}
		err := o.acquireLease(ctx, spec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jobstore.ErrLeaseHeld) {
			return err
		}
	}
}

// joinRemote waits for a job owned by another process and reports its
// durable outcome. Polling the job table is the cross-process analogue
// of the in-process join channel.
func (o *Orchestrator) joinRemote(ctx context.Context, spec Spec) (Result, error) {
	for {
		job, active, err := o.jobs.ActiveJob(ctx, spec.Symbol, spec.Interval)
		if err != nil {
			return Result{}, err
		}
		if !active {
			jobs, err := o.jobs.ListJobs(ctx, spec.Symbol, 1)
			if err != nil {
				return Result{}, err
			}
			res := Result{Joined: true, Status: jobstore.StatusFailed}
			if len(jobs) > 0 {
				res.Job = jobs[0]
				res.Status = jobs[0].Status
			}
			return res, nil
		}
		logger.Debugf("backfill %s: waiting on job %d held by %s", spec.key(), job.ID, job.LeaseOwner)
		if err := o.sleep(ctx, o.cfg.YieldPause); err != nil {
			return Result{}, err
		}
	}
}

func finalStatus(res Result, budgetStopped bool, unprocessed int) string {
	switch {
	case res.ChunksFailed == 0 && !budgetStopped && unprocessed == 0:
		return jobstore.StatusCompleted
	case res.ChunksOK > 0 || res.ChunksEmpty > 0:
		return jobstore.StatusPartial
	default:
		return jobstore.StatusFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
