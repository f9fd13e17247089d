// Package alert evaluates armed alerts against newly committed closing
// candles, with ordering, throttling and failure-isolation guarantees.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tidemark/internal/logger"
	"tidemark/internal/market"
	"tidemark/internal/store/alertstore"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Dispatcher receives firing records. Delivery success or failure is
// the dispatcher's own concern; the engine only guarantees single
// creation per qualifying event.
type Dispatcher interface {
	Dispatch(ctx context.Context, a alertstore.Alert, t alertstore.Trigger) error
}

// IndicatorStream supplies indicator values for the indicator-variant
// conditions. The math behind the values is an external collaborator.
type IndicatorStream interface {
	// Value returns the indicator value for the bar at ts. ok=false
	// means the indicator has no value yet (warmup period).
	Value(ctx context.Context, symbol, interval, field string, ts int64) (float64, bool, error)
}

type Config struct {
	// TickBudget caps one evaluation pass; unreached work carries over.
	TickBudget time.Duration
	// MinCooldown suppresses trigger storms from oscillating values,
	// independent of throttle mode.
	MinCooldown time.Duration
	// MaxParallelSymbols bounds cross-symbol fan-out.
	MaxParallelSymbols int
}

func (c Config) withDefaults() Config {
	if c.TickBudget <= 0 {
		c.TickBudget = 2 * time.Second
	}
	if c.MinCooldown <= 0 {
		c.MinCooldown = 30 * time.Second
	}
	if c.MaxParallelSymbols <= 0 {
		c.MaxParallelSymbols = 8
	}
	return c
}

type pairKey struct {
	symbol   string
	interval string
}

// Engine is the alert evaluation engine. Evaluation parallelizes
// across symbols; within one symbol it is strictly sequential so the
// previous/current ordering per alert is never violated.
type Engine struct {
	alerts     *alertstore.Store
	indicators IndicatorStream
	dispatcher Dispatcher
	venueFor   func(symbol string) *market.Venue
	cfg        Config

	mu      sync.Mutex
	pending map[pairKey][]market.Candle
	active  map[string]struct{}

	nowFn func() time.Time
}

func NewEngine(alerts *alertstore.Store, indicators IndicatorStream, dispatcher Dispatcher, venueFor func(string) *market.Venue, cfg Config) *Engine {
	if venueFor == nil {
		venueFor = func(string) *market.Venue { return market.VenueCrypto }
	}
	return &Engine{
		alerts:     alerts,
		indicators: indicators,
		dispatcher: dispatcher,
		venueFor:   venueFor,
		cfg:        cfg.withDefaults(),
		pending:    make(map[pairKey][]market.Candle),
		active:     make(map[string]struct{}),
		nowFn:      time.Now,
	}
}

// SetActiveSymbols marks the symbols currently being viewed; their
// alerts evaluate in the first priority tier.
func (e *Engine) SetActiveSymbols(symbols []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		e.active[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
}

// OnCommit queues newly committed closing candles for evaluation. This
// is the updater/backfill hook; it never blocks on evaluation.
func (e *Engine) OnCommit(symbol, interval string, closed []market.Candle) {
	if len(closed) == 0 {
		return
	}
	key := pairKey{strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(interval))}
	e.mu.Lock()
	e.pending[key] = append(e.pending[key], closed...)
	e.mu.Unlock()
}

// PendingPairs reports how many pairs are queued; used by the tick
// loop to skip idle passes.
func (e *Engine) PendingPairs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Tick runs one evaluation pass over the queued candles, tier by tier
// until the time budget is exhausted. Pairs not reached are re-queued
// for the next tick; they are never silently dropped.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	batch := e.pending
	e.pending = make(map[pairKey][]market.Candle)
	activeSet := make(map[string]struct{}, len(e.active))
	for s := range e.active {
		activeSet[s] = struct{}{}
	}
	e.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	deadline := e.nowFn().Add(e.cfg.TickBudget)

	type unit struct {
		key     pairKey
		candles []market.Candle
		alerts  []alertstore.Alert
		tier    int
	}
	var units []unit
	for key, candles := range batch {
		sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
		alerts, err := e.alerts.ListEnabled(ctx, key.symbol)
		if err != nil {
			logger.Errorf("alert engine: listing alerts for %s failed: %v", key.symbol, err)
			e.requeue(key, candles)
			continue
		}
		var matched, deferred []alertstore.Alert
		for _, a := range alerts {
			if a.Interval != "" && a.Interval != key.interval {
				continue
			}
			if a.Deferred {
				deferred = append(deferred, a)
			} else {
				matched = append(matched, a)
			}
		}
		tier := 1
		if _, ok := activeSet[key.symbol]; ok {
			tier = 0
		}
		if len(matched) > 0 {
			units = append(units, unit{key: key, candles: candles, alerts: matched, tier: tier})
		}
		if len(deferred) > 0 {
			units = append(units, unit{key: key, candles: candles, alerts: deferred, tier: 2})
		}
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].tier < units[j].tier })

	for start := 0; start < len(units); {
		tier := units[start].tier
		end := start
		for end < len(units) && units[end].tier == tier {
			end++
		}
		// The first tier always runs, even on an already-blown budget;
		// otherwise a tight budget would re-queue the same batch forever.
		if start > 0 && e.nowFn().After(deadline) {
			for _, u := range units[start:] {
				e.requeue(u.key, u.candles)
			}
			logger.Warnf("alert engine: budget exhausted, %d unit(s) carried to next tick", len(units)-start)
			return
		}
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(e.cfg.MaxParallelSymbols)
		for _, u := range units[start:end] {
			u := u
			group.Go(func() error {
				e.evaluatePair(gctx, u.key, u.alerts, u.candles)
				return nil
			})
		}
		_ = group.Wait()
		start = end
	}
}

func (e *Engine) requeue(key pairKey, candles []market.Candle) {
	e.mu.Lock()
	e.pending[key] = append(candles, e.pending[key]...)
	e.mu.Unlock()
}

// evaluatePair feeds candles to each alert strictly in timestamp
// order. A failure in one alert is isolated and logged; the rest of
// the batch continues.
func (e *Engine) evaluatePair(ctx context.Context, key pairKey, alerts []alertstore.Alert, candles []market.Candle) {
	venue := e.venueFor(key.symbol)
	for i := range alerts {
		a := alerts[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("alert %d (%s %s): evaluation panic: %v", a.ID, a.Symbol, a.Condition, r)
				}
			}()
			if err := e.evaluateAlert(ctx, &a, venue, candles); err != nil {
				logger.Errorf("alert %d (%s %s): evaluation failed: %v", a.ID, a.Symbol, a.Condition, err)
			}
		}()
	}
}

func (e *Engine) evaluateAlert(ctx context.Context, a *alertstore.Alert, venue *market.Venue, candles []market.Candle) error {
	if !KnownCondition(a.Condition) {
		return fmt.Errorf("unknown condition %q", a.Condition)
	}
	dirty := false
	for _, c := range candles {
		// Ordering guarantee: never step backwards, and reprocessed
		// bars do not disturb crossing state.
		if c.Timestamp <= a.PrevBarTs && a.PrevBarTs != 0 {
			if c.Timestamp == a.PrevBarTs {
				e.maybeRefire(ctx, a, venue, c)
			}
			continue
		}
		fired, err := e.step(ctx, a, venue, c)
		if err != nil {
			return err
		}
		dirty = true
		_ = fired
	}
	if dirty {
		if err := e.alerts.SaveEvalState(ctx, *a); err != nil {
			return err
		}
	}
	return nil
}

// step advances the alert state machine by one closing candle:
// Armed -> Triggered -> Cooldown -> Armed.
func (e *Engine) step(ctx context.Context, a *alertstore.Alert, venue *market.Venue, c market.Candle) (bool, error) {
	cur, ok, err := e.seriesValue(ctx, a, c)
	if err != nil {
		return false, err
	}
	if !ok {
		// Indicator still warming up: leave crossing state untouched.
		return false, nil
	}

	met := false
	if a.PrevValue != nil {
		prev := decimal.NewFromFloat(*a.PrevValue)
		curD := decimal.NewFromFloat(cur)
		if isSlope(a.Condition) {
			delta := curD.Sub(prev)
			if a.PrevDelta != nil {
				met = slopeMet(a.Condition, decimal.NewFromFloat(*a.PrevDelta), delta)
			}
			d, _ := delta.Float64()
			a.PrevDelta = &d
		} else {
			met = crossingMet(a.Condition, prev, curD, decimal.NewFromFloat(a.Threshold))
		}
	}
	v := cur
	a.PrevValue = &v
	a.PrevBarTs = c.Timestamp

	if !met {
		return false, nil
	}
	return e.fire(ctx, a, venue, c, cur)
}

// maybeRefire handles a reprocessed bar (same timestamp seen again).
// Throttle mode "none" may legitimately fire once per qualifying
// candle, but the (alert, bar) trigger row already exists, so the
// store-level dedupe makes this a no-op. Nothing to recompute.
func (e *Engine) maybeRefire(_ context.Context, _ *alertstore.Alert, _ *market.Venue, _ market.Candle) {
}

func (e *Engine) fire(ctx context.Context, a *alertstore.Alert, venue *market.Venue, c market.Candle, value float64) (bool, error) {
	now := e.nowFn()

	// Anti-flap cooldown applies regardless of throttle mode.
	if a.CooldownUntil > 0 && now.UnixMilli() < a.CooldownUntil {
		return false, nil
	}
	switch a.ThrottleMode {
	case alertstore.ThrottleOncePerBar:
		if a.LastTrigBar == c.Timestamp {
			return false, nil
		}
	case alertstore.ThrottleOncePerDay:
		if a.LastTrigDay != "" && a.LastTrigDay == venue.DayKey(c.Timestamp) {
			return false, nil
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"symbol":    a.Symbol,
		"interval":  c.Interval,
		"condition": a.Condition,
		"threshold": a.Threshold,
		"value":     value,
		"bar_ts":    c.Timestamp,
	})
	trig, created, err := e.alerts.InsertTrigger(ctx, alertstore.Trigger{
		AlertID:        a.ID,
		BarTs:          c.Timestamp,
		TriggeredAt:    now,
		ValueAtTrigger: value,
		Payload:        payload,
	})
	if err != nil {
		return false, err
	}
	if !created {
		// Reprocessed input: the throttle window already produced its
		// one trigger.
		return false, nil
	}

	a.LastTrigBar = c.Timestamp
	a.LastTrigDay = venue.DayKey(c.Timestamp)
	a.CooldownUntil = now.Add(e.cfg.MinCooldown).UnixMilli()
	logger.Infof("alert %d fired: %s %s %.4f (threshold %.4f) bar=%d",
		a.ID, a.Symbol, a.Condition, value, a.Threshold, c.Timestamp)

	if e.dispatcher != nil {
		status := alertstore.DeliverySent
		if err := e.dispatcher.Dispatch(ctx, *a, trig); err != nil {
			status = alertstore.DeliveryFailed
			logger.Warnf("alert %d: dispatch failed: %v", a.ID, err)
		}
		if err := e.alerts.SetDeliveryStatus(ctx, trig.ID, status); err != nil {
			logger.Warnf("alert %d: delivery status update failed: %v", a.ID, err)
		}
	}
	return true, nil
}

// seriesValue resolves the watched series' value at this bar: candle
// close for price conditions, the collaborator stream for indicator
// conditions.
func (e *Engine) seriesValue(ctx context.Context, a *alertstore.Alert, c market.Candle) (float64, bool, error) {
	if !IsIndicatorCondition(a.Condition) {
		return c.Close, true, nil
	}
	if e.indicators == nil {
		return 0, false, fmt.Errorf("indicator condition %q with no indicator stream wired", a.Condition)
	}
	field := ""
	if a.Params != nil {
		field = a.Params["indicator"]
	}
	return e.indicators.Value(ctx, a.Symbol, c.Interval, field, c.Timestamp)
}

func isSlope(cond string) bool {
	return cond == CondSlopeBullish || cond == CondSlopeBearish
}
