// Package app wires configuration, storage, providers and services
// into one runnable process.
package app

import (
	"context"
	"fmt"
	"time"

	"tidemark/internal/alert"
	tmcfg "tidemark/internal/config"
	"tidemark/internal/logger"
	"tidemark/internal/market"
	"tidemark/internal/store/candlestore"
	"tidemark/internal/store/jobstore"
	httpapi "tidemark/internal/transport/http"
	"tidemark/internal/updater"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg      *tmcfg.Config
	candles  *candlestore.Store
	jobs     *jobstore.Store
	provider market.Provider
	engine   *alert.Engine
	updater  *updater.Updater
	server   *httpapi.Server
}

func NewApp(cfg *tmcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return NewAppBuilder(cfg).Build()
}

// Run starts the HTTP server, the incremental update loops and the
// alert tick loop, then blocks until ctx is cancelled or a component
// fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	// Jobs left "running" by a crash get settled before new work starts.
	if n, err := a.jobs.MarkStaleRunning(ctx); err != nil {
		logger.Warnf("settling stale jobs failed: %v", err)
	} else if n > 0 {
		logger.Infof("marked %d stale running jobs as partial", n)
	}

	wl, err := tmcfg.LoadWatchlist(a.cfg.App.WatchlistPath)
	if err != nil {
		return fmt.Errorf("loading watchlist failed: %w", err)
	}
	a.applyWatchlist(ctx, wl, true)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.server.Run(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		a.tickLoop(ctx)
		return nil
	})

	group.Go(func() error {
		// Edits to the watchlist file take effect without a restart.
		return tmcfg.WatchWatchlist(ctx, a.cfg.App.WatchlistPath, func(next *tmcfg.Watchlist) {
			a.applyWatchlist(ctx, next, false)
		})
	})

	err = group.Wait()
	a.close()
	return err
}

func (a *App) applyWatchlist(ctx context.Context, wl *tmcfg.Watchlist, warmup bool) {
	pairs := watchedPairs(wl)
	logger.Infof("watchlist: %d pairs, %d active symbols", len(pairs), len(wl.Active))
	a.engine.SetActiveSymbols(wl.Active)
	if warmup {
		a.updater.Warmup(ctx, pairs)
	}
	a.updater.Watch(ctx, pairs)
}

// tickLoop drives alert evaluation at a fixed cadence. The engine
// bounds each pass itself and carries unfinished work over.
func (a *App) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.engine.Tick(ctx)
		}
	}
}

func (a *App) close() {
	if a.provider != nil {
		if err := a.provider.Close(); err != nil {
			logger.Warnf("closing provider failed: %v", err)
		}
	}
}

func watchedPairs(wl *tmcfg.Watchlist) []updater.Pair {
	var out []updater.Pair
	for _, p := range wl.Pairs {
		for _, iv := range p.Intervals {
			out = append(out, updater.Pair{Symbol: p.Symbol, Interval: iv})
		}
	}
	return out
}
