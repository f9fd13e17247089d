package app

import (
	"fmt"
	"strings"
	"time"

	"tidemark/internal/alert"
	"tidemark/internal/backfill"
	tmcfg "tidemark/internal/config"
	"tidemark/internal/market"
	"tidemark/internal/market/binancesource"
	"tidemark/internal/market/restsource"
	"tidemark/internal/notify"
	"tidemark/internal/pkg/circuit"
	"tidemark/internal/service"
	"tidemark/internal/store/alertstore"
	"tidemark/internal/store/candlestore"
	"tidemark/internal/store/jobstore"
	httpapi "tidemark/internal/transport/http"
	"tidemark/internal/updater"
)

// AppBuilder assembles the dependency graph explicitly, one concern at
// a time. Function fields exist so tests can swap pieces out.
type AppBuilder struct {
	cfg *tmcfg.Config

	providerFn   func(tmcfg.ProviderConfig) (market.Provider, error)
	dispatcherFn func(tmcfg.NotifyConfig) (alert.Dispatcher, error)

	candleStoreOverride *candlestore.Store
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *tmcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		providerFn:   buildProvider,
		dispatcherFn: buildDispatcher,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithProvider(fn func(tmcfg.ProviderConfig) (market.Provider, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.providerFn = fn
		}
	}
}

func WithDispatcher(fn func(tmcfg.NotifyConfig) (alert.Dispatcher, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.dispatcherFn = fn
		}
	}
}

func WithCandleStore(s *candlestore.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		if s != nil {
			b.candleStoreOverride = s
		}
	}
}

func (b *AppBuilder) Build() (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	candles := b.candleStoreOverride
	if candles == nil {
		cs, err := candlestore.Open(cfg.App.DataPath)
		if err != nil {
			return nil, fmt.Errorf("opening candle store failed: %w", err)
		}
		candles = cs
	}
	jobs, err := jobstore.New(candles.DB())
	if err != nil {
		return nil, fmt.Errorf("initializing job store failed: %w", err)
	}
	alerts, err := alertstore.New(candles.DB())
	if err != nil {
		return nil, fmt.Errorf("initializing alert store failed: %w", err)
	}

	provider, err := b.providerFn(cfg.Provider)
	if err != nil {
		return nil, err
	}
	venueFor := func(string) *market.Venue { return provider.Venue() }

	breaker := circuit.New("provider",
		cfg.Provider.BreakerThreshold,
		time.Duration(cfg.Provider.BreakerTimeoutSeconds)*time.Second)

	dispatcher, err := b.dispatcherFn(cfg.Notify)
	if err != nil {
		return nil, err
	}
	engine := alert.NewEngine(alerts, service.NewCandleFieldStream(candles), dispatcher, venueFor, alert.Config{
		TickBudget:         time.Duration(cfg.Alerts.TickBudgetMs) * time.Millisecond,
		MinCooldown:        time.Duration(cfg.Alerts.MinCooldownSeconds) * time.Second,
		MaxParallelSymbols: cfg.Alerts.MaxParallelSymbols,
	})

	// Backfilled history flows through the same commit hook as live
	// updates, so deferred alerts replay it.
	orchestrator := backfill.NewOrchestrator(provider, candles, jobs, breaker, backfill.Config{
		LeaseTTL:    time.Duration(cfg.Backfill.LeaseTTLSeconds) * time.Second,
		JobBudget:   time.Duration(cfg.Backfill.JobBudgetSeconds) * time.Second,
		MaxAttempts: cfg.Backfill.MaxAttempts,
		BackoffMin:  time.Duration(cfg.Backfill.BackoffMinMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Backfill.BackoffMaxMs) * time.Millisecond,
	}, engine.OnCommit)

	upd := updater.New(provider, candles, jobs, updater.Config{
		Offset:     time.Duration(cfg.Updater.OffsetSeconds) * time.Second,
		WarmupBars: cfg.Updater.WarmupBars,
		LeaseTTL:   time.Duration(cfg.Updater.LeaseTTLSeconds) * time.Second,
	}, engine.OnCommit)

	reader := service.NewReader(candles, orchestrator, venueFor)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr: cfg.App.HTTPAddr,
		Handlers: &httpapi.Handlers{
			Reader:     reader,
			Alerts:     alerts,
			Jobs:       jobs,
			Backfiller: orchestrator,
			Active:     engine,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initializing http server failed: %w", err)
	}

	return &App{
		cfg:      cfg,
		candles:  candles,
		jobs:     jobs,
		provider: provider,
		engine:   engine,
		updater:  upd,
		server:   server,
	}, nil
}

func buildProvider(cfg tmcfg.ProviderConfig) (market.Provider, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", "binance":
		return binancesource.New(binancesource.Config{
			RESTBaseURL: cfg.RESTBaseURL,
			HTTPTimeout: timeout,
		}), nil
	case "rest":
		return restsource.New(restsource.Config{
			BaseURL:     cfg.RESTBaseURL,
			APIKey:      cfg.APIKey,
			HTTPTimeout: timeout,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

func buildDispatcher(cfg tmcfg.NotifyConfig) (alert.Dispatcher, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return notify.LogDispatcher{}, nil
	}
	return notify.NewWebhook(cfg.WebhookURL, time.Duration(cfg.TimeoutSeconds)*time.Second)
}
