package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML config at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9985"
	defaultAppDataPath     = "data/tidemark.db"
	defaultWatchlistPath   = "configs/watchlist.yaml"
	defaultProviderName    = "binance"
	defaultProviderTimeout = 15
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30
	defaultLeaseTTL        = 120
	defaultJobBudget       = 600
	defaultMaxAttempts     = 5
	defaultBackoffMinMs    = 500
	defaultBackoffMaxMs    = 30000
	defaultUpdaterOffset   = 3
	defaultUpdaterTTL      = 30
	defaultWarmupBars      = 200
	defaultTickBudgetMs    = 2000
	defaultMinCooldown     = 30
	defaultMaxParallel     = 8
)

func (c *Config) applyDefaults() {
	if c == nil {
		return
	}
	setStr(&c.App.Env, defaultAppEnv)
	setStr(&c.App.LogLevel, defaultAppLogLevel)
	setStr(&c.App.HTTPAddr, defaultAppHTTPAddr)
	setStr(&c.App.DataPath, defaultAppDataPath)
	setStr(&c.App.WatchlistPath, defaultWatchlistPath)
	setStr(&c.Provider.Name, defaultProviderName)
	setInt(&c.Provider.TimeoutSeconds, defaultProviderTimeout)
	setInt(&c.Provider.BreakerThreshold, defaultBreakerFailures)
	setInt(&c.Provider.BreakerTimeoutSeconds, defaultBreakerTimeout)
	setInt(&c.Backfill.LeaseTTLSeconds, defaultLeaseTTL)
	setInt(&c.Backfill.JobBudgetSeconds, defaultJobBudget)
	setInt(&c.Backfill.MaxAttempts, defaultMaxAttempts)
	setInt(&c.Backfill.BackoffMinMs, defaultBackoffMinMs)
	setInt(&c.Backfill.BackoffMaxMs, defaultBackoffMaxMs)
	setInt(&c.Updater.OffsetSeconds, defaultUpdaterOffset)
	setInt(&c.Updater.WarmupBars, defaultWarmupBars)
	setInt(&c.Updater.LeaseTTLSeconds, defaultUpdaterTTL)
	setInt(&c.Alerts.TickBudgetMs, defaultTickBudgetMs)
	setInt(&c.Alerts.MinCooldownSeconds, defaultMinCooldown)
	setInt(&c.Alerts.MaxParallelSymbols, defaultMaxParallel)
	setInt(&c.Notify.TimeoutSeconds, defaultProviderTimeout)
}

func validate(c *Config) error {
	switch strings.ToLower(strings.TrimSpace(c.Provider.Name)) {
	case "binance":
	case "rest":
		if strings.TrimSpace(c.Provider.RESTBaseURL) == "" {
			return fmt.Errorf("provider.rest_base_url is required for provider=rest")
		}
	default:
		return fmt.Errorf("provider.name must be binance or rest, got %q", c.Provider.Name)
	}
	if c.Backfill.BackoffMinMs > c.Backfill.BackoffMaxMs {
		return fmt.Errorf("backfill.backoff_min_ms exceeds backoff_max_ms")
	}
	return nil
}

func setStr(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}
