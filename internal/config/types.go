package config

// Config is the tidemark process configuration.
type Config struct {
	App      AppConfig      `toml:"app"`
	Provider ProviderConfig `toml:"provider"`
	Backfill BackfillConfig `toml:"backfill"`
	Updater  UpdaterConfig  `toml:"updater"`
	Alerts   AlertsConfig   `toml:"alerts"`
	Notify   NotifyConfig   `toml:"notify"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	HTTPAddr      string `toml:"http_addr"`
	LogPath       string `toml:"log_path"`
	DataPath      string `toml:"data_path"`
	WatchlistPath string `toml:"watchlist_path"`
}

type ProviderConfig struct {
	// Name selects the adapter: "binance" (always-on venue) or "rest"
	// (equities REST vendor).
	Name           string `toml:"name"`
	RESTBaseURL    string `toml:"rest_base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	// Breaker settings guard a flapping provider.
	BreakerThreshold      int `toml:"breaker_threshold"`
	BreakerTimeoutSeconds int `toml:"breaker_timeout_seconds"`
}

type BackfillConfig struct {
	LeaseTTLSeconds  int `toml:"lease_ttl_seconds"`
	JobBudgetSeconds int `toml:"job_budget_seconds"`
	MaxAttempts      int `toml:"max_attempts"`
	BackoffMinMs     int `toml:"backoff_min_ms"`
	BackoffMaxMs     int `toml:"backoff_max_ms"`
}

type UpdaterConfig struct {
	OffsetSeconds   int `toml:"offset_seconds"`
	WarmupBars      int `toml:"warmup_bars"`
	LeaseTTLSeconds int `toml:"lease_ttl_seconds"`
}

type AlertsConfig struct {
	TickBudgetMs       int `toml:"tick_budget_ms"`
	MinCooldownSeconds int `toml:"min_cooldown_seconds"`
	MaxParallelSymbols int `toml:"max_parallel_symbols"`
}

type NotifyConfig struct {
	// WebhookURL, when set, receives fired triggers as JSON POSTs.
	// Triggers go to the log otherwise.
	WebhookURL     string `toml:"webhook_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}
