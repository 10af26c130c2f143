package config

import "time"

// Config is the complete application configuration: the session to run,
// the sync tunables, and the ambient adapters (market source, Redis bridge,
// metrics server).
type Config struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`

	CacheDir string `yaml:"cacheDir"`
	DataDir  string `yaml:"dataDir"`

	PublishCandles        int   `yaml:"publishCandles"`
	BackfillChunk         int   `yaml:"backfillChunk"`
	BackfillMinSleepMs    int64 `yaml:"backfillMinSleepMs"`
	LookbackMaxMs         int64 `yaml:"lookbackMaxMs"`
	WsConflationMs        int64 `yaml:"wsConflationMs"`
	MinHistoryReady       int   `yaml:"minHistoryReady"`
	LivePublishThrottleMs int64 `yaml:"livePublishThrottleMs"`
	LiveBatchMinMs        int64 `yaml:"liveBatchMinMs"`
	LiveBatchMaxMs        int64 `yaml:"liveBatchMaxMs"`
	LiveBatchImmediate    int   `yaml:"liveBatchImmediate"`
	TargetedGapPadding    int   `yaml:"targetedGapPadding"`
	CoalesceMinIntervalMs int64 `yaml:"coalesceMinIntervalMs"`

	MarketSource MarketSourceConfig `yaml:"marketSource"`
	Redis        RedisConfig        `yaml:"redis"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// MarketSourceConfig names the upstream exchange adapter to construct.
type MarketSourceConfig struct {
	Exchange    string `yaml:"exchange"`
	RestBaseURL string `yaml:"restBaseURL"`
	WsBaseURL   string `yaml:"wsBaseURL"`
}

// RedisConfig is the optional cross-process notification bridge.
type RedisConfig struct {
	URL     string `yaml:"url"`
	DB      int    `yaml:"db"`
	Enabled bool   `yaml:"enabled"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Port string `yaml:"port"`
}

func (c *Config) BackfillMinSleep() time.Duration {
	return time.Duration(c.BackfillMinSleepMs) * time.Millisecond
}

func (c *Config) LookbackMax() time.Duration {
	return time.Duration(c.LookbackMaxMs) * time.Millisecond
}

func (c *Config) WsConflation() time.Duration {
	return time.Duration(c.WsConflationMs) * time.Millisecond
}

func (c *Config) LivePublishThrottle() time.Duration {
	return time.Duration(c.LivePublishThrottleMs) * time.Millisecond
}

func (c *Config) LiveBatchMin() time.Duration {
	return time.Duration(c.LiveBatchMinMs) * time.Millisecond
}

func (c *Config) LiveBatchMax() time.Duration {
	return time.Duration(c.LiveBatchMaxMs) * time.Millisecond
}

func (c *Config) CoalesceMinInterval() time.Duration {
	return time.Duration(c.CoalesceMinIntervalMs) * time.Millisecond
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Symbol == "" {
		c.Symbol = "BTCUSDT"
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.PublishCandles <= 0 {
		c.PublishCandles = 600
	}
	if c.BackfillChunk <= 0 {
		c.BackfillChunk = 1000
	}
	if c.BackfillMinSleepMs <= 0 {
		c.BackfillMinSleepMs = 250
	}
	if c.LookbackMaxMs <= 0 {
		c.LookbackMaxMs = 7 * 24 * 60 * 60 * 1000
	}
	if c.WsConflationMs <= 0 {
		c.WsConflationMs = 150
	}
	if c.MinHistoryReady <= 0 {
		c.MinHistoryReady = 300
	}
	if c.LivePublishThrottleMs <= 0 {
		c.LivePublishThrottleMs = 75
	}
	if c.LiveBatchMinMs <= 0 {
		c.LiveBatchMinMs = 50
	}
	if c.LiveBatchMaxMs <= 0 {
		c.LiveBatchMaxMs = 100
	}
	if c.LiveBatchImmediate <= 0 {
		c.LiveBatchImmediate = 32
	}
	if c.TargetedGapPadding <= 0 {
		c.TargetedGapPadding = 300
	}
	if c.CoalesceMinIntervalMs <= 0 {
		c.CoalesceMinIntervalMs = 33
	}
	if c.MarketSource.Exchange == "" {
		c.MarketSource.Exchange = "binance"
	}
	if c.MarketSource.RestBaseURL == "" {
		c.MarketSource.RestBaseURL = "https://api.binance.com"
	}
	if c.MarketSource.WsBaseURL == "" {
		c.MarketSource.WsBaseURL = "wss://stream.binance.com:9443"
	}
	if c.Metrics.Port == "" {
		c.Metrics.Port = "9090"
	}
}
