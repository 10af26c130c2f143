package orchestrator

import "time"

// Config holds the Orchestrator's tunables: backfill pacing, live batching,
// gap repair, and snapshot coalescing.
type Config struct {
	PublishCandles     int           // default 600
	BackfillChunk      int           // default 1000
	BackfillMinSleep   time.Duration // default 250ms
	LookbackMax        time.Duration // default 7 days
	WsConflation       time.Duration // default 150ms (passed through to the Hub)
	MinHistoryReady    int           // default 300
	LivePublishThrottle time.Duration // default 75ms
	LiveBatchMin       time.Duration // default 50ms
	LiveBatchMax       time.Duration // default 100ms
	LiveBatchImmediate int           // default 32
	TargetedGapPadding int           // default 300 candles
	CoalesceMinInterval time.Duration // default 33ms
}

// DefaultConfig returns the sync tunable defaults.
func DefaultConfig() Config {
	return Config{
		PublishCandles:      600,
		BackfillChunk:       1000,
		BackfillMinSleep:    250 * time.Millisecond,
		LookbackMax:         7 * 24 * time.Hour,
		WsConflation:        150 * time.Millisecond,
		MinHistoryReady:     300,
		LivePublishThrottle: 75 * time.Millisecond,
		LiveBatchMin:        50 * time.Millisecond,
		LiveBatchMax:        100 * time.Millisecond,
		LiveBatchImmediate:  32,
		TargetedGapPadding:  300,
		CoalesceMinInterval: 33 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PublishCandles <= 0 {
		c.PublishCandles = d.PublishCandles
	}
	if c.BackfillChunk <= 0 {
		c.BackfillChunk = 1
	}
	if c.BackfillMinSleep < 0 {
		c.BackfillMinSleep = 0
	}
	if c.LookbackMax < 0 {
		c.LookbackMax = 0
	}
	if c.WsConflation <= 0 {
		c.WsConflation = d.WsConflation
	}
	if c.MinHistoryReady <= 0 {
		c.MinHistoryReady = d.MinHistoryReady
	}
	if c.LivePublishThrottle <= 0 {
		c.LivePublishThrottle = d.LivePublishThrottle
	}
	if c.LiveBatchMin <= 0 {
		c.LiveBatchMin = d.LiveBatchMin
	}
	if c.LiveBatchMax <= 0 {
		c.LiveBatchMax = d.LiveBatchMax
	}
	if c.LiveBatchImmediate <= 0 {
		c.LiveBatchImmediate = d.LiveBatchImmediate
	}
	if c.TargetedGapPadding <= 0 {
		c.TargetedGapPadding = d.TargetedGapPadding
	}
	if c.CoalesceMinInterval <= 0 {
		c.CoalesceMinInterval = d.CoalesceMinInterval
	}
	if c.PublishCandles < c.MinHistoryReady {
		c.PublishCandles = c.MinHistoryReady
	}
}
