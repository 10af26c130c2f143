package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("symbol: ETHUSDT\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := NewConfigLoader().LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Symbol != "ETHUSDT" {
		t.Fatalf("expected explicit symbol to survive, got %q", cfg.Symbol)
	}
	if cfg.Interval != "1m" {
		t.Fatalf("expected default interval, got %q", cfg.Interval)
	}
	if cfg.PublishCandles != 600 || cfg.MinHistoryReady != 300 || cfg.TargetedGapPadding != 300 {
		t.Fatalf("unexpected defaulted tunables: %+v", cfg)
	}
	if cfg.MarketSource.Exchange != "binance" {
		t.Fatalf("expected default exchange binance, got %q", cfg.MarketSource.Exchange)
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := Config{
		BackfillMinSleepMs:    250,
		LookbackMaxMs:         60_000,
		WsConflationMs:        150,
		LivePublishThrottleMs: 75,
		LiveBatchMinMs:        50,
		LiveBatchMaxMs:        100,
		CoalesceMinIntervalMs: 33,
	}

	cases := map[string]struct {
		got  time.Duration
		want time.Duration
	}{
		"backfillMinSleep":    {cfg.BackfillMinSleep(), 250 * time.Millisecond},
		"lookbackMax":         {cfg.LookbackMax(), time.Minute},
		"wsConflation":        {cfg.WsConflation(), 150 * time.Millisecond},
		"livePublishThrottle": {cfg.LivePublishThrottle(), 75 * time.Millisecond},
		"liveBatchMin":        {cfg.LiveBatchMin(), 50 * time.Millisecond},
		"liveBatchMax":        {cfg.LiveBatchMax(), 100 * time.Millisecond},
		"coalesceMinInterval": {cfg.CoalesceMinInterval(), 33 * time.Millisecond},
	}
	for name, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %s, want %s", name, tc.got, tc.want)
		}
	}
}
