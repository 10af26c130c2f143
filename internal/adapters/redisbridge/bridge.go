// Package redisbridge optionally republishes series-updated notifications to
// Redis pub/sub, so other processes (a second UI gateway, a recorder) can
// observe this service's sync state without holding a direct in-process
// subscription on the Bus.
package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chartsync/internal/bus"
)

// Bridge throttled-publishes bus.SeriesUpdated events to a Redis channel.
type Bridge struct {
	client *redis.Client
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	maxPerSecond int
	mu           sync.Mutex
	count        int
	windowStart  time.Time

	totalPublished int64
	totalThrottled int64
	totalFailed    int64
}

// Config configures a Bridge.
type Config struct {
	URL          string
	DB           int
	MaxPerSecond int
}

// New dials Redis and returns a Bridge. maxPerSecond <= 0 defaults to 1000.
func New(cfg Config, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxPerSecond := cfg.MaxPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = 1000
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DB = cfg.DB

	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Bridge{
		client:       client,
		logger:       logger.Named("redisbridge"),
		ctx:          ctx,
		cancel:       cancel,
		maxPerSecond: maxPerSecond,
		windowStart:  time.Now(),
	}, nil
}

// Listener adapts Bridge into a bus.SeriesUpdatedCallback.
func (b *Bridge) Listener() bus.SeriesUpdatedCallback {
	return func(event bus.SeriesUpdated) {
		b.publish(event)
	}
}

func (b *Bridge) publish(event bus.SeriesUpdated) {
	if !b.allow() {
		b.mu.Lock()
		b.totalThrottled++
		b.mu.Unlock()
		b.logger.Debug("series update publish throttled",
			zap.String("symbol", string(event.Symbol)),
			zap.String("interval", event.Interval.Label()))
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("marshal series updated event", zap.Error(err))
		return
	}

	channel := ChannelName(string(event.Symbol), event.Interval.Label())
	if err := b.client.Publish(b.ctx, channel, data).Err(); err != nil {
		b.mu.Lock()
		b.totalFailed++
		b.mu.Unlock()
		b.logger.Error("publish series updated event", zap.String("channel", channel), zap.Error(err))
		return
	}

	b.mu.Lock()
	b.totalPublished++
	b.mu.Unlock()
}

func (b *Bridge) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.windowStart) >= time.Second {
		b.count = 0
		b.windowStart = now
	}
	if b.count >= b.maxPerSecond {
		return false
	}
	b.count++
	return true
}

// Stats is a point-in-time snapshot of bridge publish counters.
type Stats struct {
	Published int64
	Throttled int64
	Failed    int64
}

// Stats returns current publish counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Published: b.totalPublished, Throttled: b.totalThrottled, Failed: b.totalFailed}
}

// HealthCheck pings the Redis connection.
func (b *Bridge) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the bridge and closes the Redis client.
func (b *Bridge) Close() error {
	b.cancel()
	return b.client.Close()
}

// ChannelName builds the standardized channel name series updates publish to.
func ChannelName(symbol, interval string) string {
	return fmt.Sprintf("chartsync:%s:%s:series_updated", symbol, interval)
}
