package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"chartsync/internal/bus"
	"chartsync/internal/cache"
	"chartsync/internal/domain"
	"chartsync/internal/hub"
	"chartsync/internal/ports"
	"chartsync/internal/repository"
)

const testStep = domain.TimestampMs(60_000)

func testInterval() domain.Interval { return domain.Interval{Ms: testStep} }

type fakeHandle struct{ stopped atomic.Bool }

func (h *fakeHandle) Stop() { h.stopped.Store(true) }

// fakeMarket answers FetchRange from a canned candle set and lets tests push
// live candles directly into whatever callback StreamLive last registered.
type fakeMarket struct {
	mu      sync.Mutex
	history []domain.Candle
	onData  ports.OnDataFunc
	onError ports.OnErrorFunc
	handle  *fakeHandle
}

func (m *fakeMarket) FetchRange(_ domain.Symbol, _ domain.Interval, rng domain.TimeRange, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Candle
	for _, c := range m.history {
		if c.OpenTime >= rng.Start && c.OpenTime < rng.End {
			out = append(out, c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *fakeMarket) StreamLive(_ domain.Symbol, _ domain.Interval, onData ports.OnDataFunc, onError ports.OnErrorFunc) (ports.SubscriptionHandle, error) {
	m.mu.Lock()
	m.onData = onData
	m.onError = onError
	m.handle = &fakeHandle{}
	handle := m.handle
	m.mu.Unlock()
	return handle, nil
}

func (m *fakeMarket) pushLive(c domain.Candle, final bool) {
	m.mu.Lock()
	onData := m.onData
	m.mu.Unlock()
	if onData != nil {
		onData(domain.LiveCandle{Candle: c, IsFinal: final})
	}
}

func closedAt(open domain.TimestampMs, v float64) domain.Candle {
	return domain.Candle{
		OpenTime: open, CloseTime: open + int64(testStep) - 1,
		Open: v, High: v, Low: v, Close: v, IsClosed: true,
	}
}

func testConfig() Config {
	return Config{
		PublishCandles:      10,
		BackfillChunk:       50,
		BackfillMinSleep:    time.Millisecond,
		LookbackMax:         time.Hour,
		WsConflation:        10 * time.Millisecond,
		MinHistoryReady:     3,
		LivePublishThrottle: 5 * time.Millisecond,
		LiveBatchMin:        2 * time.Millisecond,
		LiveBatchMax:        5 * time.Millisecond,
		LiveBatchImmediate:  1,
		TargetedGapPadding:  2,
		CoalesceMinInterval: 5 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, m *fakeMarket) (*Orchestrator, *cache.Cache, *bus.Bus, *repository.Repository) {
	t.Helper()
	repo := repository.New(zap.NewNop())
	c := cache.New()
	b := bus.New()
	h := hub.New(zap.NewNop(), 10*time.Millisecond)
	t.Cleanup(h.Stop)

	o := New(m, repo, repository.Paths{CacheDir: t.TempDir()}, c, b, h, testConfig(), zap.NewNop())
	return o, c, b, repo
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestOrchestrator_ColdStartBackfillsToReady(t *testing.T) {
	now := domain.TimestampMs(time.Now().UnixMilli())
	base := domain.AlignDownMs(now, testStep) - 5*testStep

	m := &fakeMarket{history: []domain.Candle{
		closedAt(base, 1), closedAt(base+testStep, 2), closedAt(base+2*testStep, 3),
		closedAt(base+3*testStep, 4), closedAt(base+4*testStep, 5),
	}}

	o, c, _, repo := newTestOrchestrator(t, m)
	if err := o.Start(SessionState{Symbol: "BTCUSDT", Interval: testInterval()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool { return repo.Metadata().Count == 5 })
	waitFor(t, 2*time.Second, func() bool { return c.Snapshot().Size() == 5 })
	waitFor(t, 2*time.Second, func() bool { return !o.IsBackfilling() })
}

func TestOrchestrator_LiveAppendUpdatesCache(t *testing.T) {
	now := domain.TimestampMs(time.Now().UnixMilli())
	base := domain.AlignDownMs(now, testStep) - 5*testStep

	m := &fakeMarket{history: []domain.Candle{
		closedAt(base, 1), closedAt(base+testStep, 2), closedAt(base+2*testStep, 3),
	}}

	o, c, _, repo := newTestOrchestrator(t, m)
	if err := o.Start(SessionState{Symbol: "ETHUSDT", Interval: testInterval()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool { return repo.Metadata().Count == 3 })

	next := base + 3*testStep
	m.pushLive(closedAt(next, 4), true)

	waitFor(t, 2*time.Second, func() bool { return repo.Metadata().Count == 4 })
	waitFor(t, 2*time.Second, func() bool {
		s := c.Snapshot()
		return s.Size() > 0 && s.LastOpen == next
	})
}

func TestOrchestrator_LiveGapTriggersTargetedRepair(t *testing.T) {
	now := domain.TimestampMs(time.Now().UnixMilli())
	base := domain.AlignDownMs(now, testStep) - 8*testStep

	m := &fakeMarket{history: []domain.Candle{
		closedAt(base, 1), closedAt(base+testStep, 2), closedAt(base+2*testStep, 3),
		// base+3*testStep and base+4*testStep complete a contiguous run of five
		// candles, which reverse backfill loads and the targeted repair fetch
		// sees again.
		closedAt(base+3*testStep, 40), closedAt(base+4*testStep, 50),
	}}

	o, _, _, repo := newTestOrchestrator(t, m)
	if err := o.Start(SessionState{Symbol: "SOLUSDT", Interval: testInterval()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool { return repo.Metadata().Count == 5 })

	// Live delivers base+6*testStep directly, skipping +5: a gap.
	gapOpen := base + 6*testStep
	m.pushLive(closedAt(gapOpen, 70), true)

	waitFor(t, 2*time.Second, func() bool { return o.HasLiveGap() })

	// Supply the missing candle so the targeted repair fetch can close the gap.
	m.mu.Lock()
	m.history = append(m.history, closedAt(base+5*testStep, 60))
	m.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return !o.HasLiveGap() })
	waitFor(t, 2*time.Second, func() bool { return !repo.HasGap() })
}

func TestOrchestrator_SwitchToRebindsSession(t *testing.T) {
	now := domain.TimestampMs(time.Now().UnixMilli())
	base := domain.AlignDownMs(now, testStep) - 5*testStep

	m := &fakeMarket{history: []domain.Candle{
		closedAt(base, 1), closedAt(base+testStep, 2), closedAt(base+2*testStep, 3),
	}}

	o, _, _, repo := newTestOrchestrator(t, m)
	if err := o.Start(SessionState{Symbol: "BTCUSDT", Interval: testInterval()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return repo.Metadata().Count == 3 })

	if err := o.SwitchTo(SessionState{Symbol: "DOGEUSDT", Interval: testInterval()}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool { return repo.Metadata().Count == 3 })
}

func TestOrchestrator_StopIsIdempotent(t *testing.T) {
	m := &fakeMarket{}
	o, _, _, _ := newTestOrchestrator(t, m)
	if err := o.Start(SessionState{Symbol: "BTCUSDT", Interval: testInterval()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	o.Stop()
	o.Stop()
}

func TestOrchestrator_StartRejectsInvalidSession(t *testing.T) {
	m := &fakeMarket{}
	o, _, _, _ := newTestOrchestrator(t, m)
	if err := o.Start(SessionState{}); err == nil {
		t.Fatalf("expected error for invalid session")
	}
}
