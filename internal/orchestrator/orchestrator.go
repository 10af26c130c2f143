// Package orchestrator implements the Sync Orchestrator: the top-level
// driver that starts/stops a session, runs reverse backfill, consumes live
// candles, schedules targeted gap repairs, and triggers coalesced snapshot
// publication.
package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chartsync/internal/bus"
	"chartsync/internal/cache"
	"chartsync/internal/domain"
	"chartsync/internal/hub"
	"chartsync/internal/ports"
	"chartsync/internal/repository"
)

// Orchestrator drives exactly one active session at a time.
type Orchestrator struct {
	market ports.MarketSource
	repo   *repository.Repository
	paths  repository.Paths
	cache  *cache.Cache
	bus    *bus.Bus
	hub    *hub.Hub
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	running       bool
	sessionID     uint64
	activeSession SessionState
	liveHandle    ports.SubscriptionHandle

	publishMu           sync.Mutex
	publishCount        int
	lastPublishedSeries *domain.CandleSeries
	lastPublishedState  bus.UiDataState
	lastStableCount     int

	backfilling    atomic.Bool
	liveGapPending atomic.Bool
	gapInFlight    atomic.Bool
	snapshotVer    atomic.Uint64
	pendingSnap    atomic.Bool

	liveQueueMu    sync.Mutex
	liveQueue      []domain.LiveCandle
	liveQueueFirst time.Time
	liveSignal     chan struct{}

	stopLiveBatch atomic.Bool
	liveBatchDone chan struct{}

	backfillWg sync.WaitGroup

	targetedMu   sync.Mutex
	targetedDone chan struct{}

	coalesceStop chan struct{}
	coalesceDone chan struct{}
}

// New constructs an Orchestrator. repo must be unbound; Bind is called on
// Start. hub should already be running its own background timer (the Hub
// owns its own lifecycle independently of the orchestrator's).
func New(market ports.MarketSource, repo *repository.Repository, paths repository.Paths, c *cache.Cache, b *bus.Bus, h *hub.Hub, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	o := &Orchestrator{
		market: market,
		repo:   repo,
		paths:  paths,
		cache:  c,
		bus:    b,
		hub:    h,
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
	}
	o.liveSignal = make(chan struct{}, 1)
	return o
}

// IsBackfilling reports whether the reverse-backfill thread is active.
func (o *Orchestrator) IsBackfilling() bool { return o.backfilling.Load() }

// HasLiveGap reports whether a live-path gap is currently pending repair.
func (o *Orchestrator) HasLiveGap() bool { return o.liveGapPending.Load() }

// SnapshotVersion returns the last published Cache version.
func (o *Orchestrator) SnapshotVersion() uint64 { return o.snapshotVer.Load() }

// Start validates the session, binds the repository, resets publication
// state, publishes a Loading snapshot, starts the live-batch and coalescer
// threads, subscribes to the live stream, and spawns reverse backfill.
func (o *Orchestrator) Start(s SessionState) error {
	if !s.valid() {
		o.logger.Warn("session start ignored: invalid", zap.String("symbol", string(s.Symbol)))
		return domain.ErrInvalidSession
	}

	o.mu.Lock()
	o.sessionID++
	sid := o.sessionID
	o.running = true
	o.activeSession = s
	o.mu.Unlock()

	o.publishMu.Lock()
	o.publishCount = o.cfg.PublishCandles
	o.lastPublishedSeries = nil
	o.lastPublishedState = bus.Loading
	o.lastStableCount = 0
	o.publishMu.Unlock()

	o.snapshotVer.Store(0)
	o.liveGapPending.Store(false)
	o.gapInFlight.Store(false)

	if err := o.repo.Bind(s.Symbol, s.Interval, o.paths); err != nil {
		o.logger.Error("bind failed", zap.String("symbol", string(s.Symbol)), zap.Error(err))
		return err
	}

	o.publishLoadingSnapshot(s)

	o.startLiveBatcher()
	o.startCoalescer()

	handle, err := o.market.StreamLive(s.Symbol, s.Interval,
		func(live domain.LiveCandle) { o.handleLiveCandle(sid, live) },
		func(e domain.StreamError) { o.handleStreamError(sid, e) },
	)
	if err != nil {
		o.logger.Error("live stream start failed", zap.String("symbol", string(s.Symbol)), zap.Error(err))
	} else {
		o.mu.Lock()
		o.liveHandle = handle
		o.mu.Unlock()
	}

	o.spawnReverseBackfill(sid, s)
	return nil
}

// Stop is idempotent: marks not-running, stops the live subscription, joins
// backfill and targeted-repair threads, stops the live batcher and
// coalescer, and flushes the repository. Shutdown order:
// live subscription -> backfill -> targeted repair -> live-batch -> coalescer.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	handle := o.liveHandle
	o.liveHandle = nil
	o.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}

	o.backfillWg.Wait()
	o.joinTargetedBackfill()

	o.stopLiveBatcher()
	o.stopCoalescer()

	if err := o.repo.FlushIfNeeded(true); err != nil {
		o.logger.Warn("flush on stop failed", zap.Error(err))
	}
}

// SwitchTo is equivalent to Stop(); Start(next).
func (o *Orchestrator) SwitchTo(next SessionState) error {
	o.Stop()
	return o.Start(next)
}

func (o *Orchestrator) isSessionCurrent(sid uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sid == o.sessionID && o.running
}

func (o *Orchestrator) handleStreamError(sid uint64, err domain.StreamError) {
	o.logger.Warn("live stream error", zap.Int("code", err.Code), zap.String("message", err.Message))
}
