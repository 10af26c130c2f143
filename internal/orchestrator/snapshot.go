package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"chartsync/internal/bus"
	"chartsync/internal/domain"
)

// publishLoadingSnapshot publishes an empty Loading snapshot the moment a
// session starts, before any data has arrived, so subscribers can render an
// immediate "loading" state rather than stale data from the prior session.
func (o *Orchestrator) publishLoadingSnapshot(s SessionState) {
	empty := domain.CandleSeries{Interval: s.Interval}
	o.cache.Update(empty)
	o.snapshotVer.Store(o.cache.Version())

	o.bus.PublishSeriesUpdated(bus.SeriesUpdated{
		Symbol:   s.Symbol,
		Interval: s.Interval,
		State:    bus.Loading,
	})
}

// requestSnapshotPublish marks a snapshot as due; the coalescer thread picks
// it up on its next tick, so bursts of appends collapse into one publish.
func (o *Orchestrator) requestSnapshotPublish() {
	o.pendingSnap.Store(true)
}

func (o *Orchestrator) startCoalescer() {
	o.coalesceStop = make(chan struct{})
	o.coalesceDone = make(chan struct{})
	go o.coalesceLoop()
}

func (o *Orchestrator) stopCoalescer() {
	if o.coalesceStop != nil {
		close(o.coalesceStop)
	}
	if o.coalesceDone != nil {
		<-o.coalesceDone
	}
}

func (o *Orchestrator) coalesceLoop() {
	defer close(o.coalesceDone)

	ticker := time.NewTicker(o.cfg.CoalesceMinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.coalesceStop:
			if o.pendingSnap.CompareAndSwap(true, false) {
				o.flushSnapshot()
			}
			return
		case <-ticker.C:
			if o.pendingSnap.CompareAndSwap(true, false) {
				o.flushSnapshot()
			}
		}
	}
}

// flushSnapshot computes the desired published window, updates the Cache,
// and publishes a SeriesUpdated event if the tail actually changed.
//
// While a live gap is in flight and the repo still reports one, the prior
// published series and state are reused verbatim rather than recomputed:
// this is the anti-flicker rule — readers keep seeing the last-known-good
// window (and its Ready/LiveOnly state) instead of flashing to a narrower
// or degraded view while the targeted repair fetch is in progress.
func (o *Orchestrator) flushSnapshot() {
	o.mu.Lock()
	s := o.activeSession
	o.mu.Unlock()
	if !s.valid() {
		return
	}

	meta := o.repo.Metadata()
	gapInFlight := o.liveGapPending.Load()

	o.publishMu.Lock()
	desired := o.publishCount
	if meta.Count >= o.cfg.MinHistoryReady && desired < o.cfg.MinHistoryReady {
		desired = o.cfg.MinHistoryReady
	}
	if gapInFlight || meta.HasGap {
		stable := o.lastStableCount
		if stable < o.cfg.MinHistoryReady {
			stable = o.cfg.MinHistoryReady
		}
		if desired < stable {
			desired = stable
		}
	}

	var series domain.CandleSeries
	var state bus.UiDataState
	reused := gapInFlight && meta.HasGap && o.lastPublishedSeries != nil
	if reused {
		series = *o.lastPublishedSeries
		state = o.lastPublishedState
		o.publishMu.Unlock()
	} else {
		o.publishMu.Unlock()

		var err error
		series, err = o.repo.GetLatest(desired)
		if err != nil {
			o.logger.Warn("snapshot fetch failed", zap.Error(err))
			return
		}

		switch {
		case o.backfilling.Load() && meta.Count < o.cfg.MinHistoryReady:
			state = bus.Loading
		case meta.Count >= o.cfg.MinHistoryReady && !meta.HasGap:
			state = bus.Ready
		default:
			state = bus.LiveOnly
		}
	}

	if !reused {
		o.cache.Update(series)
		o.snapshotVer.Store(o.cache.Version())
	}

	o.publishMu.Lock()
	if !reused {
		o.lastPublishedSeries = &series
		o.lastPublishedState = state
		if state == bus.Ready && !meta.HasGap {
			o.lastStableCount = series.Size()
		}
	}
	o.publishMu.Unlock()

	lastClosed := false
	if n := len(series.Data); n > 0 {
		lastClosed = series.Data[n-1].IsClosed
	}

	o.bus.PublishSeriesUpdated(bus.SeriesUpdated{
		Symbol:     s.Symbol,
		Interval:   s.Interval,
		FirstOpen:  series.FirstOpen,
		LastOpen:   series.LastOpen,
		Count:      series.Size(),
		LastClosed: lastClosed,
		TailHash:   bus.TailHash(series.Data),
		State:      state,
	})
}
