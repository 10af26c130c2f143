package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"chartsync/internal/domain"
)

// scheduleTargetedBackfill spawns a one-shot repair fetch covering
// [gapFrom − cfg.TargetedGapPadding*Δ, gapTo] inclusive — left-padded only,
// so the fetch has room to land on an aligned candle boundary before the
// gap without also re-fetching data past it. The fetch limit is
// max(span/Δ + 2, cfg.TargetedGapPadding) candles; when the padding is
// above one candle that is fewer than the padded window holds, so a source
// that returns the oldest rows first can stop short of the gap's end in a
// single request. At most one targeted
// repair runs at a time per session; a repair already in flight is left to
// finish rather than being duplicated.
func (o *Orchestrator) scheduleTargetedBackfill(gapFrom, gapTo domain.TimestampMs) {
	if !o.gapInFlight.CompareAndSwap(false, true) {
		return
	}

	o.mu.Lock()
	sid := o.sessionID
	s := o.activeSession
	o.mu.Unlock()

	o.targetedMu.Lock()
	o.targetedDone = make(chan struct{})
	done := o.targetedDone
	o.targetedMu.Unlock()

	go func() {
		defer close(done)
		defer o.gapInFlight.Store(false)
		o.runTargetedBackfill(sid, s, gapFrom, gapTo)
	}()
}

func (o *Orchestrator) runTargetedBackfill(sid uint64, s SessionState, gapFrom, gapTo domain.TimestampMs) {
	if !o.isSessionCurrent(sid) {
		return
	}

	intervalMs := domain.TimestampMs(s.Interval.Ms)
	if intervalMs <= 0 {
		return
	}

	pad := domain.TimestampMs(int64(o.cfg.TargetedGapPadding) * int64(intervalMs))
	rng := domain.TimeRange{Start: gapFrom - pad, End: gapTo + intervalMs - 1}
	if rng.Start < 0 {
		rng.Start = 0
	}

	spanCandles := int(int64(gapTo-gapFrom)/int64(intervalMs)) + 2
	limit := o.cfg.TargetedGapPadding
	if spanCandles > limit {
		limit = spanCandles
	}

	candles, err := o.market.FetchRange(s.Symbol, s.Interval, rng, limit)
	if err != nil {
		o.logger.Warn("targeted gap repair fetch failed", zap.Error(err),
			zap.Int64("gapFrom", int64(gapFrom)), zap.Int64("gapTo", int64(gapTo)))
		return
	}
	if len(candles) == 0 {
		return
	}

	if !o.isSessionCurrent(sid) {
		return
	}

	result, err := o.repo.AppendBatch(candles)
	if err != nil {
		o.logger.Warn("targeted gap repair merge failed", zap.Error(err))
		return
	}
	if result.State != domain.RangeGap {
		o.liveGapPending.Store(false)
	}

	o.requestSnapshotPublish()
}

func (o *Orchestrator) joinTargetedBackfill() {
	o.targetedMu.Lock()
	done := o.targetedDone
	o.targetedMu.Unlock()

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		o.logger.Warn("targeted gap repair did not stop within grace period")
	}
}
