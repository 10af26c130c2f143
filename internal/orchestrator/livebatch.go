package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"chartsync/internal/domain"
	"chartsync/internal/hub"
)

// handleLiveCandle is the MarketSource callback. It forwards immediately to
// the Hub for UI conflation (the Hub has its own independent throttle) and
// enqueues the candle for batched repository appension.
func (o *Orchestrator) handleLiveCandle(sid uint64, live domain.LiveCandle) {
	if !o.isSessionCurrent(sid) {
		return
	}

	o.mu.Lock()
	s := o.activeSession
	o.mu.Unlock()

	if o.hub != nil {
		payload := hub.CandlePayload{Symbol: s.Symbol, Interval: s.Interval, Candle: live.Candle}
		if live.IsFinal {
			o.hub.OnCloseCandle(payload)
		} else {
			o.hub.OnLiveTick(payload)
		}
	}

	o.liveQueueMu.Lock()
	if len(o.liveQueue) == 0 {
		o.liveQueueFirst = time.Now()
	}
	o.liveQueue = append(o.liveQueue, live)
	o.liveQueueMu.Unlock()

	select {
	case o.liveSignal <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) startLiveBatcher() {
	o.liveBatchDone = make(chan struct{})
	o.stopLiveBatch.Store(false)
	go o.liveBatchLoop()
}

func (o *Orchestrator) stopLiveBatcher() {
	o.stopLiveBatch.Store(true)
	select {
	case o.liveSignal <- struct{}{}:
	default:
	}
	if o.liveBatchDone != nil {
		<-o.liveBatchDone
	}
}

// liveBatchLoop drains the live queue in batches: it flushes once
// cfg.LiveBatchImmediate candles have queued, otherwise on the first check
// after cfg.LiveBatchMax has elapsed since the first queued item. Checks run
// on every enqueue and every cfg.LiveBatchMin.
func (o *Orchestrator) liveBatchLoop() {
	defer close(o.liveBatchDone)

	ticker := time.NewTicker(o.cfg.LiveBatchMin)
	defer ticker.Stop()

	for {
		if o.stopLiveBatch.Load() && o.queueLen() == 0 {
			return
		}

		select {
		case <-o.liveSignal:
		case <-ticker.C:
		}

		for {
			batch, ready := o.drainIfReady()
			if !ready {
				break
			}
			o.processLiveBatch(batch)
		}

		if o.stopLiveBatch.Load() {
			if batch := o.drainAll(); len(batch) > 0 {
				o.processLiveBatch(batch)
			}
			return
		}
	}
}

func (o *Orchestrator) queueLen() int {
	o.liveQueueMu.Lock()
	defer o.liveQueueMu.Unlock()
	return len(o.liveQueue)
}

// drainIfReady returns (batch, true) when the immediate threshold has been
// reached or cfg.LiveBatchMax has elapsed since the oldest queued item.
func (o *Orchestrator) drainIfReady() ([]domain.LiveCandle, bool) {
	o.liveQueueMu.Lock()
	defer o.liveQueueMu.Unlock()

	if len(o.liveQueue) == 0 {
		return nil, false
	}

	age := time.Since(o.liveQueueFirst)
	if len(o.liveQueue) < o.cfg.LiveBatchImmediate && age < o.cfg.LiveBatchMin {
		return nil, false
	}
	if age < o.cfg.LiveBatchMax && len(o.liveQueue) < o.cfg.LiveBatchImmediate {
		return nil, false
	}

	batch := o.liveQueue
	o.liveQueue = nil
	return batch, true
}

func (o *Orchestrator) drainAll() []domain.LiveCandle {
	o.liveQueueMu.Lock()
	defer o.liveQueueMu.Unlock()
	batch := o.liveQueue
	o.liveQueue = nil
	return batch
}

func (o *Orchestrator) processLiveBatch(batch []domain.LiveCandle) {
	if len(batch) == 0 {
		return
	}
	candles := make([]domain.Candle, len(batch))
	for i, lc := range batch {
		candles[i] = lc.Candle
	}

	result, err := o.repo.AppendBatch(candles)
	if err != nil {
		o.logger.Warn("live batch append failed", zap.Error(err))
		return
	}

	switch result.State {
	case domain.RangeGap:
		o.liveGapPending.Store(true)
		o.scheduleTargetedBackfill(result.ExpectedFrom, result.ExpectedTo)
	case domain.RangeOk, domain.RangeReplaced:
		// nothing further; the append itself already closed any prior gap.
	}

	o.requestSnapshotPublish()
}
