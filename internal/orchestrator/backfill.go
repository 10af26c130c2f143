package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"chartsync/internal/domain"
)

// spawnReverseBackfill walks backward from the repository's current earliest
// candle (or from now, if empty) in chunks of cfg.BackfillChunk, merging each
// chunk and sleeping cfg.BackfillMinSleep between REST calls, until either
// cfg.MinHistoryReady candles are on disk with no gap or cfg.LookbackMax is
// reached. An empty window (thin trading, an exchange maintenance gap) does
// not stop the walk; the cursor steps past it and backfill keeps going.
func (o *Orchestrator) spawnReverseBackfill(sid uint64, s SessionState) {
	o.backfillWg.Add(1)
	o.backfilling.Store(true)
	go func() {
		defer o.backfillWg.Done()
		defer o.backfilling.Store(false)
		o.runReverseBackfill(sid, s)
	}()
}

func (o *Orchestrator) runReverseBackfill(sid uint64, s SessionState) {
	intervalMs := int64(s.Interval.Ms)
	if intervalMs <= 0 {
		return
	}

	now := domain.TimestampMs(time.Now().UnixMilli())
	oldestAllowed := now - domain.TimestampMs(o.cfg.LookbackMax.Milliseconds())

	cursor := now
	if meta := o.repo.Metadata(); meta.Count > 0 {
		cursor = meta.MinOpen
	}

	for o.isSessionCurrent(sid) {
		meta := o.repo.Metadata()
		if meta.Count >= o.cfg.MinHistoryReady && !meta.HasGap {
			break
		}
		if cursor <= oldestAllowed {
			o.logger.Info("reverse backfill reached lookback horizon",
				zap.String("symbol", string(s.Symbol)), zap.Int64("oldestAllowed", int64(oldestAllowed)))
			break
		}

		chunkStart := cursor - domain.TimestampMs(int64(o.cfg.BackfillChunk)*intervalMs)
		if chunkStart < oldestAllowed {
			chunkStart = oldestAllowed
		}
		rng := domain.TimeRange{Start: chunkStart, End: cursor}
		if rng.Empty() {
			break
		}

		candles, err := o.market.FetchRange(s.Symbol, s.Interval, rng, o.cfg.BackfillChunk)
		if err != nil {
			o.logger.Warn("reverse backfill fetch failed", zap.Error(err), zap.String("symbol", string(s.Symbol)))
			time.Sleep(o.cfg.BackfillMinSleep)
			continue
		}
		if len(candles) == 0 {
			o.logger.Debug("reverse backfill window empty, continuing further back",
				zap.String("symbol", string(s.Symbol)), zap.Int64("chunkStart", int64(chunkStart)))
			cursor = chunkStart - domain.TimestampMs(intervalMs)
			time.Sleep(o.cfg.BackfillMinSleep)
			continue
		}

		if _, err := o.repo.AppendBatch(candles); err != nil {
			o.logger.Warn("reverse backfill merge failed", zap.Error(err))
		}
		o.requestSnapshotPublish()

		oldestFetched := candles[0].OpenTime
		for _, c := range candles {
			if c.OpenTime < oldestFetched {
				oldestFetched = c.OpenTime
			}
		}
		if oldestFetched >= cursor {
			break
		}
		cursor = oldestFetched

		time.Sleep(o.cfg.BackfillMinSleep)
	}

	o.requestSnapshotPublish()
}
