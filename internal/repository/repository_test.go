package repository

import (
	"testing"

	"go.uber.org/zap"

	"chartsync/internal/domain"
)

func testInterval() domain.Interval {
	return domain.Interval{Ms: 60_000}
}

func newBoundRepo(t *testing.T) *Repository {
	t.Helper()
	repo := New(zap.NewNop())
	if err := repo.Bind("BTCUSDT", testInterval(), Paths{CacheDir: t.TempDir()}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return repo
}

func closedCandle(open domain.TimestampMs, step domain.TimestampMs, close float64) domain.Candle {
	return domain.Candle{
		OpenTime:  open,
		CloseTime: open + step - 1,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		IsClosed:  true,
	}
}

func TestAppendOrReplace_FirstInsert(t *testing.T) {
	repo := newBoundRepo(t)
	step := testInterval().Ms

	res, err := repo.AppendOrReplace(closedCandle(60_000, step, 100))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.State != domain.RangeOk || res.Appended != 1 {
		t.Fatalf("expected Ok/1, got %+v", res)
	}

	meta := repo.Metadata()
	if meta.Count != 1 || meta.MinOpen != 60_000 || meta.MaxOpen != 60_000 || meta.HasGap {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestAppendOrReplace_SequentialOk(t *testing.T) {
	repo := newBoundRepo(t)
	step := testInterval().Ms

	for i := int64(1); i <= 5; i++ {
		open := domain.TimestampMs(i * int64(step))
		res, err := repo.AppendOrReplace(closedCandle(open, step, float64(i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.State != domain.RangeOk {
			t.Fatalf("append %d: expected Ok, got %v", i, res.State)
		}
	}

	meta := repo.Metadata()
	if meta.Count != 5 || meta.HasGap {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestAppendOrReplace_OpenTailThenClose(t *testing.T) {
	repo := newBoundRepo(t)
	step := testInterval().Ms

	open := domain.Candle{OpenTime: 60_000, CloseTime: 60_000 + step - 1, Close: 10, IsClosed: false}
	if _, err := repo.AppendOrReplace(open); err != nil {
		t.Fatalf("append open: %v", err)
	}
	if repo.Metadata().Count != 0 {
		t.Fatalf("open tail must not count as closed")
	}

	closed := open
	closed.Close = 11
	closed.IsClosed = true
	res, err := repo.AppendOrReplace(closed)
	if err != nil {
		t.Fatalf("append close: %v", err)
	}
	if res.State != domain.RangeReplaced {
		t.Fatalf("expected Replaced, got %v", res.State)
	}
	if repo.Metadata().Count != 1 {
		t.Fatalf("expected 1 closed candle, got %d", repo.Metadata().Count)
	}
}

func TestAppendOrReplace_OverlapIgnoredWhenClosedAuthoritative(t *testing.T) {
	repo := newBoundRepo(t)
	step := testInterval().Ms

	closed := closedCandle(60_000, step, 10)
	if _, err := repo.AppendOrReplace(closed); err != nil {
		t.Fatalf("append: %v", err)
	}

	stalePartial := closed
	stalePartial.IsClosed = false
	stalePartial.Close = 999
	res, err := repo.AppendOrReplace(stalePartial)
	if err != nil {
		t.Fatalf("append stale: %v", err)
	}
	if res.State != domain.RangeOverlap {
		t.Fatalf("expected Overlap, got %v", res.State)
	}
	if repo.Metadata().Count != 1 {
		t.Fatalf("closed candle must not be overwritten by a stale partial")
	}
}

func TestAppendOrReplace_GapDetected(t *testing.T) {
	repo := newBoundRepo(t)
	step := testInterval().Ms

	if _, err := repo.AppendOrReplace(closedCandle(60_000, step, 10)); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := repo.AppendOrReplace(closedCandle(60_000+3*step, step, 20))
	if err != nil {
		t.Fatalf("append gap: %v", err)
	}
	if res.State != domain.RangeGap {
		t.Fatalf("expected Gap, got %v", res.State)
	}
	if res.ExpectedFrom != 60_000+step || res.ExpectedTo != 60_000+2*step {
		t.Fatalf("unexpected gap bounds: %+v", res)
	}
	if !repo.HasGap() {
		t.Fatalf("expected HasGap=true")
	}
}

func TestAppendBatch_ShortCircuitsOnGap(t *testing.T) {
	repo := newBoundRepo(t)
	step := testInterval().Ms

	batch := []domain.Candle{
		closedCandle(60_000+step, step, 30), // out of order on purpose
		closedCandle(60_000, step, 10),
		closedCandle(60_000+4*step, step, 50), // creates a gap relative to +step
	}

	res, err := repo.AppendBatch(batch)
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if res.State != domain.RangeGap {
		t.Fatalf("expected Gap, got %v", res.State)
	}
	if repo.Metadata().Count != 2 {
		t.Fatalf("expected 2 candles appended before the gap, got %d", repo.Metadata().Count)
	}
}

func TestBindReload_RoundTripsClosedCandles(t *testing.T) {
	dir := t.TempDir()
	step := testInterval().Ms

	repo := New(zap.NewNop())
	if err := repo.Bind("BTCUSDT", testInterval(), Paths{CacheDir: dir}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	for i := int64(1); i <= 5; i++ {
		if _, err := repo.AppendOrReplace(closedCandle(domain.TimestampMs(i*int64(step)), step, float64(i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Memory-only open tail: must not survive reload.
	tail := domain.Candle{OpenTime: 6 * step, CloseTime: 7*step - 1, Close: 6, IsClosed: false}
	if _, err := repo.AppendOrReplace(tail); err != nil {
		t.Fatalf("append tail: %v", err)
	}
	if err := repo.FlushIfNeeded(true); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded := New(zap.NewNop())
	if err := reloaded.Bind("BTCUSDT", testInterval(), Paths{CacheDir: dir}); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	meta := reloaded.Metadata()
	if meta.Count != 5 {
		t.Fatalf("expected 5 closed candles after reload, got %d", meta.Count)
	}
	if meta.HasGap {
		t.Fatalf("unexpected gap after reload")
	}
	if reloaded.LastClosedOpenTime() != 5*step {
		t.Fatalf("unexpected last closed open time: %d", reloaded.LastClosedOpenTime())
	}
}

func TestGetLatest_ReturnsTailInclusive(t *testing.T) {
	repo := newBoundRepo(t)
	step := testInterval().Ms

	for i := int64(0); i < 3; i++ {
		if _, err := repo.AppendOrReplace(closedCandle(domain.TimestampMs(i*int64(step)), step, float64(i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	series, err := repo.GetLatest(2)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if series.Size() != 2 {
		t.Fatalf("expected 2 candles, got %d", series.Size())
	}
	if series.FirstOpen != domain.TimestampMs(step) || series.LastOpen != domain.TimestampMs(2*step) {
		t.Fatalf("unexpected series bounds: %+v", series)
	}
}
