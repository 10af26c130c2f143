package bus

import (
	"testing"

	"chartsync/internal/domain"
)

func TestBus_DedupsIdenticalPayload(t *testing.T) {
	b := New()
	var calls int
	sub := b.SubscribeSeriesUpdated(func(SeriesUpdated) { calls++ })
	defer sub.Close()

	evt := SeriesUpdated{Symbol: "BTCUSDT", Count: 10, State: Ready}
	b.PublishSeriesUpdated(evt)
	b.PublishSeriesUpdated(evt)
	b.PublishSeriesUpdated(evt)

	if calls != 1 {
		t.Fatalf("expected 1 call after dedup, got %d", calls)
	}
}

func TestBus_PublishesOnMaterialChange(t *testing.T) {
	b := New()
	var received []SeriesUpdated
	sub := b.SubscribeSeriesUpdated(func(e SeriesUpdated) { received = append(received, e) })
	defer sub.Close()

	b.PublishSeriesUpdated(SeriesUpdated{Count: 10, State: Loading})
	b.PublishSeriesUpdated(SeriesUpdated{Count: 10, State: Ready})

	if len(received) != 2 {
		t.Fatalf("expected 2 distinct events, got %d", len(received))
	}
}

func TestSubscription_CloseUnregisters(t *testing.T) {
	b := New()
	var calls int
	sub := b.SubscribeSeriesUpdated(func(SeriesUpdated) { calls++ })
	sub.Close()

	b.PublishSeriesUpdated(SeriesUpdated{Count: 1})
	if calls != 0 {
		t.Fatalf("expected 0 calls after unsubscribe, got %d", calls)
	}

	// Close is idempotent.
	sub.Close()
}

func TestConsumeSeriesChanged_TestAndClear(t *testing.T) {
	b := New()
	b.PublishSeriesUpdated(SeriesUpdated{Count: 1})

	if !b.ConsumeSeriesChanged() {
		t.Fatalf("expected changed=true after publish")
	}
	if b.ConsumeSeriesChanged() {
		t.Fatalf("expected changed=false after consuming once")
	}
}

func TestTailHash_ChangesWithTrailingWindow(t *testing.T) {
	base := []domain.Candle{
		{OpenTime: 60_000, Close: 1},
		{OpenTime: 120_000, Close: 2},
	}
	mutated := []domain.Candle{
		{OpenTime: 60_000, Close: 1},
		{OpenTime: 120_000, Close: 99},
	}

	if TailHash(base) == TailHash(mutated) {
		t.Fatalf("tail hash should differ when trailing candle fields differ")
	}

	identical := make([]domain.Candle, len(base))
	copy(identical, base)
	if TailHash(base) != TailHash(identical) {
		t.Fatalf("tail hash should be stable for identical input")
	}
}
