package cache

import (
	"sync"
	"testing"

	"chartsync/internal/domain"
)

func TestCache_ColdStartIsEmptyNotNil(t *testing.T) {
	c := New()
	snap := c.Snapshot()
	if snap == nil {
		t.Fatalf("snapshot must never be nil")
	}
	if !snap.Empty() {
		t.Fatalf("cold start snapshot must be empty")
	}
	if c.Version() != 0 {
		t.Fatalf("expected version 0 at cold start")
	}
}

func TestCache_UpdateBumpsVersionAndIsConsistent(t *testing.T) {
	c := New()
	series := domain.CandleSeries{
		Interval:  domain.Interval{Ms: 60_000},
		Data:      []domain.Candle{{OpenTime: 60_000}, {OpenTime: 120_000}},
		FirstOpen: 60_000,
		LastOpen:  120_000,
	}
	c.Update(series)

	snap := c.Snapshot()
	if snap.Size() != 2 || snap.FirstOpen != 60_000 || snap.LastOpen != 120_000 {
		t.Fatalf("snapshot fields disagree with data: %+v", snap)
	}
	if c.Version() != 1 {
		t.Fatalf("expected version 1, got %d", c.Version())
	}
}

func TestCache_ConcurrentReadersNeverSeeInconsistentSlot(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			n := i
			data := make([]domain.Candle, n)
			for j := range data {
				data[j] = domain.Candle{OpenTime: domain.TimestampMs(j * 60_000)}
			}
			c.Update(domain.CandleSeries{
				Data:      data,
				FirstOpen: 0,
				LastOpen:  domain.TimestampMs((n - 1) * 60_000),
			})
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := c.Snapshot()
			if snap.Size() > 0 && snap.LastOpen != domain.TimestampMs((snap.Size()-1)*60_000) {
				t.Errorf("inconsistent snapshot observed: %+v", snap)
				return
			}
		}
	}()

	wg.Wait()
}
