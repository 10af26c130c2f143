// Package bus implements the series-updated notification channel: a
// single-producer multi-consumer event bus with dedup on payload.
package bus

import (
	"sync"

	"chartsync/internal/domain"
)

// UiDataState is the high-level readiness state published alongside a
// SeriesUpdated event.
type UiDataState int

const (
	Loading UiDataState = iota
	LiveOnly
	Ready
)

func (s UiDataState) String() string {
	switch s {
	case Loading:
		return "Loading"
	case LiveOnly:
		return "LiveOnly"
	case Ready:
		return "Ready"
	default:
		return "Unknown"
	}
}

// SeriesUpdated is the event payload: enough to dedup against, without
// carrying the full series.
type SeriesUpdated struct {
	Symbol     domain.Symbol
	Interval   domain.Interval
	FirstOpen  domain.TimestampMs
	LastOpen   domain.TimestampMs
	Count      int
	LastClosed bool
	TailHash   uint64
	State      UiDataState
}

func (e SeriesUpdated) equalPayload(o SeriesUpdated) bool {
	return e.Symbol == o.Symbol &&
		e.Interval == o.Interval &&
		e.FirstOpen == o.FirstOpen &&
		e.LastOpen == o.LastOpen &&
		e.Count == o.Count &&
		e.LastClosed == o.LastClosed &&
		e.TailHash == o.TailHash &&
		e.State == o.State
}

// SeriesUpdatedCallback is invoked synchronously, in registration order, on
// publish. It must not call back into the Bus on the same goroutine.
type SeriesUpdatedCallback func(SeriesUpdated)

type listener struct {
	id       uint64
	callback SeriesUpdatedCallback
}

// Bus is the single logical "series updated" channel.
type Bus struct {
	mu        sync.Mutex
	listeners []listener
	nextID    uint64
	last      *SeriesUpdated
	changed   bool
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscription is an RAII-style handle: Close unregisters the callback.
// Safe to call Close more than once or to let it go unused.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.id)
	s.bus = nil
}

// SubscribeSeriesUpdated attaches a callback and returns its Subscription.
func (b *Bus) SubscribeSeriesUpdated(cb SeriesUpdatedCallback) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, callback: cb})
	b.mu.Unlock()

	return &Subscription{bus: b, id: id}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// PublishSeriesUpdated dedups against the previous event and, if different,
// invokes all callbacks synchronously in registration order.
func (b *Bus) PublishSeriesUpdated(event SeriesUpdated) {
	b.mu.Lock()
	if b.last != nil && b.last.equalPayload(event) {
		b.mu.Unlock()
		return
	}
	b.last = &event
	b.changed = true
	cbs := make([]SeriesUpdatedCallback, len(b.listeners))
	for i, l := range b.listeners {
		cbs[i] = l.callback
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
}

// ConsumeSeriesChanged is a test-and-clear for polling consumers.
func (b *Bus) ConsumeSeriesChanged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := b.changed
	b.changed = false
	return changed
}

// TailHash computes the series-tail hash used to build a SeriesUpdated
// event (exported so the orchestrator can compute it outside the bus
// without duplicating the algorithm).
func TailHash(data []domain.Candle) uint64 {
	return tailHash(data)
}
