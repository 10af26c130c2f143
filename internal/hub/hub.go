// Package hub implements the Live Conflation Hub: per-Key coalescing of
// bursty partial tick updates into at most one outbound Partial message per
// window, interleaved correctly with Close messages.
package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chartsync/internal/domain"
)

// MessageKind distinguishes a coalesced partial update from a definitive close.
type MessageKind int

const (
	Partial MessageKind = iota
	Close
)

// CandlePayload is what callers hand the Hub per tick.
type CandlePayload struct {
	Symbol   domain.Symbol
	Interval domain.Interval
	Candle   domain.Candle
}

// Message is what the Hub emits downstream (the WsHub port payload).
type Message struct {
	Kind     MessageKind
	Symbol   domain.Symbol
	Interval domain.Interval
	Candle   domain.Candle
	Sequence uint64
}

// Emitter receives Hub output; it must not block and must not call back
// into the Hub on the same goroutine.
type Emitter func(Message)

type pendingState struct {
	payload    CandlePayload
	hasPending bool
	sequence   uint64
}

func keyFor(symbol domain.Symbol, interval domain.Interval) domain.Key {
	return domain.Key{Symbol: symbol, Interval: interval}
}

// Hub is a per-process conflation table. The zero value is not usable;
// construct with New.
type Hub struct {
	mu      sync.Mutex
	pending map[domain.Key]*pendingState
	emitter Emitter

	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	logger *zap.Logger
}

// New starts the Hub's background coalescing timer immediately, with the
// given sweep period (default 150ms; pass 0 to use it).
func New(logger *zap.Logger, period time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if period <= 0 {
		period = 150 * time.Millisecond
	}
	h := &Hub{
		pending:  make(map[domain.Key]*pendingState),
		interval: period,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger.Named("hub"),
	}
	go h.runTimer()
	return h
}

// SetEmitter installs the single downstream sink. Safe to call at any time.
func (h *Hub) SetEmitter(emitter Emitter) {
	h.mu.Lock()
	h.emitter = emitter
	h.mu.Unlock()
}

// OnLiveTick records the latest pending Partial for the key; it does not
// emit anything itself.
func (h *Hub) OnLiveTick(payload CandlePayload) {
	key := keyFor(payload.Symbol, payload.Interval)

	h.mu.Lock()
	state, ok := h.pending[key]
	if !ok {
		state = &pendingState{}
		h.pending[key] = state
	}
	state.payload = payload
	state.hasPending = true
	h.mu.Unlock()
}

// OnCloseCandle emits a Close immediately, drops any pending Partial for
// that key, and advances the key's sequence number.
func (h *Hub) OnCloseCandle(payload CandlePayload) {
	key := keyFor(payload.Symbol, payload.Interval)

	var emitter Emitter
	var msg Message
	shouldEmit := false

	h.mu.Lock()
	select {
	case <-h.stopCh:
		h.mu.Unlock()
		return
	default:
	}
	// Keep the key's state so its sequence keeps counting; clearing
	// hasPending and bumping sequence drops any pending or prepared Partial.
	state, ok := h.pending[key]
	if !ok {
		state = &pendingState{}
		h.pending[key] = state
	}
	state.sequence++
	state.hasPending = false
	seq := state.sequence
	if h.emitter != nil {
		emitter = h.emitter
		msg = Message{
			Kind:     Close,
			Symbol:   payload.Symbol,
			Interval: payload.Interval,
			Candle:   payload.Candle,
			Sequence: seq,
		}
		shouldEmit = true
	}
	h.mu.Unlock()

	if shouldEmit {
		emitter(msg)
	}
}

// Stop halts the coalescing timer; the emitter is never invoked after Stop
// returns. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	<-h.stopped
}

func (h *Hub) runTimer() {
	defer close(h.stopped)

	timer := time.NewTimer(h.interval)
	defer timer.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-timer.C:
		}
		timer.Reset(h.interval)

		h.mu.Lock()
		if len(h.pending) == 0 || h.emitter == nil {
			h.mu.Unlock()
			continue
		}

		toEmit := make([]Message, 0, len(h.pending))
		for key, state := range h.pending {
			if !state.hasPending {
				continue
			}
			state.sequence++
			toEmit = append(toEmit, Message{
				Kind:     Partial,
				Symbol:   key.Symbol,
				Interval: key.Interval,
				Candle:   state.payload.Candle,
				Sequence: state.sequence,
			})
			state.hasPending = false
		}
		emitter := h.emitter
		h.mu.Unlock()

		for _, msg := range toEmit {
			key := keyFor(msg.Symbol, msg.Interval)
			shouldEmit := true

			h.mu.Lock()
			if state, ok := h.pending[key]; !ok || state.sequence != msg.Sequence || state.hasPending {
				shouldEmit = false
			}
			h.mu.Unlock()

			if shouldEmit {
				emitter(msg)
			}
		}
	}
}
