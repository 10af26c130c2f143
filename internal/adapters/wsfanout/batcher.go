package wsfanout

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// outboundBatch is what's actually written to each client socket.
type outboundBatch struct {
	Type      string        `json:"type"`
	Batch     []interface{} `json:"batch"`
	Count     int           `json:"count"`
	Timestamp int64         `json:"timestamp"`
}

// batcher coalesces individual outbound messages into a single JSON batch so
// a burst of candle updates doesn't turn into one WebSocket frame per tick.
type batcher struct {
	logger   *zap.Logger
	mu       sync.Mutex
	messages []interface{}
	timer    *time.Timer
	maxSize  int
	timeout  time.Duration
	outputCh chan []byte
}

func newBatcher(logger *zap.Logger, maxSize int, timeout time.Duration) *batcher {
	return &batcher{
		logger:   logger.Named("batcher"),
		messages: make([]interface{}, 0, maxSize),
		maxSize:  maxSize,
		timeout:  timeout,
		outputCh: make(chan []byte, 256),
	}
}

func (b *batcher) output() <-chan []byte {
	return b.outputCh
}

func (b *batcher) add(message interface{}, nowMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, message)
	if len(b.messages) >= b.maxSize {
		b.flushLocked(nowMs)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.flushLocked(time.Now().UnixMilli())
		})
	}
}

func (b *batcher) flushLocked(nowMs int64) {
	if len(b.messages) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	batch := outboundBatch{
		Type:      "batch",
		Batch:     append([]interface{}(nil), b.messages...),
		Count:     len(b.messages),
		Timestamp: nowMs,
	}
	b.messages = b.messages[:0]

	data, err := json.Marshal(batch)
	if err != nil {
		b.logger.Error("marshal batch failed", zap.Error(err))
		return
	}

	select {
	case b.outputCh <- data:
	default:
		b.logger.Warn("batch output channel full, dropping batch")
	}
}

func (b *batcher) close() {
	b.mu.Lock()
	b.flushLocked(time.Now().UnixMilli())
	b.mu.Unlock()
	close(b.outputCh)
}
