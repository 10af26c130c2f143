// Package wsfanout fans out live candle updates and series-snapshot
// notifications to connected browser clients over WebSocket. It is the
// downstream WsHub transport the orchestrator's Hub and Bus publish into;
// nothing upstream of this package knows a WebSocket exists.
package wsfanout

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chartsync/internal/bus"
	"chartsync/internal/hub"
)

// outboundMessage is the wire shape sent (inside a batch) for each event.
type outboundMessage struct {
	Type     string      `json:"type"`
	Symbol   string      `json:"symbol,omitempty"`
	Interval string      `json:"interval,omitempty"`
	Payload  interface{} `json:"payload"`
}

// Fanout manages a set of WebSocket connections and broadcasts Hub candle
// messages and Bus series-updated notifications to all of them.
type Fanout struct {
	logger *zap.Logger

	mu           sync.Mutex
	clients      map[*websocket.Conn]chan []byte
	registerCh   chan *websocket.Conn
	unregisterCh chan *websocket.Conn

	batcher  *batcher
	upgrader websocket.Upgrader

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Fanout. maxBatch/batchTimeout tune how many events are
// coalesced into one outbound frame; pass 0 for the defaults (50 messages /
// 100ms).
func New(logger *zap.Logger, maxBatch int, batchTimeout time.Duration) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBatch <= 0 {
		maxBatch = 50
	}
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	f := &Fanout{
		logger:       logger.Named("wsfanout"),
		clients:      make(map[*websocket.Conn]chan []byte),
		registerCh:   make(chan *websocket.Conn, 64),
		unregisterCh: make(chan *websocket.Conn, 64),
		batcher:      newBatcher(logger, maxBatch, batchTimeout),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go f.run()
	return f
}

// Handler returns an http.HandlerFunc that upgrades requests to WebSocket
// connections and registers them with the fanout.
func (f *Fanout) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		f.register(conn)
	}
}

// HubEmitter adapts Fanout into a hub.Emitter for wiring into hub.Hub.SetEmitter.
func (f *Fanout) HubEmitter() hub.Emitter {
	return func(msg hub.Message) {
		kind := "partial"
		if msg.Kind == hub.Close {
			kind = "close"
		}
		f.enqueue(outboundMessage{
			Type:     "candle_" + kind,
			Symbol:   string(msg.Symbol),
			Interval: msg.Interval.Label(),
			Payload:  msg.Candle,
		})
	}
}

// BusListener adapts Fanout into a bus.SeriesUpdatedCallback for wiring into
// bus.Bus.SubscribeSeriesUpdated.
func (f *Fanout) BusListener() bus.SeriesUpdatedCallback {
	return func(event bus.SeriesUpdated) {
		f.enqueue(outboundMessage{
			Type:     "series_updated",
			Symbol:   string(event.Symbol),
			Interval: event.Interval.Label(),
			Payload: map[string]interface{}{
				"firstOpen":  event.FirstOpen,
				"lastOpen":   event.LastOpen,
				"count":      event.Count,
				"lastClosed": event.LastClosed,
				"tailHash":   event.TailHash,
				"state":      event.State.String(),
			},
		})
	}
}

func (f *Fanout) enqueue(msg outboundMessage) {
	f.batcher.add(msg, time.Now().UnixMilli())
}

func (f *Fanout) register(conn *websocket.Conn) {
	select {
	case f.registerCh <- conn:
	default:
		f.logger.Warn("register channel full, dropping client")
		conn.Close()
	}
}

func (f *Fanout) unregister(conn *websocket.Conn) {
	select {
	case f.unregisterCh <- conn:
	default:
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		conn.Close()
	}
}

// Stop closes every connection and stops the background loop.
func (f *Fanout) Stop() {
	close(f.stopCh)
	<-f.done
}

func (f *Fanout) run() {
	defer close(f.done)

	batchOut := f.batcher.output()
	defer f.batcher.close()

	for {
		select {
		case <-f.stopCh:
			f.mu.Lock()
			for conn, ch := range f.clients {
				close(ch)
				conn.Close()
			}
			f.clients = make(map[*websocket.Conn]chan []byte)
			f.mu.Unlock()
			return

		case conn := <-f.registerCh:
			ch := make(chan []byte, 32)
			f.mu.Lock()
			f.clients[conn] = ch
			f.mu.Unlock()
			go f.writeLoop(conn, ch)
			f.logger.Info("client registered", zap.String("remote", conn.RemoteAddr().String()))

		case conn := <-f.unregisterCh:
			f.mu.Lock()
			if ch, ok := f.clients[conn]; ok {
				delete(f.clients, conn)
				close(ch)
				conn.Close()
			}
			f.mu.Unlock()

		case data, ok := <-batchOut:
			if !ok {
				return
			}
			f.mu.Lock()
			for conn, ch := range f.clients {
				select {
				case ch <- data:
				default:
					f.logger.Warn("client write buffer full, dropping client", zap.String("remote", conn.RemoteAddr().String()))
					delete(f.clients, conn)
					close(ch)
					conn.Close()
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *Fanout) writeLoop(conn *websocket.Conn, ch chan []byte) {
	for data := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.logger.Debug("write to client failed", zap.Error(err))
			f.unregister(conn)
			return
		}
	}
}
