package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chartsync/internal/domain"
	"chartsync/internal/ports"
)

// streamErrCodeDisconnect identifies a lost/failed kline WebSocket connection
// in the domain.StreamError delivered to onError.
const streamErrCodeDisconnect = 1

// klineStreamEvent is Binance's combined-stream kline payload:
// {"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{...}}}
type klineStreamEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Kline     struct {
			OpenTime    int64  `json:"t"`
			CloseTime   int64  `json:"T"`
			Open        string `json:"o"`
			High        string `json:"h"`
			Low         string `json:"l"`
			Close       string `json:"c"`
			BaseVolume  string `json:"v"`
			QuoteVolume string `json:"q"`
			Trades      int64  `json:"n"`
			IsFinal     bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// subscription is the SubscriptionHandle returned by StreamLive.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// StreamLive opens a kline WebSocket stream for symbol/interval and delivers
// candles via onData until the returned handle's Stop is called.
func (c *Client) StreamLive(symbol domain.Symbol, interval domain.Interval, onData ports.OnDataFunc, onError ports.OnErrorFunc) (ports.SubscriptionHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(string(symbol)), interval.Label())
	url := fmt.Sprintf("%s/stream?streams=%s", c.wsBaseURL, stream)

	go c.runStream(ctx, sub.done, url, onData, onError)

	return sub, nil
}

func (c *Client) runStream(ctx context.Context, done chan struct{}, url string, onData ports.OnDataFunc, onError ports.OnErrorFunc) {
	defer close(done)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.runStreamOnce(ctx, url, onData); err != nil {
			c.logger.Warn("kline stream disconnected", zap.String("url", url), zap.Error(err))
			if onError != nil {
				onError(domain.StreamError{Code: streamErrCodeDisconnect, Message: err.Error()})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) runStreamOnce(ctx context.Context, url string, onData ports.OnDataFunc) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	headers := http.Header{}
	headers.Set("User-Agent", "chartsync/1.0")

	conn, _, err := dialer.Dial(url, headers)
	if err != nil {
		return fmt.Errorf("dial kline stream: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(655350)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	pingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
	defer close(pingStop)
	defer close(readDone)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("kline stream read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		live, ok := parseKlineEvent(message)
		if !ok {
			continue
		}
		onData(live)
	}
}

func parseKlineEvent(message []byte) (domain.LiveCandle, bool) {
	var evt klineStreamEvent
	if err := json.Unmarshal(message, &evt); err != nil {
		return domain.LiveCandle{}, false
	}
	if evt.Data.EventType != "kline" {
		return domain.LiveCandle{}, false
	}

	k := evt.Data.Kline
	open, err1 := strconv.ParseFloat(k.Open, 64)
	high, err2 := strconv.ParseFloat(k.High, 64)
	low, err3 := strconv.ParseFloat(k.Low, 64)
	closePrice, err4 := strconv.ParseFloat(k.Close, 64)
	baseVolume, err5 := strconv.ParseFloat(k.BaseVolume, 64)
	quoteVolume, err6 := strconv.ParseFloat(k.QuoteVolume, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
		return domain.LiveCandle{}, false
	}

	candle := domain.Candle{
		OpenTime:    domain.TimestampMs(k.OpenTime),
		CloseTime:   domain.TimestampMs(k.CloseTime),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		BaseVolume:  baseVolume,
		QuoteVolume: quoteVolume,
		Trades:      int32(k.Trades),
		IsClosed:    k.IsFinal,
	}

	return domain.LiveCandle{Candle: candle, IsFinal: k.IsFinal}, true
}
