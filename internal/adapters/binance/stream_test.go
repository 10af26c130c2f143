package binance

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chartsync/internal/domain"
)

var upgrader = websocket.Upgrader{}

func TestStreamLive_DeliversParsedCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		msg := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{
			"t":1620000000000,"T":1620000059999,"o":"100.0","h":"110.0","l":"95.0","c":"105.0",
			"v":"12.5","q":"1312.5","n":42,"x":false}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New("", wsURL, nil)

	received := make(chan domain.LiveCandle, 1)
	handle, err := c.StreamLive("BTCUSDT", testInterval(), func(live domain.LiveCandle) {
		select {
		case received <- live:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("StreamLive: %v", err)
	}
	defer handle.Stop()

	select {
	case live := <-received:
		if live.Candle.OpenTime != 1620000000000 || live.IsFinal {
			t.Fatalf("unexpected candle: %+v", live)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live candle")
	}
}

func TestSubscription_StopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New("", wsURL, nil)

	handle, err := c.StreamLive("BTCUSDT", testInterval(), func(domain.LiveCandle) {}, nil)
	if err != nil {
		t.Fatalf("StreamLive: %v", err)
	}
	handle.Stop()
	handle.Stop()
}

func TestParseKlineEvent_IgnoresNonKlineEvents(t *testing.T) {
	if _, ok := parseKlineEvent([]byte(`{"data":{"e":"trade"}}`)); ok {
		t.Fatal("expected non-kline events to be rejected")
	}
}

func TestParseKlineEvent_RejectsMalformedNumbers(t *testing.T) {
	msg := []byte(`{"data":{"e":"kline","k":{"t":1,"T":2,"o":"nope","h":"1","l":"1","c":"1","v":"1","q":"1","n":1,"x":false}}}`)
	if _, ok := parseKlineEvent(msg); ok {
		t.Fatal("expected malformed price field to be rejected")
	}
}
