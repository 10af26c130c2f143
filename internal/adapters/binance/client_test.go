package binance

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chartsync/internal/domain"
)

func testInterval() domain.Interval {
	return domain.Interval{Ms: 60_000}
}

func TestFetchRange_ParsesBinanceKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			[1620000000000, "100.0", "110.0", "95.0", "105.0", "12.5", 1620000059999, "1312.5", 42, "6.0", "630.0", "0"],
			[1620000060000, "105.0", "108.0", "103.0", "107.0", "8.0", 1620000119999, "856.0", 30, "4.0", "428.0", "0"]
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)

	rng := domain.TimeRange{Start: 1620000000000, End: 1620000120000}
	candles, err := c.FetchRange("BTCUSDT", testInterval(), rng, 1000)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	if candles[0].OpenTime != 1620000000000 || candles[0].Close != 105.0 {
		t.Fatalf("unexpected first candle: %+v", candles[0])
	}
	if !candles[0].IsClosed {
		t.Fatalf("expected REST candles to be closed")
	}
	if candles[1].Trades != 30 {
		t.Fatalf("expected trades=30, got %d", candles[1].Trades)
	}
}

func TestFetchRange_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"too many requests"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	_, err := c.FetchRange("BTCUSDT", testInterval(), domain.TimeRange{Start: 0, End: 1}, 10)
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestFetchRange_LimitClampedToBinanceMax(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	if _, err := c.FetchRange("BTCUSDT", testInterval(), domain.TimeRange{Start: 0, End: 1}, 5000); err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if gotLimit != "1000" {
		t.Fatalf("expected limit clamped to 1000, got %s", gotLimit)
	}
}

func TestParseKline_RejectsShortRows(t *testing.T) {
	if _, ok := parseKline([]interface{}{1.0, "2"}); ok {
		t.Fatal("expected parseKline to reject a short row")
	}
}

func TestNew_DefaultsBaseURLs(t *testing.T) {
	c := New("", "", nil)
	if c.restBaseURL != "https://api.binance.com" {
		t.Fatalf("unexpected default rest base url: %s", c.restBaseURL)
	}
	if c.wsBaseURL != "wss://stream.binance.com:9443" {
		t.Fatalf("unexpected default ws base url: %s", c.wsBaseURL)
	}
}

func TestFetchRange_EmptyResponseReturnsNoCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	candles, err := c.FetchRange("ETHUSDT", testInterval(), domain.TimeRange{Start: 0, End: 1}, 10)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(candles) != 0 {
		t.Fatalf("expected no candles from empty response, got %d", len(candles))
	}
}
