// Package binance implements the MarketSource port against Binance's REST
// klines endpoint and kline WebSocket stream.
package binance

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chartsync/internal/domain"
	"chartsync/internal/ports"
)

// Client is a MarketSource backed by Binance's public REST and WebSocket APIs.
type Client struct {
	restBaseURL string
	wsBaseURL   string
	httpClient  *http.Client
	logger      *zap.Logger
}

// New constructs a Client. restBaseURL/wsBaseURL default to Binance's public
// endpoints when empty.
func New(restBaseURL, wsBaseURL string, logger *zap.Logger) *Client {
	if restBaseURL == "" {
		restBaseURL = "https://api.binance.com"
	}
	if wsBaseURL == "" {
		wsBaseURL = "wss://stream.binance.com:9443"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		restBaseURL: strings.TrimSuffix(restBaseURL, "/"),
		wsBaseURL:   strings.TrimSuffix(wsBaseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.Named("binance"),
	}
}

var _ ports.MarketSource = (*Client)(nil)

// klineResponse is Binance's array-of-arrays kline shape:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...]
type klineResponse [][]interface{}

// FetchRange fetches up to limit klines covering rng via Binance's REST
// klines endpoint.
func (c *Client) FetchRange(symbol domain.Symbol, interval domain.Interval, rng domain.TimeRange, limit int) ([]domain.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
		c.restBaseURL, strings.ToUpper(string(symbol)), interval.Label(), int64(rng.Start), int64(rng.End), limit)

	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("binance klines request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance klines read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance klines request failed: status %d: %s", resp.StatusCode, string(body))
	}

	var raw klineResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance klines decode: %w", err)
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		candle, ok := parseKline(k)
		if !ok {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKline(k []interface{}) (domain.Candle, bool) {
	if len(k) < 9 {
		return domain.Candle{}, false
	}

	openTime, ok := asInt64(k[0])
	if !ok {
		return domain.Candle{}, false
	}
	open, ok1 := asFloat(k[1])
	high, ok2 := asFloat(k[2])
	low, ok3 := asFloat(k[3])
	closePrice, ok4 := asFloat(k[4])
	volume, ok5 := asFloat(k[5])
	closeTime, ok6 := asInt64(k[6])
	quoteVolume, _ := asFloat(k[7])
	trades, _ := asInt64(k[8])
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return domain.Candle{}, false
	}

	return domain.Candle{
		OpenTime:    domain.TimestampMs(openTime),
		CloseTime:   domain.TimestampMs(closeTime),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		BaseVolume:  volume,
		QuoteVolume: quoteVolume,
		Trades:      int32(trades),
		IsClosed:    true,
	}, true
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
