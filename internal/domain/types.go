// Package domain holds the value types shared by the repository, hub,
// cache, bus and orchestrator.
package domain

import (
	"strconv"
	"strings"
)

// TimestampMs is a signed millisecond epoch timestamp.
type TimestampMs int64

// Interval is a positive millisecond step between candle open times.
type Interval struct {
	Ms TimestampMs
}

// Valid reports whether the interval is usable (a strictly positive step).
func (iv Interval) Valid() bool {
	return iv.Ms > 0
}

// AlignDownMs floors t to the nearest multiple of step at or below t.
func AlignDownMs(t, step TimestampMs) TimestampMs {
	if step <= 0 {
		return t
	}
	return (t / step) * step
}

// AlignUpMs rounds t up to the nearest multiple of step at or above t.
func AlignUpMs(t, step TimestampMs) TimestampMs {
	if step <= 0 {
		return t
	}
	return ((t + step - 1) / step) * step
}

// Label renders the interval the way config files and on-disk records do:
// "1m", "5m", "1h", "1d", "<n>s" for whole seconds, or a raw "<n>ms" fallback.
func (iv Interval) Label() string {
	if !iv.Valid() {
		return ""
	}
	ms := int64(iv.Ms)
	switch {
	case ms%86_400_000 == 0:
		return strconv.FormatInt(ms/86_400_000, 10) + "d"
	case ms%3_600_000 == 0:
		return strconv.FormatInt(ms/3_600_000, 10) + "h"
	case ms%60_000 == 0:
		return strconv.FormatInt(ms/60_000, 10) + "m"
	case ms%1_000 == 0:
		return strconv.FormatInt(ms/1_000, 10) + "s"
	default:
		return strconv.FormatInt(ms, 10) + "ms"
	}
}

// IntervalFromLabel parses a label produced by Label back into an Interval.
// An unparseable or non-positive label yields the zero Interval.
func IntervalFromLabel(label string) Interval {
	label = strings.TrimSpace(label)
	if label == "" {
		return Interval{}
	}

	idx := 0
	for idx < len(label) && label[idx] >= '0' && label[idx] <= '9' {
		idx++
	}
	if idx == 0 {
		return Interval{}
	}

	value, err := strconv.ParseInt(label[:idx], 10, 64)
	if err != nil || value <= 0 {
		return Interval{}
	}

	multiplier := int64(1)
	if idx < len(label) && !strings.EqualFold(label[idx:], "ms") {
		switch label[idx] | 0x20 { // lowercase ASCII letters
		case 's':
			multiplier = 1_000
		case 'm':
			multiplier = 60_000
		case 'h':
			multiplier = 3_600_000
		case 'd':
			multiplier = 86_400_000
		}
	}

	return Interval{Ms: TimestampMs(value * multiplier)}
}

// Symbol is a short opaque exchange identifier, e.g. "BTCUSDT".
type Symbol string

// Key is the sharding unit: one independent candle series per (Symbol, Interval).
type Key struct {
	Symbol   Symbol
	Interval Interval
}

func (k Key) String() string {
	return string(k.Symbol) + "|" + k.Interval.Label()
}

// TimeRange is an inclusive [Start, End] millisecond window.
type TimeRange struct {
	Start TimestampMs
	End   TimestampMs
}

// Empty reports whether the range contains no instants.
func (r TimeRange) Empty() bool {
	return r.End < r.Start
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime    TimestampMs
	CloseTime   TimestampMs
	Open        float64
	High        float64
	Low         float64
	Close       float64
	BaseVolume  float64
	QuoteVolume float64
	Trades      int32
	IsClosed    bool
}

// CandleSeries is an ordered, strictly-increasing-openTime run of candles
// for one Interval.
type CandleSeries struct {
	Interval  Interval
	Data      []Candle
	FirstOpen TimestampMs
	LastOpen  TimestampMs
}

// Empty reports whether the series holds no candles.
func (s CandleSeries) Empty() bool {
	return len(s.Data) == 0
}

// Size returns the candle count.
func (s CandleSeries) Size() int {
	return len(s.Data)
}

// LiveCandle is a candle update as delivered by a MarketSource's live stream:
// isFinal is true when the exchange declared the interval closed.
type LiveCandle struct {
	Candle  Candle
	IsFinal bool
}

// StreamError is the payload delivered through a MarketSource's onError callback.
type StreamError struct {
	Code    int
	Message string
}

func (e StreamError) Error() string {
	return e.Message
}
