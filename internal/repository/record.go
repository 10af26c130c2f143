package repository

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"chartsync/internal/domain"
)

// recordSize is the fixed-size on-disk layout: two int64 timestamps, six
// float64 fields, one int32 trade count, a 16-byte symbol field and an
// 8-byte interval label, NUL-padded. No header, no checksum.
const (
	symbolFieldLen   = 16
	intervalFieldLen = 8
	recordSize       = 8 + 8 + 8*6 + 4 + symbolFieldLen + intervalFieldLen
)

// record is the raw on-disk representation of one closed candle.
type record struct {
	openTime    int64
	closeTime   int64
	open        float64
	high        float64
	low         float64
	close       float64
	baseVolume  float64
	quoteVolume float64
	trades      int32
	symbol      [symbolFieldLen]byte
	interval    [intervalFieldLen]byte
}

// valid reports whether a record is safe to load: both timestamps positive
// and both text fields non-empty.
func (r record) valid() bool {
	if r.openTime <= 0 || r.closeTime <= 0 {
		return false
	}
	return r.symbol[0] != 0 && r.interval[0] != 0
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func fixedStringValue(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func newRecord(symbol domain.Symbol, interval domain.Interval, c domain.Candle) record {
	r := record{
		openTime:    int64(c.OpenTime),
		closeTime:   int64(c.CloseTime),
		open:        c.Open,
		high:        c.High,
		low:         c.Low,
		close:       c.Close,
		baseVolume:  c.BaseVolume,
		quoteVolume: c.QuoteVolume,
		trades:      c.Trades,
	}
	putFixedString(r.symbol[:], string(symbol))
	putFixedString(r.interval[:], interval.Label())
	return r
}

func (r record) toCandle() domain.Candle {
	return domain.Candle{
		OpenTime:    domain.TimestampMs(r.openTime),
		CloseTime:   domain.TimestampMs(r.closeTime),
		Open:        r.open,
		High:        r.high,
		Low:         r.low,
		Close:       r.close,
		BaseVolume:  r.baseVolume,
		QuoteVolume: r.quoteVolume,
		Trades:      r.trades,
		IsClosed:    true,
	}
}

func encodeRecord(w io.Writer, r record) error {
	buf := make([]byte, recordSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.openTime))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.closeTime))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(r.open))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(r.high))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(r.low))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(r.close))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(r.baseVolume))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(r.quoteVolume))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.trades))
	off += 4
	copy(buf[off:off+symbolFieldLen], r.symbol[:])
	off += symbolFieldLen
	copy(buf[off:off+intervalFieldLen], r.interval[:])

	_, err := w.Write(buf)
	return err
}

func decodeRecord(r io.Reader) (record, error) {
	buf := make([]byte, recordSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return record{}, err
	}

	var rec record
	off := 0
	rec.openTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.closeTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.open = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.high = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.low = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.close = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.baseVolume = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.quoteVolume = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.trades = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	copy(rec.symbol[:], buf[off:off+symbolFieldLen])
	off += symbolFieldLen
	copy(rec.interval[:], buf[off:off+intervalFieldLen])

	return rec, nil
}

// readAllRecords reads every well-formed record from the start of r,
// truncating at the first invalid or short record.
func readAllRecords(r *bufio.Reader) []record {
	var out []record
	for {
		rec, err := decodeRecord(r)
		if err != nil {
			break
		}
		if !rec.valid() {
			break
		}
		out = append(out, rec)
	}
	return out
}
