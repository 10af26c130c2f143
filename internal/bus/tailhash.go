package bus

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"chartsync/internal/domain"
)

// tailWindow is the number of trailing candles mixed into the tail hash,
// matching the original's kept-constant N=8.
const tailWindow = 8

// tailHash is a fast non-cryptographic hash of the last N candles'
// (openTime, closeTime, open, high, low, close, isClosed), letting
// consumers cheaply detect a changed trailing window when count and range
// are otherwise identical.
func tailHash(data []domain.Candle) uint64 {
	h := fnv.New64a()

	start := len(data) - tailWindow
	if start < 0 {
		start = 0
	}

	var buf [8]byte
	mix := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	mixFloat := func(f float64) {
		mix(math.Float64bits(f))
	}

	for _, c := range data[start:] {
		mix(uint64(c.OpenTime))
		mix(uint64(c.CloseTime))
		mixFloat(c.Open)
		mixFloat(c.High)
		mixFloat(c.Low)
		mixFloat(c.Close)
		if c.IsClosed {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	return h.Sum64()
}
