// Package cache implements the Series Cache: a lock-free atomic
// publication slot holding the latest immutable CandleSeries snapshot.
package cache

import (
	"sync/atomic"

	"chartsync/internal/domain"
)

// Cache publishes immutable CandleSeries snapshots to many concurrent
// readers without blocking writers. A single atomic pointer swap; no lock
// is held across a read.
type Cache struct {
	ptr     atomic.Pointer[domain.CandleSeries]
	version atomic.Uint64
}

// New returns a Cache cold-started with an empty series.
func New() *Cache {
	c := &Cache{}
	c.ptr.Store(&domain.CandleSeries{})
	return c
}

// Update atomically replaces the slot with series and bumps the version.
func (c *Cache) Update(series domain.CandleSeries) {
	c.ptr.Store(&series)
	c.version.Add(1)
}

// Snapshot returns the current slot. Always non-nil (an empty series on
// cold start).
func (c *Cache) Snapshot() *domain.CandleSeries {
	return c.ptr.Load()
}

// Version returns the monotonically increasing publication counter.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}
