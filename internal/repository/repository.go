// Package repository implements the Time-Series Repository: a
// per-(symbol,interval) ordered, gap-aware in-memory candle vector backed
// by an append-only file of fixed-size records.
package repository

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chartsync/internal/domain"
)

// Paths names the directory a repository's file lives under.
type Paths struct {
	CacheDir string
}

// Repository is a bound Time-Series Repository for exactly one Key at a
// time. All mutating operations hold a single internal lock for their
// duration, per the Concurrency & Resource Model.
type Repository struct {
	mu sync.Mutex

	logger *zap.Logger

	symbol   domain.Symbol
	interval domain.Interval
	filePath string
	bound    bool

	candles []domain.Candle // closed candles, ascending openTime, plus an optional open tail
	meta    domain.RepoMetadata

	dirty      bool
	dirtySince time.Time

	flushInterval time.Duration
	flushSize     int
}

// New constructs an unbound repository. Call Bind before use.
func New(logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		logger:        logger.Named("repository"),
		flushInterval: 2 * time.Second,
		flushSize:     64,
	}
}

func makeFilePath(cacheDir string, symbol domain.Symbol, interval domain.Interval) string {
	name := fmt.Sprintf("%s_%s.bin", symbol, interval.Label())
	return filepath.Join(cacheDir, name)
}

// Bind associates the repository with a storage file for (symbol, interval).
// The file is created empty, or its records are read, normalized, sorted,
// validated and loaded into memory.
func (r *Repository) Bind(symbol domain.Symbol, interval domain.Interval, paths Paths) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(paths.CacheDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating cache dir %s: %v", domain.ErrBindFailed, paths.CacheDir, err)
	}

	r.symbol = symbol
	r.interval = interval
	r.filePath = makeFilePath(paths.CacheDir, symbol, interval)
	r.candles = nil
	r.meta = domain.RepoMetadata{}
	r.dirty = false
	r.bound = true

	if err := r.loadOrInitUnsafe(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBindFailed, err)
	}

	r.logger.Info("bound",
		zap.String("symbol", string(symbol)),
		zap.String("interval", interval.Label()),
		zap.String("path", r.filePath),
		zap.Int("count", r.meta.Count))
	return nil
}

func (r *Repository) loadOrInitUnsafe() error {
	f, err := os.OpenFile(r.filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	records := readAllRecords(br)

	candles := make([]domain.Candle, 0, len(records))
	for _, rec := range records {
		candles = append(candles, r.normalize(rec.toCandle()))
	}

	// Stable sort keeps file order among equal openTimes for the dedup below.
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].OpenTime < candles[j].OpenTime })

	// De-duplicate: last wins at equal openTime.
	deduped := candles[:0]
	for i, c := range candles {
		if i > 0 && c.OpenTime == candles[i-1].OpenTime {
			deduped[len(deduped)-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	r.candles = deduped
	r.recomputeMetaUnsafe()
	return nil
}

func (r *Repository) recomputeMetaUnsafe() {
	closed := r.closedCountUnsafe()
	meta := domain.RepoMetadata{Count: closed}
	if closed > 0 {
		meta.MinOpen = r.candles[0].OpenTime
		meta.MaxOpen = r.candles[closed-1].OpenTime
	}
	meta.HasGap = r.detectGapUnsafe()
	r.meta = meta
}

func (r *Repository) closedCountUnsafe() int {
	n := len(r.candles)
	if n == 0 {
		return 0
	}
	if !r.candles[n-1].IsClosed {
		return n - 1
	}
	return n
}

func (r *Repository) detectGapUnsafe() bool {
	closed := r.closedCountUnsafe()
	if closed < 2 {
		return false
	}
	step := r.interval.Ms
	for i := 1; i < closed; i++ {
		if r.candles[i].OpenTime != r.candles[i-1].OpenTime+step {
			return true
		}
	}
	return false
}

// GetLatest returns the most recent up-to-count candles (closed plus the
// open tail if present).
func (r *Repository) GetLatest(count int) (domain.CandleSeries, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if count <= 0 || len(r.candles) == 0 {
		return domain.CandleSeries{Interval: r.interval}, nil
	}
	start := len(r.candles) - count
	if start < 0 {
		start = 0
	}
	return r.sliceUnsafe(start, len(r.candles)), nil
}

// GetRange returns candles with openTime in [range.Start, range.End].
func (r *Repository) GetRange(rng domain.TimeRange) (domain.CandleSeries, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rng.Empty() || len(r.candles) == 0 {
		return domain.CandleSeries{Interval: r.interval}, nil
	}

	lo := sort.Search(len(r.candles), func(i int) bool { return r.candles[i].OpenTime >= rng.Start })
	hi := sort.Search(len(r.candles), func(i int) bool { return r.candles[i].OpenTime > rng.End })
	if lo >= hi {
		return domain.CandleSeries{Interval: r.interval}, nil
	}
	return r.sliceUnsafe(lo, hi), nil
}

func (r *Repository) sliceUnsafe(lo, hi int) domain.CandleSeries {
	data := make([]domain.Candle, hi-lo)
	copy(data, r.candles[lo:hi])
	return domain.CandleSeries{
		Interval:  r.interval,
		Data:      data,
		FirstOpen: data[0].OpenTime,
		LastOpen:  data[len(data)-1].OpenTime,
	}
}

// normalize floor-aligns openTime to the interval and derives closeTime,
// mirroring the orchestrator handing the repository an already-normalized
// candle in the original design; the repository re-normalizes defensively.
func (r *Repository) normalize(c domain.Candle) domain.Candle {
	step := r.interval.Ms
	c.OpenTime = domain.AlignDownMs(c.OpenTime, step)
	c.CloseTime = c.OpenTime + step - 1
	return c
}

// AppendOrReplace applies the append/replace algorithm to a single candle,
// atomically under the repository lock.
func (r *Repository) AppendOrReplace(c domain.Candle) (domain.AppendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendOrReplaceUnsafe(r.normalize(c))
}

func (r *Repository) appendOrReplaceUnsafe(c domain.Candle) (domain.AppendResult, error) {
	step := r.interval.Ms

	if len(r.candles) == 0 {
		r.candles = append(r.candles, c)
		if c.IsClosed {
			if err := r.appendRecordUnsafe(c); err != nil {
				return domain.AppendResult{}, err
			}
		}
		r.markDirtyUnsafe()
		r.recomputeMetaUnsafe()
		return domain.AppendResult{State: domain.RangeOk, Appended: 1}, nil
	}

	last := r.candles[len(r.candles)-1]
	expectedNext := last.OpenTime + step

	switch {
	case c.OpenTime == last.OpenTime:
		if last.IsClosed && !c.IsClosed {
			return domain.AppendResult{State: domain.RangeOverlap}, nil
		}
		r.candles[len(r.candles)-1] = c
		if c.IsClosed {
			persist := r.rewriteTailUnsafe
			if !last.IsClosed {
				// The open tail was memory-only: closing it adds its record.
				persist = r.appendRecordUnsafe
			}
			if err := persist(c); err != nil {
				return domain.AppendResult{}, err
			}
		}
		r.markDirtyUnsafe()
		r.recomputeMetaUnsafe()
		return domain.AppendResult{State: domain.RangeReplaced, Appended: 1}, nil

	case c.OpenTime < expectedNext:
		return domain.AppendResult{State: domain.RangeOverlap}, nil

	case c.OpenTime > expectedNext:
		r.meta.HasGap = true
		return domain.AppendResult{
			State:        domain.RangeGap,
			ExpectedFrom: expectedNext,
			ExpectedTo:   c.OpenTime - step,
		}, nil

	default: // c.OpenTime == expectedNext
		if !last.IsClosed {
			last.IsClosed = true
			r.candles[len(r.candles)-1] = last
			if err := r.appendRecordUnsafe(last); err != nil {
				return domain.AppendResult{}, err
			}
		}
		r.candles = append(r.candles, c)
		if c.IsClosed {
			if err := r.appendRecordUnsafe(c); err != nil {
				return domain.AppendResult{}, err
			}
		}
		r.markDirtyUnsafe()
		r.recomputeMetaUnsafe()
		return domain.AppendResult{State: domain.RangeOk, Appended: 1}, nil
	}
}

// AppendBatch pre-sorts by openTime and applies AppendOrReplace to each,
// short-circuiting on the first Gap.
func (r *Repository) AppendBatch(batch []domain.Candle) (domain.AppendResult, error) {
	if len(batch) == 0 {
		return domain.AppendResult{State: domain.RangeOk}, nil
	}

	sorted := make([]domain.Candle, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })

	r.mu.Lock()
	defer r.mu.Unlock()

	summary := domain.AppendResult{State: domain.RangeOk}
	for _, c := range sorted {
		res, err := r.appendOrReplaceUnsafe(r.normalize(c))
		if err != nil {
			return summary, err
		}
		switch res.State {
		case domain.RangeGap:
			summary.State = domain.RangeGap
			summary.ExpectedFrom = res.ExpectedFrom
			summary.ExpectedTo = res.ExpectedTo
			return summary, nil
		case domain.RangeReplaced:
			if summary.State == domain.RangeOk {
				summary.State = domain.RangeReplaced
			}
			summary.Appended += res.Appended
		case domain.RangeOk:
			summary.Appended += res.Appended
		case domain.RangeOverlap:
			// absorbed into the summary; no state change
		}
	}
	return summary, nil
}

func (r *Repository) appendRecordUnsafe(c domain.Candle) error {
	f, err := os.OpenFile(r.filePath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		r.logger.Warn("append record open failed", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrStorageIO, err)
	}
	defer f.Close()

	rec := newRecord(r.symbol, r.interval, c)
	if err := encodeRecord(f, rec); err != nil {
		r.logger.Warn("append record write failed", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrStorageIO, err)
	}
	return nil
}

// rewriteTailUnsafe overwrites the last record in place: the only allowed
// in-place write, used when a closed tail is replaced by a closed candle
// with the same openTime. An open tail has no record, so closing it appends.
func (r *Repository) rewriteTailUnsafe(c domain.Candle) error {
	f, err := os.OpenFile(r.filePath, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return r.appendRecordUnsafe(c)
		}
		r.logger.Warn("rewrite tail open failed", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrStorageIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageIO, err)
	}
	if info.Size() < recordSize {
		return r.appendRecordUnsafe(c)
	}

	offset := info.Size() - recordSize
	rec := newRecord(r.symbol, r.interval, c)
	buf := make([]byte, 0, recordSize)
	bw := newByteWriter(&buf)
	if err := encodeRecord(bw, rec); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		r.logger.Warn("rewrite tail write failed", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrStorageIO, err)
	}
	return nil
}

func (r *Repository) markDirtyUnsafe() {
	if !r.dirty {
		r.dirty = true
		r.dirtySince = time.Now()
	}
}

// FlushIfNeeded flushes pending durable writes when force is set or when the
// dirty window exceeds the flush interval. Records are written synchronously
// as they're appended, so this only clears the dirty flag/timestamp; it
// exists as the contractual hook for a future batched-write policy.
func (r *Repository) FlushIfNeeded(force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirty {
		return nil
	}
	if !force && time.Since(r.dirtySince) < r.flushInterval {
		return nil
	}
	r.dirty = false
	return nil
}

// Metadata returns the current repository summary.
func (r *Repository) Metadata() domain.RepoMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// HasGap reports whether a gap is flagged: a non-Δ step among stored closed
// candles, or a Gap result from an append since the last successful one.
func (r *Repository) HasGap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta.HasGap
}

// IntervalMs returns the bound interval in milliseconds.
func (r *Repository) IntervalMs() domain.TimestampMs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval.Ms
}

// LastClosedOpenTime returns the openTime of the most recent closed candle.
func (r *Repository) LastClosedOpenTime() domain.TimestampMs {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := r.closedCountUnsafe()
	if closed == 0 {
		return 0
	}
	return r.candles[closed-1].OpenTime
}

type byteWriter struct {
	buf *[]byte
}

func newByteWriter(buf *[]byte) *byteWriter {
	return &byteWriter{buf: buf}
}

func (w *byteWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
