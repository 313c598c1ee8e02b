package pagealloc

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting allocator metrics.
// Implement this interface to integrate with monitoring systems; the
// prommetrics package provides a Prometheus implementation.
//
// Methods are called from whichever goroutine performed the operation, so
// implementations must be safe for concurrent use. RecordFreePages runs with
// the allocator lock held so successive lengths arrive in order; it must not
// call back into the allocator.
type MetricsCollector interface {
	// RecordAlloc is called after each Alloc. err is nil on success.
	RecordAlloc(duration time.Duration, err error)

	// RecordFree is called after each Free. released reports whether the
	// page went back to the free list (its last reference was dropped).
	RecordFree(duration time.Duration, released bool, err error)

	// RecordTouch is called after each successful Touch.
	RecordTouch(duration time.Duration)

	// RecordFreePages reports the free list length after a change.
	// Called with the allocator lock held.
	RecordFreePages(n int)

	// RecordFatal is called once before the allocator halts.
	RecordFatal(op string)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAlloc(time.Duration, error)      {}
func (NoopMetricsCollector) RecordFree(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordTouch(time.Duration)             {}
func (NoopMetricsCollector) RecordFreePages(int)                   {}
func (NoopMetricsCollector) RecordFatal(string)                    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	AllocCount      atomic.Int64
	AllocErrors     atomic.Int64
	AllocTotalNanos atomic.Int64
	FreeCount       atomic.Int64
	FreeReleased    atomic.Int64
	FreeErrors      atomic.Int64
	TouchCount      atomic.Int64
	FreePages       atomic.Int64
	FatalCount      atomic.Int64
}

// RecordAlloc implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAlloc(duration time.Duration, err error) {
	b.AllocCount.Add(1)
	b.AllocTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AllocErrors.Add(1)
	}
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(_ time.Duration, released bool, err error) {
	b.FreeCount.Add(1)
	if released {
		b.FreeReleased.Add(1)
	}
	if err != nil {
		b.FreeErrors.Add(1)
	}
}

// RecordTouch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTouch(time.Duration) {
	b.TouchCount.Add(1)
}

// RecordFreePages implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFreePages(n int) {
	b.FreePages.Store(int64(n))
}

// RecordFatal implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFatal(string) {
	b.FatalCount.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AllocCount:    b.AllocCount.Load(),
		AllocErrors:   b.AllocErrors.Load(),
		AllocAvgNanos: b.getAvgAllocNanos(),
		FreeCount:     b.FreeCount.Load(),
		FreeReleased:  b.FreeReleased.Load(),
		FreeErrors:    b.FreeErrors.Load(),
		TouchCount:    b.TouchCount.Load(),
		FreePages:     b.FreePages.Load(),
		FatalCount:    b.FatalCount.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgAllocNanos() int64 {
	count := b.AllocCount.Load()
	if count == 0 {
		return 0
	}
	return b.AllocTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AllocCount    int64
	AllocErrors   int64
	AllocAvgNanos int64
	FreeCount     int64
	FreeReleased  int64
	FreeErrors    int64
	TouchCount    int64
	FreePages     int64
	FatalCount    int64
}
