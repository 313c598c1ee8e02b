package pagealloc

import (
	"fmt"
	"log/slog"

	"github.com/hupe1980/pagealloc/resource"
	"golang.org/x/time/rate"
)

const (
	// DefaultAllocFill is written over every page handed out by Alloc.
	DefaultAllocFill = 0x05
	// DefaultFreeFill is written over every page returned to the free list.
	DefaultFreeFill = 0x01
)

// Halter receives fatal consistency violations. It typically records the
// error (or writes a crash dump) and terminates the process. If it returns,
// the allocator panics with the same *FatalError.
//
// The allocator lock is not held when the halter runs.
type Halter func(err *FatalError)

type options struct {
	name      string
	logger    *Logger
	metrics   MetricsCollector
	halter    Halter
	quota     *resource.Controller
	poison    bool
	allocFill byte
	freeFill  byte
	diagLimit rate.Limit
	diagBurst int
}

func defaultOptions() options {
	return options{
		logger:    NewLogger(nil),
		metrics:   NoopMetricsCollector{},
		poison:    true,
		allocFill: DefaultAllocFill,
		freeFill:  DefaultFreeFill,
		diagLimit: rate.Inf,
	}
}

func (o *options) validate() error {
	if o.poison {
		if o.allocFill == 0 {
			return fmt.Errorf("%w: alloc fill must be non-zero", ErrInvalidOption)
		}
		if o.allocFill == o.freeFill {
			return fmt.Errorf("%w: alloc fill and free fill must differ (both %#02x)", ErrInvalidOption, o.allocFill)
		}
	}
	if o.diagLimit != rate.Inf && o.diagBurst <= 0 {
		return fmt.Errorf("%w: diagnostic burst must be positive", ErrInvalidOption)
	}
	return nil
}

// Option configures an Allocator.
type Option func(*options)

// WithName labels the allocator in log output.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := pagealloc.NewJSONLogger(slog.LevelInfo)
//	a, _ := pagealloc.Boot(kernelEnd, physTop, pagealloc.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithHalter installs the fatal-abort primitive. The default panics.
func WithHalter(h Halter) Option {
	return func(o *options) {
		o.halter = h
	}
}

// WithQuota makes every allocation reserve PageSize bytes from rc first.
// The reservation is returned when the page's last reference is freed.
func WithQuota(rc *resource.Controller) Option {
	return func(o *options) {
		o.quota = rc
	}
}

// WithPoison overrides the bytes written over allocated and freed pages.
// They must differ, and allocFill must be non-zero, so a stale read can be
// attributed to the right side of the page's lifetime.
func WithPoison(allocFill, freeFill byte) Option {
	return func(o *options) {
		o.poison = true
		o.allocFill = allocFill
		o.freeFill = freeFill
	}
}

// WithoutPoison disables page filling on Alloc and Free.
func WithoutPoison() Option {
	return func(o *options) {
		o.poison = false
	}
}

// WithDiagnosticRate limits how often double-free notices are logged.
// Notices over the limit are counted and reported with the next one logged.
// By default every notice is logged.
func WithDiagnosticRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.diagLimit = limit
		o.diagBurst = burst
	}
}
