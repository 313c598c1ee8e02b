// Package prommetrics exports allocator metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	mc, err := prommetrics.NewCollector(reg)
//	a, err := pagealloc.Boot(kernelEnd, physTop, pagealloc.WithMetricsCollector(mc))
package prommetrics

import (
	"errors"
	"time"

	"github.com/hupe1980/pagealloc"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "pagealloc"

// Collector implements pagealloc.MetricsCollector on Prometheus collectors.
type Collector struct {
	opLatency *prometheus.HistogramVec
	ops       *prometheus.CounterVec
	releases  prometheus.Counter
	freePages prometheus.Gauge
	fatals    *prometheus.CounterVec
}

var _ pagealloc.MetricsCollector = (*Collector)(nil)

// Option configures a Collector.
type Option func(*config)

type config struct {
	namespace   string
	constLabels prometheus.Labels
	buckets     []float64
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(c *config) {
		c.namespace = ns
	}
}

// WithConstLabels attaches labels to every metric, e.g. the allocator name
// when one process runs several.
func WithConstLabels(l prometheus.Labels) Option {
	return func(c *config) {
		c.constLabels = l
	}
}

// WithBuckets overrides the latency histogram buckets (seconds).
func WithBuckets(b []float64) Option {
	return func(c *config) {
		c.buckets = b
	}
}

// NewCollector creates the allocator metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	cfg := config{
		namespace: DefaultNamespace,
		// 100ns up to ~26ms.
		buckets: prometheus.ExponentialBuckets(100e-9, 4, 10),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Collector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Name:        "operation_latency_seconds",
			Help:        "Latency of allocator operations",
			Buckets:     cfg.buckets,
			ConstLabels: cfg.constLabels,
		}, []string{"op", "status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "operations_total",
			Help:        "Allocator operations by outcome",
			ConstLabels: cfg.constLabels,
		}, []string{"op", "status"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "pages_released_total",
			Help:        "Pages returned to the free list by their last owner",
			ConstLabels: cfg.constLabels,
		}),
		freePages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.namespace,
			Name:        "free_pages",
			Help:        "Pages currently on the free list",
			ConstLabels: cfg.constLabels,
		}),
		fatals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "fatal_errors_total",
			Help:        "Consistency violations that halted the allocator",
			ConstLabels: cfg.constLabels,
		}, []string{"op"}),
	}

	for _, col := range []prometheus.Collector{c.opLatency, c.ops, c.releases, c.freePages, c.fatals} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, pagealloc.ErrExhausted):
		return "exhausted"
	case errors.Is(err, pagealloc.ErrDoubleFree):
		return "double_free"
	default:
		return "error"
	}
}

func (c *Collector) observe(op string, d time.Duration, err error) {
	s := status(err)
	c.opLatency.WithLabelValues(op, s).Observe(d.Seconds())
	c.ops.WithLabelValues(op, s).Inc()
}

// RecordAlloc implements pagealloc.MetricsCollector.
func (c *Collector) RecordAlloc(d time.Duration, err error) {
	c.observe("alloc", d, err)
}

// RecordFree implements pagealloc.MetricsCollector.
func (c *Collector) RecordFree(d time.Duration, released bool, err error) {
	c.observe("free", d, err)
	if released {
		c.releases.Inc()
	}
}

// RecordTouch implements pagealloc.MetricsCollector.
func (c *Collector) RecordTouch(d time.Duration) {
	c.observe("touch", d, nil)
}

// RecordFreePages implements pagealloc.MetricsCollector.
func (c *Collector) RecordFreePages(n int) {
	c.freePages.Set(float64(n))
}

// RecordFatal implements pagealloc.MetricsCollector.
func (c *Collector) RecordFatal(op string) {
	c.fatals.WithLabelValues(op).Inc()
}
