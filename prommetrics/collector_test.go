package prommetrics

import (
	"strings"
	"testing"

	"github.com/hupe1980/pagealloc"
	"github.com/hupe1980/pagealloc/internal/physmem"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAllocator(t *testing.T, pages int, mc pagealloc.MetricsCollector) *pagealloc.Allocator {
	t.Helper()

	const base = pagealloc.PhysAddr(0x80000000)
	size := (pages + 1) * pagealloc.PageSize
	m, err := physmem.NewHeap(base, size)
	require.NoError(t, err)

	a, err := pagealloc.New(m, base, base+pagealloc.PhysAddr(size),
		pagealloc.WithLogger(nil),
		pagealloc.WithMetricsCollector(mc),
	)
	require.NoError(t, err)
	return a
}

func TestCollector_RecordsAllocatorActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	a := newAllocator(t, 2, c)
	assert.Equal(t, 2.0, promtest.ToFloat64(c.freePages))

	p1, err := a.Alloc()
	require.NoError(t, err)
	p2, err := a.Alloc()
	require.NoError(t, err)
	_, err = a.Alloc()
	require.ErrorIs(t, err, pagealloc.ErrExhausted)

	a.Touch(p1)
	require.NoError(t, a.Free(p1))
	require.NoError(t, a.Free(p1))
	require.NoError(t, a.Free(p2))
	require.ErrorIs(t, a.Free(p2), pagealloc.ErrDoubleFree)

	assert.Equal(t, 2.0, promtest.ToFloat64(c.ops.WithLabelValues("alloc", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.ops.WithLabelValues("alloc", "exhausted")))
	assert.Equal(t, 3.0, promtest.ToFloat64(c.ops.WithLabelValues("free", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.ops.WithLabelValues("free", "double_free")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.ops.WithLabelValues("touch", "success")))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.releases))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.freePages))

	// One histogram series per op/status pair seen.
	assert.Equal(t, 5, promtest.CollectAndCount(c.opLatency))
}

func TestCollector_Fatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	a := newAllocator(t, 1, c)
	assert.Panics(t, func() { a.Touch(a.Layout().Start) })

	expected := `
# HELP pagealloc_fatal_errors_total Consistency violations that halted the allocator
# TYPE pagealloc_fatal_errors_total counter
pagealloc_fatal_errors_total{op="touch"} 1
`
	require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "pagealloc_fatal_errors_total"))
}

func TestNewCollector_Options(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg,
		WithNamespace("kmem"),
		WithConstLabels(prometheus.Labels{"node": "0"}),
		WithBuckets([]float64{1e-6, 1e-3}),
	)
	require.NoError(t, err)

	c.RecordFreePages(7)

	expected := `
# HELP kmem_free_pages Pages currently on the free list
# TYPE kmem_free_pages gauge
kmem_free_pages{node="0"} 7
`
	require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "kmem_free_pages"))
}

func TestNewCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)

	_, err = NewCollector(reg)
	var are prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &are)
}
