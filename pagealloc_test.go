package pagealloc

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/pagealloc/internal/physmem"
	"github.com/hupe1980/pagealloc/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNew_Layout(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	l := a.Layout()
	assert.Equal(t, testKernelEnd, l.TableBase)
	assert.Equal(t, 9, l.TableBytes)
	assert.Equal(t, 1, l.TablePages)
	assert.Equal(t, testKernelEnd+PageSize, l.Start)
	assert.Equal(t, testKernelEnd+9*PageSize, l.End)
	assert.Equal(t, 8, l.Pages)

	s := a.Stats()
	assert.Equal(t, 8, s.ManagedPages)
	assert.Equal(t, 1, s.TablePages)
	assert.Equal(t, 8, s.FreePages)
	assert.Zero(t, s.Allocs)
	assert.Zero(t, s.Frees, "pages seeded at boot are not counted as frees")

	r, err := a.Verify()
	require.NoError(t, err)
	assert.Equal(t, Report{Listed: 8}, r)
}

func TestNew_UnalignedBounds(t *testing.T) {
	m, err := physmem.NewHeap(testKernelEnd, 8*PageSize)
	require.NoError(t, err)

	// Kernel ends mid-page; physical top is not page aligned either.
	a, err := New(m, testKernelEnd-0x123, testKernelEnd+6*PageSize+77, WithLogger(nil))
	require.NoError(t, err)

	l := a.Layout()
	assert.Equal(t, testKernelEnd, l.TableBase)
	assert.Equal(t, testKernelEnd+PageSize, l.Start)
	assert.Equal(t, testKernelEnd+6*PageSize, l.End)
	assert.Equal(t, 5, l.Pages)
}

func TestNew_LargeTableSpansPages(t *testing.T) {
	// 10000 slots need three table pages.
	const slots = 10000
	m, err := physmem.NewHeap(testKernelEnd, slots*PageSize)
	require.NoError(t, err)

	a, err := New(m, testKernelEnd, testKernelEnd+slots*PageSize, WithLogger(nil), WithoutPoison())
	require.NoError(t, err)

	l := a.Layout()
	assert.Equal(t, slots, l.TableBytes)
	assert.Equal(t, 3, l.TablePages)
	assert.Equal(t, slots-3, l.Pages)

	_, err = a.Verify()
	require.NoError(t, err)

	// The table's own pages are owned and never handed out.
	for i := 0; i < l.TablePages; i++ {
		assert.Equal(t, uint8(1), a.table.Get(i))
	}
}

func TestNew_InvalidLayout(t *testing.T) {
	m, err := physmem.NewHeap(testKernelEnd, 4*PageSize)
	require.NoError(t, err)

	tests := []struct {
		name      string
		kernelEnd PhysAddr
		physTop   PhysAddr
	}{
		{"top below kernel", testKernelEnd + PageSize, testKernelEnd},
		{"top equals kernel", testKernelEnd, testKernelEnd},
		{"only room for table", testKernelEnd, testKernelEnd + PageSize},
		{"memory too small", testKernelEnd, testKernelEnd + 8*PageSize},
		{"memory starts later", testKernelEnd - 4*PageSize, testKernelEnd + 4*PageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(m, tt.kernelEnd, tt.physTop, WithLogger(nil))
			assert.ErrorIs(t, err, ErrInvalidLayout)
		})
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	m, err := physmem.NewHeap(testKernelEnd, 4*PageSize)
	require.NoError(t, err)

	for name, opt := range map[string]Option{
		"zero alloc fill": WithPoison(0, 1),
		"equal fills":     WithPoison(7, 7),
		"zero burst":      WithDiagnosticRate(rate.Every(time.Second), 0),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(m, testKernelEnd, testKernelEnd+4*PageSize, opt)
			assert.ErrorIs(t, err, ErrInvalidOption)
		})
	}
}

func TestAlloc_KPagesThenExhausted(t *testing.T) {
	const k = 16
	a, _ := newTestAllocator(t, k)
	l := a.Layout()

	seen := make(map[PhysAddr]bool)
	for i := 0; i < k; i++ {
		pa, err := a.Alloc()
		require.NoError(t, err, "allocation %d", i)

		assert.True(t, pa.Aligned())
		assert.GreaterOrEqual(t, pa, l.Start)
		assert.Less(t, pa, l.End)
		assert.Equal(t, 1, a.RefCount(pa))
		assert.False(t, seen[pa], "page %s handed out twice", pa)
		seen[pa] = true
	}

	_, err := a.Alloc()
	assert.ErrorIs(t, err, ErrExhausted)
	_, err = a.Alloc()
	assert.ErrorIs(t, err, ErrExhausted)

	s := a.Stats()
	assert.Equal(t, uint64(k), s.Allocs)
	assert.Equal(t, uint64(2), s.Exhaustions)
	assert.Zero(t, s.FreePages)
	assert.InDelta(t, 100.0, a.Usage(), 0.001)

	r, err := a.Verify()
	require.NoError(t, err)
	assert.Equal(t, Report{Allocated: k}, r)
}

func TestAlloc_FreeRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t, 4)

	pa, err := a.Alloc()
	require.NoError(t, err)
	require.NoError(t, a.Free(pa))

	again, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, pa, again, "freed page is the next one handed out")
	assert.Equal(t, 1, a.RefCount(again))

	// No leak: every page is still reachable.
	require.NoError(t, a.Free(again))
	assert.Len(t, allocAll(t, a), 4)
}

func TestAlloc_PoisonPatterns(t *testing.T) {
	a, m := newTestAllocator(t, 4)

	pa, err := a.Alloc()
	require.NoError(t, err)

	page := m.Slice(pa, PageSize)
	assert.Equal(t, bytes.Repeat([]byte{DefaultAllocFill}, PageSize), page)

	require.NoError(t, a.Free(pa))
	// The first word holds the free list link.
	assert.Equal(t, bytes.Repeat([]byte{DefaultFreeFill}, PageSize-8), page[8:])
}

func TestAlloc_CustomAndDisabledPoison(t *testing.T) {
	a, m := newTestAllocator(t, 2, WithPoison(0xaa, 0xdd))
	pa, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), m.Slice(pa, PageSize)[PageSize-1])
	require.NoError(t, a.Free(pa))
	assert.Equal(t, byte(0xdd), m.Slice(pa, PageSize)[PageSize-1])

	b, m2 := newTestAllocator(t, 2, WithoutPoison())
	pb, err := b.Alloc()
	require.NoError(t, err)
	assert.Equal(t, byte(0), m2.Slice(pb, PageSize)[PageSize-1])
}

func TestFree_DoubleFreeIsLoggedNoOp(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewTextHandler(&buf, nil))
	a, _ := newTestAllocator(t, 4, WithLogger(logger))

	pa, err := a.Alloc()
	require.NoError(t, err)

	require.NoError(t, a.Free(pa))
	before := a.Stats()

	err = a.Free(pa)
	require.ErrorIs(t, err, ErrDoubleFree)
	assert.Contains(t, err.Error(), pa.String())
	assert.Contains(t, buf.String(), "page freed twice")
	assert.Contains(t, buf.String(), pa.String())

	after := a.Stats()
	assert.Equal(t, before.FreePages, after.FreePages)
	assert.Equal(t, before.Frees, after.Frees)
	assert.Equal(t, uint64(1), after.DoubleFrees)

	r, err := a.Verify()
	require.NoError(t, err)
	assert.Equal(t, 4, r.Listed)

	// The pool is still consistent: four distinct pages, then exhaustion.
	pages := allocAll(t, a)
	require.Len(t, pages, 4)
	distinct := make(map[PhysAddr]struct{})
	for _, p := range pages {
		distinct[p] = struct{}{}
	}
	assert.Len(t, distinct, 4)
}

func TestFree_NeverAllocatedPageIsDoubleFree(t *testing.T) {
	a, _ := newTestAllocator(t, 2)

	err := a.Free(a.Layout().Start)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestRefCounting(t *testing.T) {
	a, _ := newTestAllocator(t, 4)

	pa, err := a.Alloc()
	require.NoError(t, err)

	a.Touch(pa)
	assert.Equal(t, 2, a.RefCount(pa))

	require.NoError(t, a.Free(pa))
	assert.Equal(t, 1, a.RefCount(pa), "page stays allocated while an owner remains")
	assert.Equal(t, 3, a.Stats().FreePages)

	require.NoError(t, a.Free(pa))
	assert.Equal(t, 4, a.Stats().FreePages)
	requireFatal(t, ErrPageFree, func() { a.RefCount(pa) })

	s := a.Stats()
	assert.Equal(t, uint64(1), s.Touches)
	assert.Equal(t, uint64(2), s.Frees)
}

func TestTouch_Overflow(t *testing.T) {
	a, _ := newTestAllocator(t, 1)

	pa, err := a.Alloc()
	require.NoError(t, err)

	for i := 1; i < 255; i++ {
		a.Touch(pa)
	}
	assert.Equal(t, 255, a.RefCount(pa))

	requireFatal(t, ErrRefOverflow, func() { a.Touch(pa) })
	assert.Equal(t, 255, a.RefCount(pa))
}

func TestFatal_FreePageAccess(t *testing.T) {
	a, _ := newTestAllocator(t, 2)
	free := a.Layout().Start

	fe := requireFatal(t, ErrPageFree, func() { a.Touch(free) })
	assert.Equal(t, "touch", fe.Op)
	assert.Equal(t, free, fe.Addr)

	fe = requireFatal(t, ErrPageFree, func() { a.RefCount(free) })
	assert.Equal(t, "refcount", fe.Op)

	assert.Equal(t, uint64(2), a.Stats().Fatals)

	// The lock was released; the allocator still answers.
	_, err := a.Alloc()
	require.NoError(t, err)
}

func TestFatal_BadAddresses(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	l := a.Layout()

	pa, err := a.Alloc()
	require.NoError(t, err)

	tests := []struct {
		name   string
		addr   PhysAddr
		reason error
	}{
		{"misaligned", pa + 8, ErrMisaligned},
		{"inside kernel image", testKernelEnd - PageSize, ErrOutOfRange},
		{"reference table", l.TableBase, ErrOutOfRange},
		{"physical top", l.End, ErrOutOfRange},
		{"beyond top", l.End + 16*PageSize, ErrOutOfRange},
		{"zero", 0, ErrOutOfRange},
	}

	ops := map[string]func(PhysAddr){
		"free":     func(p PhysAddr) { _ = a.Free(p) },
		"touch":    func(p PhysAddr) { a.Touch(p) },
		"refcount": func(p PhysAddr) { a.RefCount(p) },
	}

	for _, tt := range tests {
		for op, fn := range ops {
			t.Run(tt.name+"/"+op, func(t *testing.T) {
				fe := requireFatal(t, tt.reason, func() { fn(tt.addr) })
				assert.Equal(t, op, fe.Op)
				assert.Equal(t, tt.addr, fe.Addr)
				assert.True(t, strings.HasPrefix(fe.Error(), "pagealloc: "+op))
			})
		}
	}

	assert.Equal(t, 1, a.RefCount(pa))
}

func TestFatal_HalterRunsFirst(t *testing.T) {
	var halted *FatalError
	a, _ := newTestAllocator(t, 2, WithHalter(func(err *FatalError) {
		halted = err
	}))

	fe := requireFatal(t, ErrPageFree, func() { a.Touch(a.Layout().Start) })
	require.NotNil(t, halted)
	assert.Same(t, fe, halted)
}

func TestFatal_CorruptFreeList(t *testing.T) {
	a, _ := newTestAllocator(t, 2)

	// Simulate a stray write marking the head of the free list as owned.
	idx, ok := a.table.Index(a.free.Head())
	require.True(t, ok)
	a.table.Set(idx, 1)

	requireFatal(t, ErrCorruptFreeList, func() { _, _ = a.Alloc() })
}

func TestQuota(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 2 * PageSize})
	a, _ := newTestAllocator(t, 8, WithQuota(rc))

	p1, err := a.Alloc()
	require.NoError(t, err)
	p2, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, int64(2*PageSize), rc.MemoryUsage())

	_, err = a.Alloc()
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	assert.Equal(t, 6, a.Stats().FreePages, "refused allocation leaves the free list alone")

	// A shared page keeps its reservation until the last owner frees it.
	a.Touch(p1)
	require.NoError(t, a.Free(p1))
	assert.Equal(t, int64(2*PageSize), rc.MemoryUsage())
	require.NoError(t, a.Free(p1))
	assert.Equal(t, int64(PageSize), rc.MemoryUsage())

	// Double frees do not release anything.
	require.ErrorIs(t, a.Free(p1), ErrDoubleFree)
	assert.Equal(t, int64(PageSize), rc.MemoryUsage())

	_, err = a.Alloc()
	require.NoError(t, err)
	require.NoError(t, a.Free(p2))
}

func TestQuota_ReleasedOnPoolExhaustion(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 16 * PageSize})
	a, _ := newTestAllocator(t, 2, WithQuota(rc))

	allocAll(t, a)
	assert.Equal(t, int64(2*PageSize), rc.MemoryUsage())
}

func TestDiagnosticRate(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewTextHandler(&buf, nil))
	a, _ := newTestAllocator(t, 2,
		WithLogger(logger),
		WithDiagnosticRate(rate.Every(time.Hour), 1),
	)

	pa := a.Layout().Start
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, a.Free(pa), ErrDoubleFree)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "page freed twice"))
	assert.Equal(t, uint64(5), a.Stats().DoubleFrees)
	assert.Equal(t, int64(4), a.suppressed.Load())
}

func TestBoot_AnonymousMemory(t *testing.T) {
	const top = testKernelEnd + 64*PageSize
	a, err := Boot(testKernelEnd+100, top, WithLogger(nil), WithName("node0"))
	require.NoError(t, err)
	defer a.Close()

	l := a.Layout()
	assert.Equal(t, testKernelEnd+PageSize, l.TableBase)
	assert.Equal(t, 62, l.Pages)

	pages := allocAll(t, a)
	assert.Len(t, pages, 62)
	for _, pa := range pages {
		require.NoError(t, a.Free(pa))
	}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = Boot(top, testKernelEnd)
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestAllocator_String(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	_, err := a.Alloc()
	require.NoError(t, err)

	s := a.String()
	assert.Contains(t, s, "pages: 4")
	assert.Contains(t, s, "free: 3")
	assert.Contains(t, s, "usage: 25.0%")
}
