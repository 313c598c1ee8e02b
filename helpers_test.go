package pagealloc

import (
	"testing"

	"github.com/hupe1980/pagealloc/internal/physmem"
	"github.com/stretchr/testify/require"
)

const testKernelEnd PhysAddr = 0x80000000

// newTestAllocator returns an allocator managing exactly pages pages. For
// fewer than PageSize-1 pages the table fits in a single page right after
// testKernelEnd.
func newTestAllocator(t testing.TB, pages int, opts ...Option) (*Allocator, *physmem.Memory) {
	t.Helper()

	size := (pages + 1) * PageSize
	m, err := physmem.NewHeap(testKernelEnd, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	opts = append([]Option{WithLogger(NoopLogger())}, opts...)
	a, err := New(m, testKernelEnd, testKernelEnd+PhysAddr(size), opts...)
	require.NoError(t, err)
	return a, m
}

// requireFatal runs fn and asserts that it raises a *FatalError wrapping reason.
func requireFatal(t *testing.T, reason error, fn func()) *FatalError {
	t.Helper()

	var fe *FatalError
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected fatal error %v", reason)
			var ok bool
			fe, ok = AsFatal(r)
			require.True(t, ok, "panic value %v is not a *FatalError", r)
		}()
		fn()
	}()

	require.ErrorIs(t, fe, reason)
	return fe
}

func allocAll(t *testing.T, a *Allocator) []PhysAddr {
	t.Helper()

	var pages []PhysAddr
	for {
		pa, err := a.Alloc()
		if err != nil {
			require.ErrorIs(t, err, ErrExhausted)
			return pages
		}
		pages = append(pages, pa)
	}
}
