package pagealloc

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/pagealloc/internal/conv"
	"github.com/hupe1980/pagealloc/internal/freelist"
)

// Report summarizes a consistency check.
type Report struct {
	Listed    int // pages on the free list
	Allocated int // managed pages with a count of 1 or more
	Shared    int // managed pages with a count of 2 or more
	InTransit int // count 0 but not yet linked (a Free between its two phases)
}

// Verify walks the free list and the reference count table under the lock
// and checks that they agree: every listed page is managed, appears once and
// has a count of 0. It is a diagnostic and costs O(managed pages).
func (a *Allocator) Verify() (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var r Report
	listed := roaring.New()

	for pa := a.free.Head(); pa != freelist.Nil; pa = a.free.Next(pa) {
		idx, ok := a.managedIndex(pa)
		if !ok {
			return r, fmt.Errorf("%w: free list link %s outside managed range", ErrInconsistent, pa)
		}
		key, err := conv.IntToUint32(idx)
		if err != nil {
			return r, fmt.Errorf("%w: %w", ErrInconsistent, err)
		}
		if !listed.CheckedAdd(key) {
			return r, fmt.Errorf("%w: page %s linked twice", ErrInconsistent, pa)
		}
		if c := a.table.Get(idx); c != 0 {
			return r, fmt.Errorf("%w: listed page %s has count %d", ErrInconsistent, pa, c)
		}
		r.Listed++
	}

	if r.Listed != a.free.Len() {
		return r, fmt.Errorf("%w: walked %d free pages, list length is %d", ErrInconsistent, r.Listed, a.free.Len())
	}

	first := a.layout.TablePages
	last := first + a.layout.Pages
	for idx := first; idx < last; idx++ {
		c := a.table.Get(idx)
		switch {
		case c == 0:
			if !listed.Contains(uint32(idx)) { //nolint:gosec // idx < TableBytes, checked above
				r.InTransit++
			}
		case c == 1:
			r.Allocated++
		default:
			r.Allocated++
			r.Shared++
		}
	}

	for idx := 0; idx < first; idx++ {
		if a.table.Get(idx) == 0 {
			return r, fmt.Errorf("%w: table page %s marked free", ErrInconsistent, a.table.Addr(idx))
		}
	}

	return r, nil
}
