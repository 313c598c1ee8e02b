package pagealloc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/pagealloc/internal/conv"
	"github.com/hupe1980/pagealloc/internal/freelist"
	"github.com/hupe1980/pagealloc/internal/physmem"
	"github.com/hupe1980/pagealloc/internal/reftable"
	"golang.org/x/time/rate"
)

// Layout describes where the range initializer placed the reference count
// table and which pages it manages.
type Layout struct {
	TableBase  PhysAddr // first byte of the table, page aligned
	TableBytes int      // one byte per page in [TableBase, End)
	TablePages int      // pages occupied by the table; never allocatable
	Start      PhysAddr // first managed page
	End        PhysAddr // first address past the last managed page
	Pages      int      // managed pages
}

type atomicStats struct {
	allocs      atomic.Uint64
	frees       atomic.Uint64
	touches     atomic.Uint64
	doubleFrees atomic.Uint64
	exhaustions atomic.Uint64
	fatals      atomic.Uint64
}

// Allocator hands out fixed-size physical pages and tracks how many owners
// each allocated page has.
//
// One mutex guards the reference count table and the free list. It is never
// held while a page is being filled. All methods are safe for concurrent use.
type Allocator struct {
	mu    sync.Mutex
	table *reftable.Table
	free  *freelist.List

	mem    Memory
	closer io.Closer // set when Boot mapped the memory itself
	layout Layout

	opts       options
	stats      atomicStats
	diag       *rate.Limiter
	suppressed atomic.Int64
}

// Boot maps anonymous memory to stand in for physical RAM between kernelEnd
// and physTop and initializes an allocator over it. Close releases the mapping.
func Boot(kernelEnd, physTop PhysAddr, opts ...Option) (*Allocator, error) {
	base := kernelEnd.PageRoundUp()
	top := physTop.PageRoundDown()
	if top <= base {
		return nil, fmt.Errorf("%w: physical top %s not above kernel end %s", ErrInvalidLayout, physTop, kernelEnd)
	}

	size, err := conv.Uint64ToInt(uint64(top - base))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLayout, err)
	}

	m, err := physmem.MapAnon(base, size)
	if err != nil {
		return nil, err
	}
	// Page allocation order is LIFO over a large window.
	_ = m.Advise(physmem.AccessRandom)

	a, err := New(m, kernelEnd, physTop, opts...)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	a.closer = m
	return a, nil
}

// New initializes an allocator over mem.
//
// The reference count table is placed at the first page boundary at or after
// kernelEnd, with one byte per page up to physTop. Every whole page after the
// table and below physTop is placed on the free list. mem must back the
// entire range from the table base to physTop rounded down.
func New(mem Memory, kernelEnd, physTop PhysAddr, opts ...Option) (*Allocator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.name != "" {
		o.logger = o.logger.WithName(o.name)
	}

	layout, err := computeLayout(kernelEnd, physTop)
	if err != nil {
		return nil, err
	}

	slots := mem.Slice(layout.TableBase, layout.TableBytes)
	if slots == nil {
		return nil, fmt.Errorf("%w: memory does not back table at %s", ErrInvalidLayout, layout.TableBase)
	}
	if mem.Slice(layout.Start, layout.Pages*PageSize) == nil {
		return nil, fmt.Errorf("%w: memory does not back [%s, %s)", ErrInvalidLayout, layout.Start, layout.End)
	}

	a := &Allocator{
		table:  reftable.New(layout.TableBase, slots),
		free:   freelist.New(mem),
		mem:    mem,
		layout: layout,
		opts:   o,
	}
	if o.diagLimit != rate.Inf {
		a.diag = rate.NewLimiter(o.diagLimit, o.diagBurst)
	}

	a.seed()

	o.logger.LogBoot(context.Background(), layout)
	o.metrics.RecordFreePages(layout.Pages)
	return a, nil
}

func computeLayout(kernelEnd, physTop PhysAddr) (Layout, error) {
	tableBase := kernelEnd.PageRoundUp()
	end := physTop.PageRoundDown()
	if end <= tableBase {
		return Layout{}, fmt.Errorf("%w: physical top %s not above kernel end %s", ErrInvalidLayout, physTop, kernelEnd)
	}

	n := reftable.SlotsFor(tableBase, end)
	tableBytes, err := conv.Uint64ToInt(n)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrInvalidLayout, err)
	}

	start := (tableBase + PhysAddr(n)).PageRoundUp()
	if start >= end {
		return Layout{}, fmt.Errorf("%w: [%s, %s) holds only the reference table", ErrInvalidLayout, tableBase, end)
	}

	return Layout{
		TableBase:  tableBase,
		TableBytes: tableBytes,
		TablePages: int((start - tableBase) >> PageShift),
		Start:      start,
		End:        end,
		Pages:      int((end - start) >> PageShift),
	}, nil
}

// seed marks the table's own pages as permanently owned, then pushes every
// managed page through the free path.
func (a *Allocator) seed() {
	for i := 0; i < a.layout.TablePages; i++ {
		a.table.Set(i, 1)
	}

	for pa := a.layout.Start; pa < a.layout.End; pa += PageSize {
		idx, _ := a.table.Index(pa)
		a.table.Set(idx, 1)
		_, _ = a.release("init", pa)
	}
}

// Layout returns the placement chosen at initialization.
func (a *Allocator) Layout() Layout {
	return a.layout
}

// Alloc hands out one page with a reference count of 1. The page is filled
// with the alloc poison byte. When no page is free Alloc returns ErrExhausted;
// it never waits for one.
func (a *Allocator) Alloc() (PhysAddr, error) {
	start := time.Now()

	if err := a.opts.quota.TryAcquireMemory(PageSize); err != nil {
		return 0, a.exhausted(start, fmt.Errorf("%w: %w", ErrExhausted, err))
	}

	pa, ok, reason := a.pop()
	if reason != nil {
		a.fatal("alloc", pa, reason)
	}
	if !ok {
		a.opts.quota.ReleaseMemory(PageSize)
		return 0, a.exhausted(start, ErrExhausted)
	}

	a.poison("alloc", pa, a.opts.allocFill)

	a.stats.allocs.Add(1)
	a.opts.metrics.RecordAlloc(time.Since(start), nil)
	return pa, nil
}

func (a *Allocator) pop() (pa PhysAddr, ok bool, reason error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free.Empty() {
		return 0, false, nil
	}

	pa = a.free.Head()
	idx, managed := a.managedIndex(pa)
	if !managed {
		return pa, false, fmt.Errorf("%w: link outside managed range", ErrCorruptFreeList)
	}
	if a.table.Get(idx) != 0 {
		return pa, false, ErrCorruptFreeList
	}

	a.free.Pop()
	a.table.Set(idx, 1)
	a.opts.metrics.RecordFreePages(a.free.Len())
	return pa, true, nil
}

func (a *Allocator) exhausted(start time.Time, err error) error {
	a.stats.exhaustions.Add(1)
	a.opts.logger.LogExhausted(context.Background(), err)
	a.opts.metrics.RecordAlloc(time.Since(start), err)
	return err
}

// Free drops one reference to pa. When the last reference goes, the page is
// filled with the free poison byte and returned to the free list.
//
// Freeing a page that is already free changes nothing, is logged, and
// returns ErrDoubleFree. A misaligned or unmanaged address is fatal.
func (a *Allocator) Free(pa PhysAddr) error {
	start := time.Now()

	released, err := a.release("free", pa)
	if released {
		a.opts.quota.ReleaseMemory(PageSize)
	}
	if err == nil {
		a.stats.frees.Add(1)
	}

	a.opts.metrics.RecordFree(time.Since(start), released, err)
	return err
}

// release is the free path shared by Free and the range initializer.
func (a *Allocator) release(op string, pa PhysAddr) (bool, error) {
	idx := a.slotIndex(op, pa)

	a.mu.Lock()
	if a.table.Get(idx) == 0 {
		a.mu.Unlock()
		a.doubleFree(pa)
		return false, fmt.Errorf("%w: %s", ErrDoubleFree, pa)
	}
	if a.table.Dec(idx) > 0 {
		a.mu.Unlock()
		return false, nil
	}
	a.mu.Unlock()

	// The slot is already 0, so until the push below the page is neither
	// allocatable nor freeable: a concurrent Free is rejected as a double free.
	a.poison(op, pa, a.opts.freeFill)

	a.mu.Lock()
	a.free.Push(pa)
	a.opts.metrics.RecordFreePages(a.free.Len())
	a.mu.Unlock()

	return true, nil
}

func (a *Allocator) doubleFree(pa PhysAddr) {
	a.stats.doubleFrees.Add(1)
	if a.diag != nil && !a.diag.Allow() {
		a.suppressed.Add(1)
		return
	}
	a.opts.logger.LogDoubleFree(context.Background(), pa, a.suppressed.Swap(0))
}

// Touch records an additional owner of the allocated page pa, e.g. a second
// mapping created by copy-on-write duplication. Touching a free page, or a
// page already at the maximum count, is fatal.
func (a *Allocator) Touch(pa PhysAddr) {
	start := time.Now()
	idx := a.slotIndex("touch", pa)

	var reason error
	a.mu.Lock()
	if a.table.Get(idx) == 0 {
		reason = ErrPageFree
	} else if _, ok := a.table.Inc(idx); !ok {
		reason = ErrRefOverflow
	}
	a.mu.Unlock()

	if reason != nil {
		a.fatal("touch", pa, reason)
	}

	a.stats.touches.Add(1)
	a.opts.metrics.RecordTouch(time.Since(start))
}

// RefCount returns the number of owners of the allocated page pa. A copy-on-write
// handler may write in place when it is 1 and must copy otherwise. Querying a
// free page is fatal.
func (a *Allocator) RefCount(pa PhysAddr) int {
	idx := a.slotIndex("refcount", pa)

	a.mu.Lock()
	n := a.table.Get(idx)
	a.mu.Unlock()

	if n == 0 {
		a.fatal("refcount", pa, ErrPageFree)
	}
	return int(n)
}

// slotIndex validates pa for op and returns its table slot. Every public
// operation goes through here.
func (a *Allocator) slotIndex(op string, pa PhysAddr) int {
	if !pa.Aligned() {
		a.fatal(op, pa, ErrMisaligned)
	}
	idx, ok := a.managedIndex(pa)
	if !ok {
		a.fatal(op, pa, ErrOutOfRange)
	}
	return idx
}

func (a *Allocator) managedIndex(pa PhysAddr) (int, bool) {
	if !pa.Aligned() || pa < a.layout.Start || pa >= a.layout.End {
		return 0, false
	}
	return a.table.Index(pa)
}

func (a *Allocator) poison(op string, pa PhysAddr, b byte) {
	if !a.opts.poison {
		return
	}
	if err := a.mem.Fill(pa, PageSize, b); err != nil {
		a.fatal(op, pa, fmt.Errorf("%w: %w", ErrBadMemory, err))
	}
}

// fatal reports an unrecoverable violation and does not return. It must be
// called without the lock held.
func (a *Allocator) fatal(op string, pa PhysAddr, reason error) {
	err := &FatalError{Op: op, Addr: pa, Err: reason}

	a.stats.fatals.Add(1)
	a.opts.metrics.RecordFatal(op)
	a.opts.logger.LogFatal(context.Background(), err)

	if a.opts.halter != nil {
		a.opts.halter(err)
	}
	panic(err)
}

// Close releases memory mapped by Boot. The allocator and every page it
// handed out must not be used afterwards. Close is a no-op for allocators
// created with New; the caller owns that memory.
func (a *Allocator) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}
