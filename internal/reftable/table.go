// Package reftable implements the per-page reference count table.
//
// The table is a dense byte array: slot i holds the reference count of the
// page at Base()+i*PageSize. A zero slot means the page is free. The table
// does no locking of its own; every method must be called with the owning
// allocator's lock held.
package reftable

import (
	"math"

	"github.com/hupe1980/pagealloc/internal/physmem"
)

// MaxCount is the largest reference count a slot can hold.
const MaxCount = math.MaxUint8

// Table maps page addresses to reference count slots.
type Table struct {
	base  physmem.Addr
	slots []byte
}

// SlotsFor returns how many slots are needed to track every page in
// [base, top), where base is page aligned.
func SlotsFor(base, top physmem.Addr) uint64 {
	if top <= base {
		return 0
	}
	return uint64(top-base) >> physmem.PageShift
}

// New returns a table whose slot 0 tracks the page at base. The slots slice
// usually aliases the physical memory the table describes.
func New(base physmem.Addr, slots []byte) *Table {
	return &Table{
		base:  base,
		slots: slots,
	}
}

// Base returns the address tracked by slot 0.
func (t *Table) Base() physmem.Addr {
	return t.base
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.slots)
}

// Index returns the slot index of the page at pa. ok is false if pa is below
// the table base or past the last slot. pa must be page aligned.
func (t *Table) Index(pa physmem.Addr) (idx int, ok bool) {
	if pa < t.base {
		return 0, false
	}
	i := uint64(pa-t.base) >> physmem.PageShift
	if i >= uint64(len(t.slots)) {
		return 0, false
	}
	return int(i), true
}

// Addr returns the page address tracked by slot i.
func (t *Table) Addr(i int) physmem.Addr {
	return t.base + physmem.Addr(i)<<physmem.PageShift
}

// Get returns the count in slot i.
func (t *Table) Get(i int) uint8 {
	return t.slots[i]
}

// Set stores v in slot i.
func (t *Table) Set(i int, v uint8) {
	t.slots[i] = v
}

// Inc increments slot i and returns the new count. ok is false, and the slot
// is left unchanged, if the count is already MaxCount.
func (t *Table) Inc(i int) (n uint8, ok bool) {
	if t.slots[i] == MaxCount {
		return MaxCount, false
	}
	t.slots[i]++
	return t.slots[i], true
}

// Dec decrements slot i and returns the new count. The slot must be non-zero.
func (t *Table) Dec(i int) uint8 {
	t.slots[i]--
	return t.slots[i]
}

// Snapshot returns a copy of every slot.
func (t *Table) Snapshot() []byte {
	out := make([]byte, len(t.slots))
	copy(out, t.slots)
	return out
}
