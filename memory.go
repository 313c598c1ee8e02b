package pagealloc

import (
	"github.com/hupe1980/pagealloc/internal/physmem"
	"github.com/hupe1980/pagealloc/internal/reftable"
)

// PhysAddr is a physical address. Pages are identified by their page-aligned base address.
type PhysAddr = physmem.Addr

const (
	// PageShift is log2(PageSize).
	PageShift = physmem.PageShift
	// PageSize is the size in bytes of every page the allocator hands out.
	PageSize = physmem.PageSize
	// MaxRefCount is the most owners a page can have. Touching a page at
	// this count is fatal.
	MaxRefCount = reftable.MaxCount
)

// Memory is the physical memory an Allocator manages.
//
// Implementations must back every address in [kernelEnd rounded up, physTop)
// for the lifetime of the allocator. *physmem.Memory is the implementation
// used by Boot.
type Memory interface {
	// Slice returns the n bytes starting at addr, or nil if they are not backed.
	Slice(addr PhysAddr, n int) []byte
	// Fill sets the n bytes starting at addr to b.
	Fill(addr PhysAddr, n int, b byte) error
}
