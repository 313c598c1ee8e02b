// Package pagealloc provides a fixed-size physical page allocator with
// per-page reference counting.
//
// The allocator is the single owner of a range of physical memory. It hands
// out whole pages to its callers (address spaces, kernel stacks, page tables,
// pipe buffers) and takes them back when the last owner lets go. Reference
// counts let several mappings share one page, as copy-on-write duplication of
// an address space does, without the page returning to the pool early.
//
// # Quick Start
//
//	a, err := pagealloc.Boot(kernelEnd, physTop)
//	if err != nil { ... }
//	defer a.Close()
//
//	pa, err := a.Alloc()
//	if errors.Is(err, pagealloc.ErrExhausted) {
//	    // caller decides: reclaim, retry, or fail the request
//	}
//
//	a.Touch(pa)              // second owner (e.g. after fork)
//	a.RefCount(pa)           // 2: copy before writing
//	_ = a.Free(pa)           // 1 owner left, page stays allocated
//	_ = a.Free(pa)           // page back on the free list
//
// # Layout
//
// The range initializer places the reference count table at the first page
// boundary after the kernel image, one byte per page up to the physical top.
// Everything after the table is managed:
//
//	kernelEnd      TableBase            Start                       End
//	    │             │ ref counts (1B/pg) │ managed pages ...          │
//	    └─ kernel ────┴────────────────────┴────────────────────────────┘
//
// # Failure Model
//
// Two tiers:
//
//   - Recoverable: ErrExhausted from Alloc, ErrDoubleFree from Free. A double
//     free changes nothing and is logged.
//   - Fatal: misaligned or unmanaged addresses, Touch or RefCount on a free
//     page, and a free list entry that is still referenced. These are passed
//     to the Halter as a *FatalError and then raised with panic; the failing
//     call never returns.
//
// # Concurrency
//
// One mutex guards the table and the free list. Every operation is O(1) and
// never waits for memory to become available. Pages are filled with poison
// bytes outside the lock; a page whose count has reached zero but is not yet
// linked is protected by that zero count.
package pagealloc
