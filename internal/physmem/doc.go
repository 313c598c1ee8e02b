// Package physmem provides the simulated physical memory a page allocator manages.
//
// # Overview
//
// A Memory covers the physical address window [Base, Top). Addresses are plain
// integers; the bytes behind them live either in an anonymous mapping obtained
// from the operating system (MapAnon) or in an ordinary Go slice (NewHeap).
//
//	m, err := physmem.MapAnon(0x80000000, 128<<20)
//	if err != nil { ... }
//	defer m.Close()
//
//	page := m.Slice(0x80001000, physmem.PageSize)
//	m.Fill(0x80001000, physmem.PageSize, 0x01)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON|MAP_PRIVATE, madvise(2) hints
//   - Windows: VirtualAlloc with MEM_RESERVE|MEM_COMMIT (advice is a no-op)
//
// # Thread Safety
//
// Slice and Fill do no locking; the owner of an address range is responsible
// for serializing access to it. Close is idempotent. Callers must not touch
// slices returned by Slice after Close returns.
package physmem
