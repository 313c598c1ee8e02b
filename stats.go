package pagealloc

import "fmt"

// Stats is a point-in-time view of allocator activity.
//
// Note on semantics:
//   - FreePages: pages currently linked on the free list
//   - Allocs/Frees/Touches: cumulative successful operations
//   - Frees counts every accepted Free, including ones that only dropped a shared reference
//   - DoubleFrees/Exhaustions: cumulative recoverable failures
type Stats struct {
	ManagedPages int
	TablePages   int
	FreePages    int
	Allocs       uint64
	Frees        uint64
	Touches      uint64
	DoubleFrees  uint64
	Exhaustions  uint64
	Fatals       uint64
}

// Stats returns the current allocator statistics.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	free := a.free.Len()
	a.mu.Unlock()

	return Stats{
		ManagedPages: a.layout.Pages,
		TablePages:   a.layout.TablePages,
		FreePages:    free,
		Allocs:       a.stats.allocs.Load(),
		Frees:        a.stats.frees.Load(),
		Touches:      a.stats.touches.Load(),
		DoubleFrees:  a.stats.doubleFrees.Load(),
		Exhaustions:  a.stats.exhaustions.Load(),
		Fatals:       a.stats.fatals.Load(),
	}
}

// Usage returns the percentage of managed pages not on the free list.
func (a *Allocator) Usage() float64 {
	s := a.Stats()
	if s.ManagedPages == 0 {
		return 0
	}
	return float64(s.ManagedPages-s.FreePages) / float64(s.ManagedPages) * 100
}

func (a *Allocator) String() string {
	s := a.Stats()
	return fmt.Sprintf(
		"Allocator{range: [%s, %s), pages: %d, free: %d, usage: %.1f%%, allocs: %d, double frees: %d}",
		a.layout.Start,
		a.layout.End,
		s.ManagedPages,
		s.FreePages,
		a.Usage(),
		s.Allocs,
		s.DoubleFrees,
	)
}
