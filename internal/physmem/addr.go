package physmem

import "fmt"

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the fixed allocation unit in bytes.
	PageSize = 1 << PageShift

	// pageMask selects the offset within a page.
	pageMask = PageSize - 1
)

// Addr is a physical address.
type Addr uint64

// Aligned reports whether a is the base address of a page.
func (a Addr) Aligned() bool {
	return a&pageMask == 0
}

// PageRoundUp rounds a up to the next page boundary.
func (a Addr) PageRoundUp() Addr {
	return (a + pageMask) &^ pageMask
}

// PageRoundDown rounds a down to its page boundary.
func (a Addr) PageRoundDown() Addr {
	return a &^ pageMask
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
