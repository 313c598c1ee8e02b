package physmem

import (
	"fmt"
	"sync/atomic"
)

// Memory is a window of simulated physical memory starting at Base.
// It owns the underlying byte slice and is responsible for unmapping it.
type Memory struct {
	base   Addr
	data   []byte
	closed atomic.Bool
	// unmap is the platform-specific function to release the memory.
	// nil for heap-backed memory.
	unmap func([]byte) error
}

// MapAnon maps size bytes of anonymous, zero-filled memory and exposes it as
// the physical window [base, base+size).
func MapAnon(base Addr, size int) (*Memory, error) {
	if err := checkWindow(base, size); err != nil {
		return nil, err
	}

	data, unmapFunc, err := osMapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("physmem: map %d bytes: %w", size, err)
	}

	return &Memory{
		base:  base,
		data:  data,
		unmap: unmapFunc,
	}, nil
}

// NewHeap returns a Memory backed by an ordinary Go slice. It is meant for
// tests and small simulations where an OS mapping is not worth the syscall.
func NewHeap(base Addr, size int) (*Memory, error) {
	if err := checkWindow(base, size); err != nil {
		return nil, err
	}
	return &Memory{
		base: base,
		data: make([]byte, size),
	}, nil
}

func checkWindow(base Addr, size int) error {
	if size <= 0 || size%PageSize != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if !base.Aligned() {
		return fmt.Errorf("%w: base %s is not page aligned", ErrOutOfBounds, base)
	}
	if base+Addr(size) < base {
		return ErrAddressOverflow
	}
	return nil
}

// Base returns the first physical address covered.
func (m *Memory) Base() Addr {
	return m.base
}

// Top returns the first physical address past the window.
func (m *Memory) Top() Addr {
	return m.base + Addr(len(m.data))
}

// Size returns the size of the window in bytes.
func (m *Memory) Size() int {
	return len(m.data)
}

// Contains reports whether [addr, addr+n) lies inside the window.
func (m *Memory) Contains(addr Addr, n int) bool {
	if n < 0 || addr < m.base {
		return false
	}
	off := uint64(addr - m.base)
	return off <= uint64(len(m.data)) && uint64(n) <= uint64(len(m.data))-off
}

// Slice returns the n bytes starting at addr, or nil if the range is outside
// the window or the memory has been closed.
// Warning: The slice is valid only until Close() is called.
func (m *Memory) Slice(addr Addr, n int) []byte {
	if m.closed.Load() || !m.Contains(addr, n) {
		return nil
	}
	off := int(addr - m.base)
	return m.data[off : off+n : off+n]
}

// Fill sets the n bytes starting at addr to b.
func (m *Memory) Fill(addr Addr, n int, b byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	buf := m.Slice(addr, n)
	if buf == nil && n > 0 {
		return fmt.Errorf("%w: [%s, +%d)", ErrOutOfBounds, addr, n)
	}
	for i := range buf {
		buf[i] = b
	}
	return nil
}

// Advise provides hints to the kernel about how the memory will be accessed.
// Heap-backed memory ignores advice.
func (m *Memory) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.unmap == nil {
		return nil
	}
	return osAdvise(m.data, pattern)
}

// Close releases the memory. It is idempotent.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap != nil && m.data != nil {
		return m.unmap(m.data)
	}
	return nil
}
