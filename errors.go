package pagealloc

import (
	"errors"
	"fmt"
)

// Recoverable conditions. Callers are expected to handle these.
var (
	// ErrExhausted is returned by Alloc when no free page remains, or when a
	// quota controller refuses the reservation.
	ErrExhausted = errors.New("pagealloc: out of pages")

	// ErrDoubleFree is returned by Free when the page is already free.
	// The call changes nothing.
	ErrDoubleFree = errors.New("pagealloc: page freed twice")

	// ErrInvalidLayout is returned by New and Boot for an unusable address range.
	ErrInvalidLayout = errors.New("pagealloc: invalid memory layout")

	// ErrInvalidOption is returned by New and Boot for contradictory options.
	ErrInvalidOption = errors.New("pagealloc: invalid option")

	// ErrInconsistent is returned by Verify when the free list and the
	// reference count table disagree.
	ErrInconsistent = errors.New("pagealloc: inconsistent allocator state")
)

// Reasons carried by a FatalError.
var (
	ErrMisaligned      = errors.New("address is not page aligned")
	ErrOutOfRange      = errors.New("address outside managed range")
	ErrCorruptFreeList = errors.New("free list entry still referenced")
	ErrPageFree        = errors.New("page is free")
	ErrRefOverflow     = errors.New("reference count overflow")
	ErrBadMemory       = errors.New("backing memory unavailable")
)

// FatalError describes a consistency violation the allocator cannot recover
// from: a caller passed a bogus address, referenced a free page, or the
// allocator's own state is corrupt. It is handed to the configured Halter
// and then raised with panic; the operation that detected it never returns.
type FatalError struct {
	Op   string
	Addr PhysAddr
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pagealloc: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// AsFatal extracts a *FatalError from a recovered panic value.
func AsFatal(recovered any) (*FatalError, bool) {
	err, ok := recovered.(error)
	if !ok {
		return nil, false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
