package physmem

import "errors"

// AccessPattern provides hints to the kernel about how the memory will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects memory to be accessed sequentially.
	AccessSequential
	// AccessRandom expects memory to be accessed randomly.
	AccessRandom
	// AccessWillNeed expects memory to be accessed in the near future.
	AccessWillNeed
	// AccessDontNeed expects memory to not be accessed in the near future.
	AccessDontNeed
)

var (
	// ErrClosed is returned when attempting to use a closed Memory.
	ErrClosed = errors.New("physmem: memory is closed")
	// ErrInvalidSize is returned when the requested size is not a positive multiple of PageSize.
	ErrInvalidSize = errors.New("physmem: invalid size")
	// ErrOutOfBounds is returned when an address range falls outside [Base, Top).
	ErrOutOfBounds = errors.New("physmem: out of bounds")
	// ErrAddressOverflow is returned when Base+size does not fit in an Addr.
	ErrAddressOverflow = errors.New("physmem: address window overflows")
)
