// Package freelist implements an intrusive singly linked list of free pages.
//
// A free page's first LinkSize bytes hold the address of the next free page,
// little-endian encoded, so tracking freedom needs no storage outside the
// pages themselves. The list does no locking; callers serialize access.
package freelist

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/pagealloc/internal/physmem"
)

// LinkSize is the number of bytes at the start of a free page used for the link.
const LinkSize = 8

// Nil terminates the list. It is never a valid page address because it is
// not page aligned.
const Nil = ^physmem.Addr(0)

// Memory gives the list access to page storage.
type Memory interface {
	Slice(addr physmem.Addr, n int) []byte
}

// List is a LIFO stack of free pages.
type List struct {
	mem  Memory
	head physmem.Addr
	n    int
}

// New returns an empty list over mem.
func New(mem Memory) *List {
	return &List{
		mem:  mem,
		head: Nil,
	}
}

// Len returns the number of linked pages.
func (l *List) Len() int {
	return l.n
}

// Empty reports whether the list has no pages.
func (l *List) Empty() bool {
	return l.head == Nil
}

// Head returns the first page, or Nil.
func (l *List) Head() physmem.Addr {
	return l.head
}

// Push links pa in front of the current head. The page's link word is overwritten.
func (l *List) Push(pa physmem.Addr) {
	binary.LittleEndian.PutUint64(l.link(pa), uint64(l.head))
	l.head = pa
	l.n++
}

// Pop unlinks and returns the head. ok is false if the list is empty.
func (l *List) Pop() (pa physmem.Addr, ok bool) {
	if l.head == Nil {
		return 0, false
	}
	pa = l.head
	l.head = l.Next(pa)
	l.n--
	return pa, true
}

// Next returns the link stored in the free page pa.
func (l *List) Next(pa physmem.Addr) physmem.Addr {
	return physmem.Addr(binary.LittleEndian.Uint64(l.link(pa)))
}

func (l *List) link(pa physmem.Addr) []byte {
	b := l.mem.Slice(pa, LinkSize)
	if b == nil {
		// Links only ever point into memory the allocator validated at boot.
		panic(fmt.Sprintf("freelist: link %s outside backing memory", pa))
	}
	return b
}
