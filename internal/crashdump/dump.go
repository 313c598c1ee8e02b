package crashdump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/pagealloc/internal/physmem"
)

// Magic identifies a dump file.
const Magic = "PGDUMP01"

// HeaderSize is the encoded size of Header.
const HeaderSize = 56

// maxSlots bounds what Read is willing to allocate (1 TiB of 4 KiB pages).
const maxSlots = 1 << 28

var (
	// ErrBadMagic is returned when the input is not a dump.
	ErrBadMagic = errors.New("crashdump: bad magic")
	// ErrCorrupt is returned when header fields contradict each other.
	ErrCorrupt = errors.New("crashdump: corrupt dump")
)

// Header describes the allocator layout captured in a dump.
type Header struct {
	Compression Compression
	PageSize    uint32
	TableBase   physmem.Addr // address tracked by slot 0
	Start       physmem.Addr // first managed page
	End         physmem.Addr // first address past the managed range
	Slots       uint64
	FreeCount   uint64
}

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Magic)
	buf[8] = byte(h.Compression)
	binary.LittleEndian.PutUint32(buf[12:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.TableBase))
	binary.LittleEndian.PutUint64(buf[24:], uint64(h.Start))
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.End))
	binary.LittleEndian.PutUint64(buf[40:], h.Slots)
	binary.LittleEndian.PutUint64(buf[48:], h.FreeCount)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if !bytes.Equal(buf[0:8], []byte(Magic)) {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Compression: Compression(buf[8]),
		PageSize:    binary.LittleEndian.Uint32(buf[12:]),
		TableBase:   physmem.Addr(binary.LittleEndian.Uint64(buf[16:])),
		Start:       physmem.Addr(binary.LittleEndian.Uint64(buf[24:])),
		End:         physmem.Addr(binary.LittleEndian.Uint64(buf[32:])),
		Slots:       binary.LittleEndian.Uint64(buf[40:]),
		FreeCount:   binary.LittleEndian.Uint64(buf[48:]),
	}

	switch {
	case h.Compression > CompressionZSTD:
		return Header{}, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, h.Compression)
	case h.PageSize != physmem.PageSize:
		return Header{}, fmt.Errorf("%w: page size %d", ErrCorrupt, h.PageSize)
	case h.Slots > maxSlots:
		return Header{}, fmt.Errorf("%w: %d slots", ErrCorrupt, h.Slots)
	case h.FreeCount > h.Slots:
		return Header{}, fmt.Errorf("%w: %d free pages for %d slots", ErrCorrupt, h.FreeCount, h.Slots)
	case h.Start < h.TableBase || h.End < h.Start:
		return Header{}, fmt.Errorf("%w: range [%s, %s) outside table at %s", ErrCorrupt, h.Start, h.End, h.TableBase)
	}
	return h, nil
}

// Write encodes a dump of slots and the free list to w. h.Slots and
// h.FreeCount are taken from the slice lengths.
func Write(w io.Writer, h Header, slots []byte, free []physmem.Addr) error {
	h.PageSize = physmem.PageSize
	h.Slots = uint64(len(slots))
	h.FreeCount = uint64(len(free))

	if _, err := w.Write(h.encode()); err != nil {
		return fmt.Errorf("crashdump: write header: %w", err)
	}

	bw := newBlockWriter(w, h.Compression, defaultBlockSize)
	if _, err := bw.Write(slots); err != nil {
		return fmt.Errorf("crashdump: write slots: %w", err)
	}

	var word [8]byte
	for _, pa := range free {
		binary.LittleEndian.PutUint64(word[:], uint64(pa))
		if _, err := bw.Write(word[:]); err != nil {
			return fmt.Errorf("crashdump: write free list: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("crashdump: flush: %w", err)
	}
	return nil
}

// Image is a decoded dump.
type Image struct {
	Header Header
	Slots  []byte
	Free   []physmem.Addr
}

// Read decodes a dump from r.
func Read(r io.Reader) (*Image, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, err
	}

	h, err := decodeHeader(hdr)
	if err != nil {
		return nil, err
	}

	body, err := readBlocks(r, h.Slots+h.FreeCount*8, h.Compression)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Header: h,
		Slots:  body[:h.Slots],
		Free:   make([]physmem.Addr, h.FreeCount),
	}
	words := body[h.Slots:]
	for i := range img.Free {
		img.Free[i] = physmem.Addr(binary.LittleEndian.Uint64(words[i*8:]))
	}
	return img, nil
}

// RefCount returns the recorded count of the page at pa. ok is false if pa
// is not a page tracked by the table.
func (img *Image) RefCount(pa physmem.Addr) (count int, ok bool) {
	if !pa.Aligned() || pa < img.Header.TableBase {
		return 0, false
	}
	i := uint64(pa-img.Header.TableBase) >> physmem.PageShift
	if i >= uint64(len(img.Slots)) {
		return 0, false
	}
	return int(img.Slots[i]), true
}

// Summary counts pages by state.
type Summary struct {
	ManagedPages int
	TablePages   int
	FreePages    int // slot 0
	Allocated    int // slot >= 1, managed range only
	Shared       int // slot >= 2
	MaxCount     int
	Listed       int // pages on the recorded free list
}

// Summary tallies the recorded slots.
func (img *Image) Summary() Summary {
	var s Summary
	first := int(uint64(img.Header.Start-img.Header.TableBase) >> physmem.PageShift)
	last := int(uint64(img.Header.End-img.Header.TableBase) >> physmem.PageShift)
	last = min(last, len(img.Slots))
	first = min(first, last)

	s.TablePages = first
	s.ManagedPages = last - first
	s.Listed = len(img.Free)

	for _, c := range img.Slots[first:last] {
		if c == 0 {
			s.FreePages++
			continue
		}
		s.Allocated++
		if c > 1 {
			s.Shared++
		}
		s.MaxCount = max(s.MaxCount, int(c))
	}
	return s
}
