package pagealloc

import (
	"io"

	"github.com/hupe1980/pagealloc/internal/crashdump"
	"github.com/hupe1980/pagealloc/internal/freelist"
)

// DumpCompression selects how Dump compresses its body.
type DumpCompression = crashdump.Compression

const (
	DumpNone = crashdump.CompressionNone
	DumpLZ4  = crashdump.CompressionLZ4
	DumpZSTD = crashdump.CompressionZSTD
)

// Dump writes a post-mortem snapshot of the reference count table and the
// free list order to w. The snapshot is taken under the lock; encoding and
// writing happen after it is released. Read it back with the inspect command
// of cmd/pagealloc.
//
// Dump is safe to call from a Halter.
func (a *Allocator) Dump(w io.Writer, c DumpCompression) error {
	slots, free := a.snapshot()

	h := crashdump.Header{
		Compression: c,
		TableBase:   a.layout.TableBase,
		Start:       a.layout.Start,
		End:         a.layout.End,
	}
	return crashdump.Write(w, h, slots, free)
}

func (a *Allocator) snapshot() ([]byte, []PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slots := a.table.Snapshot()

	// A corrupt list may cycle or point outside memory; record what can be
	// walked safely and stop.
	free := make([]PhysAddr, 0, a.free.Len())
	for pa := a.free.Head(); pa != freelist.Nil && len(free) < a.layout.Pages; pa = a.free.Next(pa) {
		free = append(free, pa)
		if _, ok := a.managedIndex(pa); !ok {
			break
		}
	}
	return slots, free
}
