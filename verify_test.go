package pagealloc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_Counts(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	p1, err := a.Alloc()
	require.NoError(t, err)
	p2, err := a.Alloc()
	require.NoError(t, err)
	_, err = a.Alloc()
	require.NoError(t, err)

	a.Touch(p1)
	a.Touch(p1)
	a.Touch(p2)

	r, err := a.Verify()
	require.NoError(t, err)
	assert.Equal(t, Report{Listed: 5, Allocated: 3, Shared: 2}, r)
}

func TestVerify_InTransitPage(t *testing.T) {
	a, _ := newTestAllocator(t, 4)

	pa, err := a.Alloc()
	require.NoError(t, err)

	// A Free between dropping the count and linking the page.
	idx, ok := a.table.Index(pa)
	require.True(t, ok)
	a.table.Set(idx, 0)

	r, err := a.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, r.InTransit)
	assert.Equal(t, 3, r.Listed)
}

func TestVerify_DetectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, a *Allocator)
		msg     string
	}{
		{
			name: "cycle",
			corrupt: func(t *testing.T, a *Allocator) {
				a.free.Push(a.free.Head())
			},
			msg: "linked twice",
		},
		{
			name: "listed page owned",
			corrupt: func(t *testing.T, a *Allocator) {
				idx, ok := a.table.Index(a.free.Head())
				require.True(t, ok)
				a.table.Set(idx, 2)
			},
			msg: "has count 2",
		},
		{
			name: "link into table",
			corrupt: func(t *testing.T, a *Allocator) {
				link := a.mem.Slice(a.free.Head(), 8)
				binary.LittleEndian.PutUint64(link, uint64(a.layout.TableBase))
			},
			msg: "outside managed range",
		},
		{
			name: "table page free",
			corrupt: func(t *testing.T, a *Allocator) {
				a.table.Set(0, 0)
			},
			msg: "table page",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAllocator(t, 4)
			tt.corrupt(t, a)

			_, err := a.Verify()
			require.ErrorIs(t, err, ErrInconsistent)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
