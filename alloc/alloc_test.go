package alloc_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/arena"
)

func TestAllocate_BumpWithinChunk(t *testing.T) {
	a := arena.NewHeap(1 << 20)
	defer a.Close()

	al, err := alloc.New(a, 4096, 1)
	require.NoError(t, err)

	e1, err := al.Allocate(0, 64)
	require.NoError(t, err)
	e2, err := al.Allocate(0, 64)
	require.NoError(t, err)
	assert.Equal(t, e1.Offset+64, e2.Offset, "same-slot allocations are contiguous within a chunk")
}

func TestAllocate_AbandonsChunkTail(t *testing.T) {
	a := arena.NewHeap(1 << 20)
	defer a.Close()

	al, err := alloc.New(a, 4096, 1)
	require.NoError(t, err)

	_, err = al.Allocate(0, 4000)
	require.NoError(t, err)

	// 96 bytes remain in the chunk; a 128-byte request must start a new one.
	e, err := al.Allocate(0, 128)
	require.NoError(t, err)
	assert.Equal(t, arena.Offset(4096), e.Offset)
}

func TestAllocate_OversizeTakesWholeChunks(t *testing.T) {
	a := arena.NewHeap(1 << 20)
	defer a.Close()

	al, err := alloc.New(a, 4096, 2)
	require.NoError(t, err)

	e, err := al.Allocate(0, 10000)
	require.NoError(t, err)
	assert.Equal(t, arena.Offset(0), e.Offset)
	assert.Equal(t, uint32(10000), e.Size)

	// The oversize request consumed three whole chunks.
	e2, err := al.Allocate(1, 64)
	require.NoError(t, err)
	assert.Equal(t, arena.Offset(3*4096), e2.Offset)
}

func TestAllocate_OutOfSpace(t *testing.T) {
	a := arena.NewHeap(8192)
	defer a.Close()

	al, err := alloc.New(a, 4096, 1)
	require.NoError(t, err)

	_, err = al.Allocate(0, 4096)
	require.NoError(t, err)
	_, err = al.Allocate(0, 4096)
	require.NoError(t, err)
	_, err = al.Allocate(0, 8)
	assert.ErrorIs(t, err, alloc.ErrOutOfSpace)
}

func TestAllocate_RejectsBadRequests(t *testing.T) {
	a := arena.NewHeap(1 << 16)
	defer a.Close()

	al, err := alloc.New(a, 4096, 1)
	require.NoError(t, err)

	_, err = al.Allocate(0, 0)
	assert.Error(t, err)
	_, err = al.Allocate(0, 7)
	assert.Error(t, err, "sizes must be granularity-aligned")
	_, err = al.Allocate(1, 64)
	assert.Error(t, err, "slot index out of range")
}

func TestResume_RoundsUpToChunkBoundary(t *testing.T) {
	a := arena.NewHeap(1 << 20)
	defer a.Close()

	al, err := alloc.New(a, 4096, 1)
	require.NoError(t, err)

	al.Resume(5000)
	e, err := al.Allocate(0, 64)
	require.NoError(t, err)
	assert.Equal(t, arena.Offset(8192), e.Offset)
}

func TestFree_RecordsWithoutReuse(t *testing.T) {
	a := arena.NewHeap(1 << 20)
	defer a.Close()

	al, err := alloc.New(a, 4096, 1)
	require.NoError(t, err)

	e, err := al.Allocate(0, 256)
	require.NoError(t, err)
	al.Free(e)
	al.Free(e) // double free is absorbed
	assert.Equal(t, uint64(256), al.FreedBytes())
	assert.True(t, al.FreedSpans().Contains(uint64(e.Offset)))

	// Freed space is never handed out again.
	e2, err := al.Allocate(0, 256)
	require.NoError(t, err)
	assert.NotEqual(t, e.Offset, e2.Offset)
}

func TestAllocate_ConcurrentSlotsDisjoint(t *testing.T) {
	a := arena.NewHeap(64 << 20)
	defer a.Close()

	const (
		slots   = 8
		perSlot = 2000
	)
	al, err := alloc.New(a, 1<<20, slots)
	require.NoError(t, err)

	results := make([][]alloc.SizedSpaceEntry, slots)
	var wg sync.WaitGroup
	for s := 0; s < slots; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			out := make([]alloc.SizedSpaceEntry, 0, perSlot)
			for i := 0; i < perSlot; i++ {
				size := uint32(8 * (1 + i%64))
				e, err := al.Allocate(s, size)
				if err != nil {
					t.Error(err)
					return
				}
				out = append(out, e)
			}
			results[s] = out
		}(s)
	}
	wg.Wait()

	// No two spans may overlap, across all slots.
	type span struct{ start, end uint64 }
	all := make([]span, 0, slots*perSlot)
	for _, rs := range results {
		for _, e := range rs {
			all = append(all, span{uint64(e.Offset), uint64(e.Offset) + uint64(e.Size)})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].start < all[j].start })
	for i := 1; i < len(all); i++ {
		if all[i].start < all[i-1].end {
			t.Fatalf("overlapping spans [%d,%d) and [%d,%d)",
				all[i-1].start, all[i-1].end, all[i].start, all[i].end)
		}
	}
}
