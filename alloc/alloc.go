// Package alloc carves arena space into record-sized spans.
//
// The allocator is chunk-based: each writer slot owns a private cursor into
// a fixed-size chunk and satisfies requests by bumping it, with no locking
// on the fast path. When the current chunk cannot fit a request, a fresh
// chunk is taken from the shared pool (the only synchronized step) and the
// old chunk's leftover bytes are abandoned. Fragmentation is bounded by the
// chunk size; leftover space is reclaimed only by a future compaction pass.
//
// Requests larger than a chunk take whole contiguous chunks directly from
// the pool, so record placement always starts inside the chunk grid and a
// recovery scan can traverse the region chunk by chunk.
package alloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/pmemkv/arena"
)

// ErrOutOfSpace is returned when the arena cannot satisfy an allocation.
// The write in progress fails; the engine stays usable.
var ErrOutOfSpace = errors.New("alloc: out of space")

// granularity is the minimum allocation alignment. Record sizes are already
// rounded to it by the record layer.
const granularity = 8

// SizedSpaceEntry is an (offset, size) handle to a reserved span. Once
// returned from Allocate the span is exclusively owned by the caller until
// it is handed back to Free.
type SizedSpaceEntry struct {
	Offset arena.Offset
	Size   uint32
}

type slot struct {
	cur       arena.Offset
	remaining uint32
	_         [52]byte // keep slots on separate cache lines
}

// Allocator hands out arena space to a fixed set of writer slots.
type Allocator struct {
	a         *arena.Arena
	chunkSize uint32
	slots     []slot

	mu         sync.Mutex // guards pool cursor and the free set
	next       arena.Offset
	freed      *roaring64.Bitmap
	freedBytes uint64
}

// New creates an allocator over a for the given number of writer slots.
func New(a *arena.Arena, chunkSize uint32, slots int) (*Allocator, error) {
	if chunkSize == 0 || chunkSize%granularity != 0 {
		return nil, fmt.Errorf("alloc: invalid chunk size %d", chunkSize)
	}
	if slots <= 0 {
		return nil, fmt.Errorf("alloc: invalid slot count %d", slots)
	}
	al := &Allocator{
		a:         a,
		chunkSize: chunkSize,
		slots:     make([]slot, slots),
		freed:     roaring64.New(),
	}
	for i := range al.slots {
		al.slots[i].cur = arena.NullOffset
	}
	return al, nil
}

// ChunkSize returns the fixed chunk size.
func (al *Allocator) ChunkSize() uint32 { return al.chunkSize }

// Resume moves the pool cursor to the first chunk boundary at or after off.
// Recovery calls this after scanning so new allocations never land on live
// data. Partially used chunks below the cursor stay abandoned.
func (al *Allocator) Resume(off arena.Offset) {
	cs := uint64(al.chunkSize)
	aligned := (uint64(off) + cs - 1) / cs * cs
	al.mu.Lock()
	al.next = arena.Offset(aligned)
	al.mu.Unlock()
}

// Allocate reserves size bytes for the given writer slot. The returned span
// never overlaps any other live span.
func (al *Allocator) Allocate(slotIdx int, size uint32) (SizedSpaceEntry, error) {
	if size == 0 || size%granularity != 0 {
		return SizedSpaceEntry{}, fmt.Errorf("alloc: invalid request size %d", size)
	}
	if slotIdx < 0 || slotIdx >= len(al.slots) {
		return SizedSpaceEntry{}, fmt.Errorf("alloc: invalid slot %d", slotIdx)
	}
	if size > al.chunkSize {
		// Whole-chunk allocation straight from the pool.
		off, err := al.takeChunks(size)
		if err != nil {
			return SizedSpaceEntry{}, err
		}
		return SizedSpaceEntry{Offset: off, Size: size}, nil
	}

	s := &al.slots[slotIdx]
	if s.cur == arena.NullOffset || s.remaining < size {
		off, err := al.takeChunks(al.chunkSize)
		if err != nil {
			return SizedSpaceEntry{}, err
		}
		// Leftover bytes of the previous chunk are abandoned.
		s.cur = off
		s.remaining = al.chunkSize
	}
	e := SizedSpaceEntry{Offset: s.cur, Size: size}
	s.cur += arena.Offset(size)
	s.remaining -= size
	return e, nil
}

func (al *Allocator) takeChunks(size uint32) (arena.Offset, error) {
	cs := uint64(al.chunkSize)
	n := (uint64(size) + cs - 1) / cs * cs
	al.mu.Lock()
	defer al.mu.Unlock()
	if uint64(al.next)+n > al.a.Size() {
		return arena.NullOffset, fmt.Errorf("%w: need %d bytes, %d left", ErrOutOfSpace, n, al.a.Size()-uint64(al.next))
	}
	off := al.next
	al.next += arena.Offset(n)
	return off, nil
}

// Free returns a span to the allocator. Freed space is recorded for a
// future compaction pass but is never reused by Allocate; callers must
// tolerate monotonic growth until compaction exists.
func (al *Allocator) Free(e SizedSpaceEntry) {
	if e.Offset == arena.NullOffset || e.Size == 0 {
		return
	}
	al.mu.Lock()
	if !al.freed.Contains(uint64(e.Offset)) {
		al.freed.Add(uint64(e.Offset))
		al.freedBytes += uint64(e.Size)
	}
	al.mu.Unlock()
}

// FreedBytes returns the total bytes handed to Free so far.
func (al *Allocator) FreedBytes() uint64 {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.freedBytes
}

// FreedSpans returns a copy of the freed-offset set. Intended for a future
// compactor and for introspection in tests.
func (al *Allocator) FreedSpans() *roaring64.Bitmap {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.freed.Clone()
}
