// Package arena provides the byte-addressable persistent region that all
// records live in.
//
// An Arena owns one contiguous byte region, either a MAP_SHARED mapping of a
// pre-sized file (persistent) or plain heap memory (volatile fallback, used
// in tests and for throwaway instances). All inter-record references are
// Offsets into the region, never raw pointers; every access is bounds-checked
// against the region size before a byte slice view is handed out.
//
// Durability primitives:
//   - Persist(off, n) flushes exactly the written range and fences (msync on
//     the page-aligned covering range).
//   - CopyAndDrain(off, src) is the bulk non-temporal path: one copy from a
//     staging buffer followed by a single drain of the whole range.
package arena

import (
	"errors"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// Offset is a position inside an Arena. Offsets are what records store in
// place of pointers; NullOffset marks the absence of a reference.
type Offset uint64

// NullOffset is never a valid record position.
const NullOffset Offset = math.MaxUint64

// ErrOutOfRange is returned when an offset/length pair does not fit inside
// the arena.
var ErrOutOfRange = errors.New("arena: offset out of range")

// Arena is a contiguous persistent (or heap-backed) byte region.
type Arena struct {
	data       []byte
	file       *os.File
	persistent bool
}

// Create creates path with the given fixed size and maps it read-write.
// The file is pre-allocated and zero-filled by the filesystem.
func Create(path string, size uint64) (*Arena, error) {
	if size == 0 || size > math.MaxInt64 {
		return nil, fmt.Errorf("arena: invalid size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	return mapFile(f, size)
}

// OpenFile maps an existing arena file created by Create. The size must match
// what the file was created with; callers verify it against their immutable
// configuration before opening.
func OpenFile(path string, size uint64) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(fi.Size()) != size {
		f.Close()
		return nil, fmt.Errorf("arena: file size %d does not match expected %d", fi.Size(), size)
	}
	return mapFile(f, size)
}

func mapFile(f *os.File, size uint64) (*Arena, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap: %w", err)
	}
	return &Arena{data: data, file: f, persistent: true}, nil
}

// NewHeap returns a volatile heap-backed arena. Persist and drain calls are
// no-ops; contents do not survive the process.
func NewHeap(size uint64) *Arena {
	return &Arena{data: make([]byte, size)}
}

// Size returns the total arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Persistent reports whether the arena is backed by a mapped file.
func (a *Arena) Persistent() bool { return a.persistent }

// Bytes returns a writable view of [off, off+n). The view aliases the arena
// region and is invalidated by Close.
func (a *Arena) Bytes(off Offset, n int) ([]byte, error) {
	if n < 0 || off == NullOffset || uint64(off) > uint64(len(a.data)) || uint64(n) > uint64(len(a.data))-uint64(off) {
		return nil, fmt.Errorf("%w: off=%d len=%d size=%d", ErrOutOfRange, off, n, len(a.data))
	}
	return a.data[off : uint64(off)+uint64(n) : uint64(off)+uint64(n)], nil
}

// Contains reports whether [off, off+n) lies inside the arena.
func (a *Arena) Contains(off Offset, n int) bool {
	_, err := a.Bytes(off, n)
	return err == nil
}

// Persist flushes [off, off+n) to the backing file and fences. For heap
// arenas this is a no-op.
func (a *Arena) Persist(off Offset, n int) error {
	if _, err := a.Bytes(off, n); err != nil {
		return err
	}
	if !a.persistent || n == 0 {
		return nil
	}
	return a.msyncRange(uint64(off), uint64(n))
}

// CopyAndDrain copies src into the arena at off and issues a single drain
// over the whole range. This is the staging-buffer persist path: the record
// image is fully formed in src before any byte reaches the arena.
func (a *Arena) CopyAndDrain(off Offset, src []byte) error {
	dst, err := a.Bytes(off, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	if !a.persistent || len(src) == 0 {
		return nil
	}
	return a.msyncRange(uint64(off), uint64(len(src)))
}

// msync requires a page-aligned address, so flush the covering aligned range.
func (a *Arena) msyncRange(off, n uint64) error {
	pg := uint64(os.Getpagesize())
	start := off &^ (pg - 1)
	end := off + n
	if err := unix.Msync(a.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("arena: msync: %w", err)
	}
	return nil
}

// Close flushes (persistent arenas only), unmaps, and closes the backing
// file. All previously returned views become invalid.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	if a.persistent {
		if err := unix.Msync(a.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("arena: msync: %w", err)
		}
		data := a.data
		a.data = nil
		if err := unix.Munmap(data); err != nil {
			a.file.Close()
			return fmt.Errorf("arena: munmap: %w", err)
		}
		return a.file.Close()
	}
	a.data = nil
	return nil
}
