// Package record defines the on-media layout of durable key/value records
// and the protocol that persists them.
//
// Two variants share a common fixed header:
//
//	Flat:    [TotalSize:4][Checksum:4][Timestamp:8][Type:2][KeyLen:2][ValLen:4] || key || value
//	Chained: same header || [Prev:8][Next:8] || key || value
//
// All fields are little-endian. TotalSize is the allocated size (header +
// key + value rounded up to the allocator granularity) and is what a
// recovery scan uses to advance past the record, valid or not. The checksum
// covers TotalSize, Timestamp, Type, KeyLen, ValLen, key, and value. It
// deliberately excludes Prev and Next: linkage words are rewritten in place
// during insertion and repair, after the record itself is durable.
//
// This layout is load-bearing for crash recovery and must remain stable for
// a given on-media version.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/hupe1980/pmemkv/arena"
)

// Type identifies what a record represents. Types are bit-assigned so
// callers can match against masks of related kinds.
type Type uint16

const (
	// TypeString is a standalone key/value entry in the anonymous key space.
	TypeString Type = 1 << iota
	// TypeStringDelete is a tombstone for an anonymous-space key.
	TypeStringDelete
	// TypeSortedHeader anchors a sorted collection's record chain.
	TypeSortedHeader
	// TypeSorted is a member of a sorted collection.
	TypeSorted
	// TypeSortedDelete is a tombstone member of a sorted collection.
	TypeSortedDelete
	// TypeHashHeader anchors an unordered collection's record chain.
	TypeHashHeader
	// TypeHash is a member of an unordered collection.
	TypeHash
	// TypeHashDelete is a tombstone member of an unordered collection.
	TypeHashDelete

	typeLimit
)

const (
	// FlatMask matches the standalone record kinds.
	FlatMask = TypeString | TypeStringDelete
	// ChainedMask matches every doubly-linked record kind.
	ChainedMask = TypeSortedHeader | TypeSorted | TypeSortedDelete |
		TypeHashHeader | TypeHash | TypeHashDelete
	// DeleteMask matches the tombstone kinds.
	DeleteMask = TypeStringDelete | TypeSortedDelete | TypeHashDelete
	// HeaderMask matches the collection anchor kinds.
	HeaderMask = TypeSortedHeader | TypeHashHeader
)

// Valid reports whether t is exactly one known record type.
func (t Type) Valid() bool {
	return t != 0 && t < typeLimit && t&(t-1) == 0
}

// Chained reports whether records of this type carry prev/next linkage.
func (t Type) Chained() bool { return t&ChainedMask != 0 }

// Delete reports whether records of this type are tombstones.
func (t Type) Delete() bool { return t&DeleteMask != 0 }

const (
	// FlatHeaderSize is the fixed header size of a flat record.
	FlatHeaderSize = 24
	// ChainedHeaderSize is the fixed header size of a chained record.
	ChainedHeaderSize = FlatHeaderSize + 16
	// Alignment is the allocator granularity record sizes are rounded to.
	Alignment = 8

	// MaxKeyLen is imposed by the key-length field width.
	MaxKeyLen = 1<<16 - 1
	// MaxValueLen stops short of the value field's width: the aligned
	// total of header, maximum key, and value must still fit the 32-bit
	// size field, or FlatSize and ChainedSize would wrap.
	MaxValueLen = 1<<32 - 1 - ChainedHeaderSize - MaxKeyLen - (Alignment - 1)

	offTotalSize = 0
	offChecksum  = 4
	offTimestamp = 8
	offType      = 16
	offKeyLen    = 18
	offValLen    = 20
	offPrev      = 24
	offNext      = 32
)

// Align rounds n up to the allocator granularity.
func Align(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// FlatSize returns the allocated size of a flat record with the given
// payload lengths.
func FlatSize(keyLen, valLen int) uint32 {
	return uint32(Align(FlatHeaderSize + uint64(keyLen) + uint64(valLen)))
}

// ChainedSize returns the allocated size of a chained record with the given
// payload lengths.
func ChainedSize(keyLen, valLen int) uint32 {
	return uint32(Align(ChainedHeaderSize + uint64(keyLen) + uint64(valLen)))
}

// Record is a bounds-checked view of a persisted record inside an arena.
// Fixed header fields are decoded once at construction; linkage words are
// read live because repair rewrites them in place.
type Record struct {
	a   *arena.Arena
	off arena.Offset

	totalSize uint32
	checksum  uint32
	timestamp uint64
	typ       Type
	keyLen    uint16
	valLen    uint32
}

// At decodes the record header at off. It validates that the declared
// size, type, and payload lengths are internally consistent and that the
// whole record lies inside the arena. It does not verify the checksum;
// call Validate for that.
func At(a *arena.Arena, off arena.Offset) (Record, error) {
	hdr, err := a.Bytes(off, FlatHeaderSize)
	if err != nil {
		return Record{}, err
	}
	r := Record{
		a:         a,
		off:       off,
		totalSize: binary.LittleEndian.Uint32(hdr[offTotalSize:]),
		checksum:  binary.LittleEndian.Uint32(hdr[offChecksum:]),
		timestamp: binary.LittleEndian.Uint64(hdr[offTimestamp:]),
		typ:       Type(binary.LittleEndian.Uint16(hdr[offType:])),
		keyLen:    binary.LittleEndian.Uint16(hdr[offKeyLen:]),
		valLen:    binary.LittleEndian.Uint32(hdr[offValLen:]),
	}
	if !r.typ.Valid() {
		return Record{}, fmt.Errorf("record at %d: unknown type 0x%x", off, uint16(r.typ))
	}
	hdrSize := uint64(FlatHeaderSize)
	if r.typ.Chained() {
		hdrSize = ChainedHeaderSize
	}
	need := Align(hdrSize + uint64(r.keyLen) + uint64(r.valLen))
	if uint64(r.totalSize) != need {
		return Record{}, fmt.Errorf("record at %d: declared size %d does not match payload (%d)", off, r.totalSize, need)
	}
	if !a.Contains(off, int(r.totalSize)) {
		return Record{}, fmt.Errorf("record at %d: size %d exceeds arena: %w", off, r.totalSize, arena.ErrOutOfRange)
	}
	return r, nil
}

// Offset returns the record's position in the arena.
func (r Record) Offset() arena.Offset { return r.off }

// TotalSize returns the allocated size, including alignment padding.
func (r Record) TotalSize() uint32 { return r.totalSize }

// Timestamp returns the record's logical timestamp.
func (r Record) Timestamp() uint64 { return r.timestamp }

// Type returns the record type.
func (r Record) Type() Type { return r.typ }

// Chained reports whether the record carries prev/next linkage.
func (r Record) Chained() bool { return r.typ.Chained() }

func (r Record) headerSize() int {
	if r.typ.Chained() {
		return ChainedHeaderSize
	}
	return FlatHeaderSize
}

// Key returns the key bytes. The slice aliases the arena.
func (r Record) Key() []byte {
	b, _ := r.a.Bytes(r.off+arena.Offset(r.headerSize()), int(r.keyLen))
	return b
}

// Value returns the value bytes. The slice aliases the arena.
func (r Record) Value() []byte {
	b, _ := r.a.Bytes(r.off+arena.Offset(r.headerSize())+arena.Offset(r.keyLen), int(r.valLen))
	return b
}

// Prev returns the current predecessor offset. Read live: repair may have
// rewritten it since the view was created.
func (r Record) Prev() arena.Offset {
	v, _ := r.a.Uint64(r.PrevFieldOffset())
	return arena.Offset(v)
}

// Next returns the current successor offset.
func (r Record) Next() arena.Offset {
	v, _ := r.a.Uint64(r.NextFieldOffset())
	return arena.Offset(v)
}

// PrevFieldOffset returns the arena offset of the prev linkage word.
func (r Record) PrevFieldOffset() arena.Offset { return r.off + offPrev }

// NextFieldOffset returns the arena offset of the next linkage word.
func (r Record) NextFieldOffset() arena.Offset { return r.off + offNext }

// Validate recomputes the checksum over the persisted image and compares it
// with the stored value.
func (r Record) Validate() error {
	sum := checksumParts(r.totalSize, r.timestamp, r.typ, r.Key(), r.Value())
	if sum != r.checksum {
		return &ChecksumMismatchError{Expected: r.checksum, Actual: sum}
	}
	return nil
}

// checksumParts computes the record checksum from its covered fields. The
// same routine serves construction and validation so the two can never
// drift apart.
func checksumParts(totalSize uint32, timestamp uint64, typ Type, key, value []byte) uint32 {
	var scratch [20]byte
	binary.LittleEndian.PutUint32(scratch[0:], totalSize)
	binary.LittleEndian.PutUint64(scratch[4:], timestamp)
	binary.LittleEndian.PutUint16(scratch[12:], uint16(typ))
	binary.LittleEndian.PutUint16(scratch[14:], uint16(len(key)))
	binary.LittleEndian.PutUint32(scratch[16:], uint32(len(value)))
	sum := crc32.Update(0, CRC32Table, scratch[:])
	sum = crc32.Update(sum, CRC32Table, key)
	sum = crc32.Update(sum, CRC32Table, value)
	return sum
}
