package record

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/pmemkv/arena"
)

// DefaultStagingSize is the staging-buffer threshold that splits the
// small-record and large-record persist paths.
const DefaultStagingSize = 1 << 20

// Staging is a reusable per-writer construction buffer. Records no larger
// than the threshold are fully built here and reach the arena through one
// bulk copy plus a single drain, instead of per-field flushes. The buffer
// is lazily sized on first use and exclusively owned by one write context.
type Staging struct {
	buf       []byte
	threshold int
}

// NewStaging returns a staging buffer with the given threshold. A
// non-positive threshold selects DefaultStagingSize.
func NewStaging(threshold int) *Staging {
	if threshold <= 0 {
		threshold = DefaultStagingSize
	}
	return &Staging{threshold: threshold}
}

func (s *Staging) bytes() []byte {
	if s.buf == nil {
		s.buf = make([]byte, s.threshold)
	}
	return s.buf
}

// PersistFlat durably writes a flat record at space (off, size) and returns
// a view of it. size must be the aligned size previously requested from the
// allocator for this key/value pair.
//
// On return the record at off is durably visible and checksum-valid. A crash
// during the call leaves either the pre-write bytes or an image whose
// checksum fails validation; recovery discards the latter.
func PersistFlat(a *arena.Arena, st *Staging, off arena.Offset, size uint32, timestamp uint64, typ Type, key, value []byte) (Record, error) {
	if typ.Chained() {
		return Record{}, fmt.Errorf("record: %v is not a flat type", typ)
	}
	return persist(a, st, off, size, timestamp, typ, 0, 0, key, value)
}

// PersistChained durably writes a chained record at space (off, size), with
// its prev/next linkage words already pointing at the intended neighbors.
// Linking the neighbors back is the caller's separate, weaker-guaranteed
// step.
func PersistChained(a *arena.Arena, st *Staging, off arena.Offset, size uint32, timestamp uint64, typ Type, prev, next arena.Offset, key, value []byte) (Record, error) {
	if !typ.Chained() {
		return Record{}, fmt.Errorf("record: %v is not a chained type", typ)
	}
	return persist(a, st, off, size, timestamp, typ, prev, next, key, value)
}

// Invalidate rewrites the header at off so a recovery scan steps over the
// span without ever accepting its contents: the size field is forced to
// the allocated size and the type field cleared, which no validation
// accepts. It retires records whose write was abandoned partway, in any
// write state from untouched space to a fully formed image.
func Invalidate(a *arena.Arena, off arena.Offset, size uint32) error {
	hdr, err := a.Bytes(off, FlatHeaderSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[offTotalSize:], size)
	binary.LittleEndian.PutUint16(hdr[offType:], 0)
	return a.Persist(off, FlatHeaderSize)
}

func persist(a *arena.Arena, st *Staging, off arena.Offset, size uint32, timestamp uint64, typ Type, prev, next arena.Offset, key, value []byte) (Record, error) {
	if len(key) > MaxKeyLen {
		return Record{}, fmt.Errorf("record: key length %d exceeds maximum %d", len(key), MaxKeyLen)
	}
	hdrSize := FlatHeaderSize
	if typ.Chained() {
		hdrSize = ChainedHeaderSize
	}
	writeSize := hdrSize + len(key) + len(value)
	if uint64(size) != Align(uint64(writeSize)) {
		return Record{}, fmt.Errorf("record: allocated size %d does not fit record of %d bytes", size, writeSize)
	}

	var target []byte
	staged := st != nil && writeSize <= st.threshold
	if staged {
		target = st.bytes()[:writeSize]
	} else {
		var err error
		target, err = a.Bytes(off, writeSize)
		if err != nil {
			return Record{}, err
		}
	}

	// The image is fully formed, checksum included, before the flush that
	// makes it durable.
	binary.LittleEndian.PutUint32(target[offTotalSize:], size)
	binary.LittleEndian.PutUint64(target[offTimestamp:], timestamp)
	binary.LittleEndian.PutUint16(target[offType:], uint16(typ))
	binary.LittleEndian.PutUint16(target[offKeyLen:], uint16(len(key)))
	binary.LittleEndian.PutUint32(target[offValLen:], uint32(len(value)))
	if typ.Chained() {
		binary.LittleEndian.PutUint64(target[offPrev:], uint64(prev))
		binary.LittleEndian.PutUint64(target[offNext:], uint64(next))
	}
	copy(target[hdrSize:], key)
	copy(target[hdrSize+len(key):], value)
	binary.LittleEndian.PutUint32(target[offChecksum:], checksumParts(size, timestamp, typ, key, value))

	if staged {
		if err := a.CopyAndDrain(off, target); err != nil {
			return Record{}, err
		}
	} else {
		if err := a.Persist(off, writeSize); err != nil {
			return Record{}, err
		}
	}
	return At(a, off)
}
