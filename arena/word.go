package arena

import "encoding/binary"

// Single-word accessors used by linkage updates and repair. A chained
// record's prev/next fields are updated as independent 8-byte persisted
// writes; each write is individually flushed so a crash leaves at most one
// side of a link torn.

// Uint64 reads the little-endian word at off.
func (a *Arena) Uint64(off Offset) (uint64, error) {
	b, err := a.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PersistUint64 writes v at off and flushes exactly that word.
func (a *Arena) PersistUint64(off Offset, v uint64) error {
	b, err := a.Bytes(off, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return a.Persist(off, 8)
}
