package record

import (
	"fmt"
	"hash/crc32"
)

// Record checksums use CRC32 (IEEE polynomial): fast, hardware-accelerated
// on modern CPUs, and good at detecting storage corruption. Not
// cryptographically secure; this only guards against accidental corruption
// and torn writes, not tampering.

// CRC32Table is the IEEE polynomial table for checksum computation.
var CRC32Table = crc32.MakeTable(crc32.IEEE)

// ChecksumMismatchError is returned when a persisted record fails
// verification. Recovery treats such records as never written.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("record checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// IsChecksumMismatch returns true if err is a checksum mismatch error.
func IsChecksumMismatch(err error) bool {
	_, ok := err.(*ChecksumMismatchError)
	return ok
}
