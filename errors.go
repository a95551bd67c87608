package pmemkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/arena"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when the engine has been closed.
	ErrClosed = errors.New("engine closed")

	// ErrEmptyKey is returned before any allocation when a key (or a
	// collection name) is empty.
	ErrEmptyKey = errors.New("empty key")

	// ErrKeyTooLarge is returned before any allocation when a key exceeds
	// the format-imposed maximum.
	ErrKeyTooLarge = errors.New("key exceeds maximum size")

	// ErrValueTooLarge is returned before any allocation when a value
	// exceeds the format-imposed maximum.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrOutOfSpace is returned when the arena cannot satisfy a write.
	// The failed write is not retried; the engine stays usable.
	ErrOutOfSpace = alloc.ErrOutOfSpace
)

// ConfigMismatchError is returned by Open when the immutable configuration
// persisted at create time does not match the requested options. This is
// startup-fatal: the arena layout depends on these settings.
type ConfigMismatchError struct {
	Field     string
	Persisted uint64
	Requested uint64
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("immutable config mismatch: %s persisted as %d, requested %d", e.Field, e.Persisted, e.Requested)
}

// BrokenLinkageError reports a chained record whose half-established
// linkage cannot have been produced by a correctly functioning writer:
// either it is linked from the right but not the left (the insertion
// protocol establishes the left link first), or it is linked from the left
// but carries an older timestamp than a neighbor (a torn insertion is
// always the newest record of its triple). Both signal real corruption.
// Recovery fails rather than guessing a repair: safety over availability.
type BrokenLinkageError struct {
	Offset arena.Offset
	Reason string
}

func (e *BrokenLinkageError) Error() string {
	return fmt.Sprintf("broken record linkage at offset %d: %s", e.Offset, e.Reason)
}
