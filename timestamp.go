package pmemkv

import (
	"sync/atomic"
	"time"
)

// timestampAuthority assigns logical timestamps to records.
//
// Timestamps are derived from the monotonic clock, rebased at startup to
// continue from the newest timestamp observed during recovery. They never
// regress across restarts even though the underlying clock resets with the
// process.
//
// Issuance is strictly increasing engine-wide, across all write slots:
// linkage repair decides whether a half-linked record is a torn insertion
// or corruption by comparing its timestamp against its neighbors', which
// only works if "persisted later" always means "larger timestamp". Batch
// records deliberately share one timestamp; equal-timestamp versions of a
// key are broken deterministically by arena offset order.
type timestampAuthority struct {
	start time.Time
	base  uint64
	last  atomic.Uint64
}

func newTimestampAuthority(newestOnStartup uint64) *timestampAuthority {
	t := &timestampAuthority{
		start: time.Now(),
		base:  newestOnStartup,
	}
	t.last.Store(newestOnStartup)
	return t
}

// now returns a timestamp strictly greater than every one issued before
// it, on any slot, and greater than every timestamp restored from the
// previous run. The clock only advances the value; it never decides ties.
func (t *timestampAuthority) now() uint64 {
	for {
		ts := t.base + uint64(time.Since(t.start)) + 1
		last := t.last.Load()
		if ts <= last {
			ts = last + 1
		}
		if t.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}
