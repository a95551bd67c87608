package pmemkv

import (
	"github.com/hupe1980/pmemkv/record"
)

// writeContext is the per-writer-slot state: the reusable staging buffer,
// the last timestamp issued through this slot, and the slot's pending-batch
// file path. A mutating operation acquires a context for its duration; the
// pool bounds write concurrency to MaxWriteSlots.
//
// This is the scoped replacement for the ambient thread-local state a
// C-style implementation would use: contexts are created once at engine
// startup and handed out explicitly.
type writeContext struct {
	slot    int
	staging *record.Staging
	lastTS  uint64
}

// nextTimestamp returns a timestamp strictly greater than any previously
// issued through this context, even on coarse clocks.
func (wc *writeContext) nextTimestamp(auth *timestampAuthority) uint64 {
	ts := auth.now()
	if ts <= wc.lastTS {
		ts = wc.lastTS + 1
	}
	wc.lastTS = ts
	return ts
}

// contextPool hands out write contexts. Acquire blocks while all slots are
// busy, which is the engine's only writer-side backpressure point; the
// record fast path itself takes no locks.
type contextPool struct {
	ch chan *writeContext
}

func newContextPool(slots int, stagingSize int) *contextPool {
	p := &contextPool{ch: make(chan *writeContext, slots)}
	for i := 0; i < slots; i++ {
		p.ch <- &writeContext{
			slot:    i,
			staging: record.NewStaging(stagingSize),
		}
	}
	return p
}

func (p *contextPool) acquire() *writeContext { return <-p.ch }

func (p *contextPool) release(wc *writeContext) { p.ch <- wc }

// acquireWriter blocks until a write slot is free or shutdown begins.
// Close drains the pool permanently, so a writer that passed checkOpen
// just before Close and then waited on the pool alone would never wake.
func (e *Engine) acquireWriter() (*writeContext, error) {
	select {
	case wc := <-e.pool.ch:
		return wc, nil
	case <-e.stopCh:
		return nil, ErrClosed
	}
}
