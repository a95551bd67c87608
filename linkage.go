package pmemkv

import (
	"context"
	"fmt"

	"github.com/hupe1980/pmemkv/arena"
	"github.com/hupe1980/pmemkv/record"
)

// Chained-record insertion is a three-step protocol:
//
//  1. persist the new record N with prev/next already pointing at its
//     intended neighbors;
//  2. persist pred.next = N (single-word flush);
//  3. persist succ.prev = N (single-word flush).
//
// The caller serializes concurrent structural changes at the same list
// position (per-collection mutex); the linkage words are the only memory a
// writer shares with records owned by other slots.

type linkState int

const (
	// linkFull: both neighbors point at the record. Steady state.
	linkFull linkState = iota
	// linkLeftOnly: crash between steps 2 and 3. Repairable, but only
	// when the record is strictly newer than both neighbors: a torn
	// insertion is by construction the last record written among the
	// three. A left-only record older than a neighbor is corruption
	// wearing a repairable shape, and completing its link would
	// overwrite the evidence.
	linkLeftOnly
	// linkNone: crash before step 2, or the record was replaced in place
	// by a newer version. The record is valid but not part of any chain;
	// it is ignored and eligible for reclamation.
	linkNone
	// linkImpossible: linked from the right but not the left. The
	// insertion order cannot produce this as a settled state; recovery
	// re-checks it once all repairs have run (a pending repair of a
	// neighbor resolves it) and treats it as a fatal integrity fault only
	// if it persists.
	linkImpossible
)

// linkRecord performs steps 2 and 3 for a freshly persisted record.
func (e *Engine) linkRecord(pred, succ record.Record, off arena.Offset) error {
	if err := e.a.PersistUint64(pred.NextFieldOffset(), uint64(off)); err != nil {
		return err
	}
	return e.a.PersistUint64(succ.PrevFieldOffset(), uint64(off))
}

// classifyLinkage inspects both neighbors of a checksum-valid chained
// record.
func (e *Engine) classifyLinkage(rec record.Record) (linkState, error) {
	off := rec.Offset()
	prev, err := record.At(e.a, rec.Prev())
	if err != nil {
		return 0, fmt.Errorf("record at %d: unreadable predecessor: %w", off, err)
	}
	next, err := record.At(e.a, rec.Next())
	if err != nil {
		return 0, fmt.Errorf("record at %d: unreadable successor: %w", off, err)
	}
	leftLinked := prev.Next() == off
	rightLinked := next.Prev() == off
	switch {
	case leftLinked && rightLinked:
		return linkFull, nil
	case leftLinked:
		return linkLeftOnly, nil
	case rightLinked:
		return linkImpossible, nil
	default:
		return linkNone, nil
	}
}

// checkAndRepairLinkage classifies rec and completes step 3 if the
// insertion was torn between steps 2 and 3. Repair is idempotent: a second
// pass observes linkFull and writes nothing.
//
// It returns the post-repair state. linkImpossible is returned together
// with a BrokenLinkageError; callers either re-check after other repairs
// have run or treat it as fatal. No repair is ever guessed for it.
func (e *Engine) checkAndRepairLinkage(ctx context.Context, rec record.Record) (linkState, error) {
	state, err := e.classifyLinkage(rec)
	if err != nil {
		return state, err
	}
	switch state {
	case linkLeftOnly:
		prev, err := record.At(e.a, rec.Prev())
		if err != nil {
			return state, err
		}
		next, err := record.At(e.a, rec.Next())
		if err != nil {
			return state, err
		}
		if rec.Timestamp() <= prev.Timestamp() || rec.Timestamp() <= next.Timestamp() {
			// Timestamps are issued in strictly increasing order and a
			// record's neighbors are always fully linked before it is
			// written, so a torn insertion is newer than both. This one
			// is not; no repair is safe.
			return linkImpossible, &BrokenLinkageError{
				Offset: rec.Offset(),
				Reason: "left-linked record is older than its neighbors",
			}
		}
		if err := e.a.PersistUint64(next.PrevFieldOffset(), uint64(rec.Offset())); err != nil {
			return state, err
		}
		e.stats.repaired.Add(1)
		e.log.LogRepair(ctx, uint64(rec.Offset()))
		return linkFull, nil
	case linkImpossible:
		return state, &BrokenLinkageError{
			Offset: rec.Offset(),
			Reason: "linked right but not left",
		}
	default:
		return state, nil
	}
}
