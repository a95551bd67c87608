package pmemkv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/arena"
	"github.com/hupe1980/pmemkv/record"
)

// Recovery runs before any writer is admitted and proceeds in phases:
//
//  1. Pending-batch resolution: descriptors left behind by interrupted
//     batch writes widen validation. Each named record is re-verified
//     (checksum and batch timestamp); a batch that is not fully present is
//     rolled back by discarding its written members.
//  2. Discovery: a sequential cursor walks the region chunk by chunk,
//     advancing by each record's declared size. The size field is read
//     before any validation, so one corrupt record never desynchronizes the
//     scan of its successors. A zero size marks an abandoned chunk tail.
//  3. Validation, parallel across shards of the discovered records
//     (x/sync errgroup): header sanity and checksum checks only, which
//     touch no shared state.
//  4. Barrier, then linkage resolution, serial: chained records are
//     classified and torn-left insertions repaired in place. A record that
//     looks linked only from the right is re-checked after all repairs,
//     because a pending repair of its new predecessor (or a completed
//     in-place replacement) is usually what explains it; only if the state
//     persists is it a fatal integrity fault.
//  5. Installation: collection headers first, then members (a member whose
//     header was lost to corruption is discarded with it), then flat
//     records. For each key the highest timestamp wins; ties are broken by
//     higher offset.
type candidate struct {
	off  arena.Offset
	size uint32
}

type shardResult struct {
	maxTS   uint64
	flats   []record.Record
	chained []record.Record
}

func (e *Engine) recover(ctx context.Context) error {
	discard := roaring64.New()
	if !e.opts.Volatile {
		if err := e.resolvePendingBatches(ctx, discard); err != nil {
			return err
		}
	}

	cands, end := e.discoverRecords(ctx)

	workers := e.opts.RecoveryWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if len(cands) > 0 && workers > len(cands) {
		workers = len(cands)
	}
	results := make([]shardResult, workers)

	g, gctx := errgroup.WithContext(ctx)
	per := (len(cands) + workers - 1) / workers
	for s := 0; s < workers; s++ {
		lo := s * per
		hi := min(lo+per, len(cands))
		if lo >= hi {
			continue
		}
		shard, res := cands[lo:hi], &results[s]
		g.Go(func() error {
			return e.validateShard(gctx, shard, discard, res)
		})
	}
	if err := g.Wait(); err != nil {
		e.log.LogRecovery(ctx, 0, int(e.stats.repaired.Load()), int(e.stats.discarded.Load()), err)
		return err
	}

	var maxTS uint64
	for i := range results {
		maxTS = max(maxTS, results[i].maxTS)
	}

	live, err := e.resolveLinkage(ctx, results)
	if err != nil {
		e.log.LogRecovery(ctx, 0, int(e.stats.repaired.Load()), int(e.stats.discarded.Load()), err)
		return err
	}

	if err := e.installRecovered(ctx, results, live); err != nil {
		e.log.LogRecovery(ctx, 0, int(e.stats.repaired.Load()), int(e.stats.discarded.Load()), err)
		return err
	}

	e.al.Resume(end)
	e.ts = newTimestampAuthority(maxTS)
	e.log.LogRecovery(ctx, int(e.stats.restored.Load()), int(e.stats.repaired.Load()), int(e.stats.discarded.Load()), nil)
	return nil
}

// resolvePendingBatches reads every slot's descriptor. Records of a batch
// that is not fully present are added to discard so the scan excludes them.
func (e *Engine) resolvePendingBatches(ctx context.Context, discard *roaring64.Bitmap) error {
	for slot := 0; slot < e.opts.MaxWriteSlots; slot++ {
		path := e.pendingBatchPath(slot)
		ts, offsets, ok, err := readPendingBatch(path)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		complete := true
		written := make([]arena.Offset, 0, len(offsets))
		for _, off := range offsets {
			rec, err := record.At(e.a, off)
			if err != nil || rec.Validate() != nil || rec.Timestamp() != ts {
				complete = false
				continue
			}
			written = append(written, off)
		}
		if !complete {
			// All-or-nothing: drop the members that did make it.
			for _, off := range written {
				discard.Add(uint64(off))
			}
			e.log.LogBatchRollback(ctx, slot, len(written))
		}
		if err := clearPendingBatch(path); err != nil {
			return err
		}
	}
	return nil
}

// discoverRecords walks the region and returns every record-shaped span
// plus the end of occupied space. It trusts only the declared size field;
// validation happens later, in parallel.
func (e *Engine) discoverRecords(ctx context.Context) ([]candidate, arena.Offset) {
	var (
		cands []candidate
		high  uint64
	)
	cs := uint64(e.al.ChunkSize())
	end := e.a.Size()
	pos := uint64(0)
	for pos+4 <= end {
		b, err := e.a.Bytes(arena.Offset(pos), 4)
		if err != nil {
			break
		}
		size := uint64(binary.LittleEndian.Uint32(b))
		if size == 0 {
			// Abandoned chunk tail or never-used chunk.
			pos = (pos/cs + 1) * cs
			continue
		}
		if size%record.Alignment != 0 || size < record.FlatHeaderSize || size > end-pos {
			// The size field itself is implausible; nothing after it in
			// this chunk can be trusted.
			e.log.LogDiscard(ctx, pos, "implausible record size")
			pos = (pos/cs + 1) * cs
			continue
		}
		cands = append(cands, candidate{off: arena.Offset(pos), size: uint32(size)})
		pos += size
		high = pos
	}
	return cands, arena.Offset(high)
}

// validateShard sanity-checks and checksums each candidate. Linkage is not
// examined here; that happens serially after the barrier.
func (e *Engine) validateShard(ctx context.Context, shard []candidate, discard *roaring64.Bitmap, res *shardResult) error {
	for _, c := range shard {
		rec, err := record.At(e.a, c.off)
		if err != nil {
			e.stats.discarded.Add(1)
			e.log.LogDiscard(ctx, uint64(c.off), "malformed header")
			continue
		}
		if err := rec.Validate(); err != nil {
			e.stats.discarded.Add(1)
			e.log.LogDiscard(ctx, uint64(c.off), "checksum mismatch")
			continue
		}
		res.maxTS = max(res.maxTS, rec.Timestamp())
		if discard.Contains(uint64(c.off)) {
			e.stats.discarded.Add(1)
			e.deferFree(alloc.SizedSpaceEntry{Offset: c.off, Size: c.size})
			continue
		}
		if !rec.Chained() {
			res.flats = append(res.flats, rec)
			continue
		}
		res.chained = append(res.chained, rec)
	}
	return nil
}

// resolveLinkage classifies every checksum-valid chained record and repairs
// torn-left insertions, returning the records that are part of a live
// chain. It runs after the validation barrier so repairs never race with
// classification.
func (e *Engine) resolveLinkage(ctx context.Context, results []shardResult) ([]record.Record, error) {
	var live, deferred []record.Record
	for i := range results {
		for _, rec := range results[i].chained {
			state, err := e.checkAndRepairLinkage(ctx, rec)
			if err != nil {
				var broken *BrokenLinkageError
				if errors.As(err, &broken) {
					// Linked only from the right. A repair still to come
					// may settle it; decide after the full pass.
					deferred = append(deferred, rec)
					continue
				}
				return nil, err
			}
			if state == linkNone {
				e.discardUnlinked(ctx, rec)
				continue
			}
			live = append(live, rec)
		}
	}
	for _, rec := range deferred {
		state, err := e.checkAndRepairLinkage(ctx, rec)
		if err != nil {
			return nil, err
		}
		if state == linkNone {
			// A replacement or a repaired insertion took over this
			// record's position; it is superseded, not corrupt.
			e.discardUnlinked(ctx, rec)
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

// discardUnlinked drops a valid record that is not part of any live chain:
// the insertion crashed before its left link was established, or a newer
// version replaced it in place.
func (e *Engine) discardUnlinked(ctx context.Context, rec record.Record) {
	e.stats.discarded.Add(1)
	e.log.LogDiscard(ctx, uint64(rec.Offset()), "unlinked record")
	e.deferFree(alloc.SizedSpaceEntry{Offset: rec.Offset(), Size: rec.TotalSize()})
}

// installRecovered populates the in-memory indexes: headers, then members,
// then flat records.
func (e *Engine) installRecovered(ctx context.Context, results []shardResult, live []record.Record) error {
	byID := make(map[uint64]any)
	var maxID uint64

	// Collection headers. Duplicate names can exist if a crash separated
	// header creation from its first use; the newest header owns the name,
	// older ones remain reachable by id only.
	for _, rec := range live {
		if rec.Type()&record.HeaderMask == 0 {
			continue
		}
		name := string(rec.Key())
		id := collectionIDOf(rec)
		maxID = max(maxID, id)
		switch rec.Type() {
		case record.TypeSortedHeader:
			c := newSortedCollection(name, id, rec)
			byID[id] = c
			if cur, ok := e.sorted[name]; !ok || rec.Timestamp() > cur.headerTS(e) {
				e.sorted[name] = c
			}
		case record.TypeHashHeader:
			c := newHashCollection(name, id, rec)
			byID[id] = c
			if cur, ok := e.hashes[name]; !ok || rec.Timestamp() > cur.headerTS(e) {
				e.hashes[name] = c
			}
		}
		e.stats.restored.Add(1)
	}
	e.ids.seed(maxID)

	// Members. Every live header is installed at this point, so a member
	// with an unknown collection id can only mean its header was lost to
	// corruption; the member is unreachable by any traversal and is
	// discarded with it.
	for _, rec := range live {
		if rec.Type()&record.HeaderMask != 0 {
			continue
		}
		if !e.installMember(rec, byID) {
			id, _, _ := splitInternalKey(rec.Key())
			e.log.LogDiscard(ctx, uint64(rec.Offset()), fmt.Sprintf("member of lost collection %d", id))
			e.stats.discarded.Add(1)
			e.deferFree(alloc.SizedSpaceEntry{Offset: rec.Offset(), Size: rec.TotalSize()})
		}
	}

	// Flat records.
	for i := range results {
		for _, rec := range results[i].flats {
			e.installRestoredString(rec.Key(), rec)
		}
	}
	return nil
}

func (c *sortedCollection) headerTS(e *Engine) uint64 {
	hdr, err := record.At(e.a, c.headerOff)
	if err != nil {
		return 0
	}
	return hdr.Timestamp()
}

func (c *hashCollection) headerTS(e *Engine) uint64 {
	hdr, err := record.At(e.a, c.headerOff)
	if err != nil {
		return 0
	}
	return hdr.Timestamp()
}

// installMember routes a chained member record to its collection by id.
// The higher timestamp wins per user key; the loser's space is queued for
// the compactor.
func (e *Engine) installMember(rec record.Record, byID map[uint64]any) bool {
	id, userKey, ok := splitInternalKey(rec.Key())
	if !ok {
		e.stats.discarded.Add(1)
		return true
	}
	coll, ok := byID[id]
	if !ok {
		return false
	}
	entry := indexEntry{off: rec.Offset(), size: rec.TotalSize(), ts: rec.Timestamp(), typ: rec.Type()}
	switch c := coll.(type) {
	case *sortedCollection:
		if cur, ok := c.tree.Get(sortedItem{key: string(userKey)}); ok && !cur.entry.supersedes(entry.ts, entry.off) {
			e.deferFree(alloc.SizedSpaceEntry{Offset: entry.off, Size: entry.size})
			return true
		} else if ok {
			e.deferFree(alloc.SizedSpaceEntry{Offset: cur.entry.off, Size: cur.entry.size})
		}
		c.tree.ReplaceOrInsert(sortedItem{key: string(userKey), entry: entry})
	case *hashCollection:
		if cur, ok := c.idx[string(userKey)]; ok && !cur.supersedes(entry.ts, entry.off) {
			e.deferFree(alloc.SizedSpaceEntry{Offset: entry.off, Size: entry.size})
			return true
		} else if ok {
			e.deferFree(alloc.SizedSpaceEntry{Offset: cur.off, Size: cur.size})
		}
		c.idx[string(userKey)] = entry
	}
	e.stats.restored.Add(1)
	return true
}

// installRestoredString is the flat-record variant of installMember.
func (e *Engine) installRestoredString(key []byte, rec record.Record) {
	entry := indexEntry{off: rec.Offset(), size: rec.TotalSize(), ts: rec.Timestamp(), typ: rec.Type()}
	if cur, ok := e.strings[string(key)]; ok {
		if !cur.supersedes(entry.ts, entry.off) {
			e.deferFree(alloc.SizedSpaceEntry{Offset: entry.off, Size: entry.size})
			return
		}
		e.deferFree(alloc.SizedSpaceEntry{Offset: cur.off, Size: cur.size})
	}
	e.strings[string(key)] = entry
	e.stats.restored.Add(1)
}
