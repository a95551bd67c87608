package pmemkv

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/arena"
	"github.com/hupe1980/pmemkv/record"
)

// WriteBatch collects anonymous-space writes applied together by
// Engine.BatchWrite. Each key should appear at most once per batch.
type WriteBatch struct {
	ops []batchOp
}

type batchOp struct {
	key   []byte
	value []byte
	del   bool
}

// Put queues a set of key to value.
func (b *WriteBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

// Delete queues a tombstone for key.
func (b *WriteBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key, del: true})
}

// Len returns the number of queued operations.
func (b *WriteBatch) Len() int { return len(b.ops) }

// BatchWrite applies all operations in b with all-or-nothing crash
// semantics: before any record is persisted, a pending-batch descriptor
// naming the target offsets is durably written to the writer slot's
// descriptor file; it is cleared once every record is durable. A reopen
// that finds a descriptor re-validates the named records and rolls back a
// partially applied batch.
//
// All records of a batch share one timestamp, which is what lets recovery
// tell batch members apart from older versions at the same offsets.
func (e *Engine) BatchWrite(b *WriteBatch) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	for _, op := range b.ops {
		if err := checkKey(op.key); err != nil {
			return err
		}
		if err := checkValue(op.value); err != nil {
			return err
		}
	}

	wc, err := e.acquireWriter()
	if err != nil {
		return err
	}
	defer e.pool.release(wc)

	ts := wc.nextTimestamp(e.ts)
	spaces := make([]alloc.SizedSpaceEntry, len(b.ops))
	offsets := make([]arena.Offset, len(b.ops))
	for i, op := range b.ops {
		size := record.FlatSize(len(op.key), len(op.value))
		space, err := e.al.Allocate(wc.slot, size)
		if err != nil {
			return err
		}
		spaces[i] = space
		offsets[i] = space.Offset
	}

	if !e.opts.Volatile {
		if err := writePendingBatch(e.pendingBatchPath(wc.slot), ts, offsets); err != nil {
			return fmt.Errorf("persist pending batch: %w", err)
		}
	}

	recs := make([]record.Record, len(b.ops))
	for i, op := range b.ops {
		typ := record.TypeString
		if op.del {
			typ = record.TypeStringDelete
		}
		rec, err := record.PersistFlat(e.a, wc.staging, spaces[i].Offset, spaces[i].Size, ts, typ, op.key, op.value)
		if err != nil {
			e.abortBatch(wc.slot, spaces[:i+1])
			return err
		}
		recs[i] = rec
	}

	if !e.opts.Volatile {
		if err := clearPendingBatch(e.pendingBatchPath(wc.slot)); err != nil {
			return fmt.Errorf("clear pending batch: %w", err)
		}
	}

	for i, op := range b.ops {
		e.installString(op.key, recs[i], spaces[i])
	}
	return nil
}

// abortBatch disposes of the spans a failed batch already touched,
// including the one whose persist failed: each is invalidated so no later
// scan can mistake it for a committed write, and only then is the slot's
// descriptor cleared. Without this, a subsequent batch on the same slot
// would overwrite the descriptor and a crash after that would resurrect
// the failed batch's records as live keys. If invalidation itself fails
// the descriptor stays in place and the next recovery rolls the batch
// back instead.
func (e *Engine) abortBatch(slot int, spaces []alloc.SizedSpaceEntry) {
	for _, sp := range spaces {
		if err := record.Invalidate(e.a, sp.Offset, sp.Size); err != nil {
			return
		}
	}
	if !e.opts.Volatile {
		if err := clearPendingBatch(e.pendingBatchPath(slot)); err != nil {
			return
		}
	}
	for _, sp := range spaces {
		e.deferFree(sp)
	}
}

func (e *Engine) pendingBatchPath(slot int) string {
	return filepath.Join(e.dir, pendingBatchDir, strconv.Itoa(slot))
}

// Pending-batch descriptor format:
//
//	[count:4][timestamp:8][offset:8]*count[crc32:4]
//
// An empty file means no batch is in flight. A descriptor whose checksum
// fails is itself a torn write; by the write ordering above no batch record
// can have been persisted yet, so it is safely ignored.

func writePendingBatch(path string, ts uint64, offsets []arena.Offset) error {
	buf := make([]byte, 4+8+8*len(offsets)+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(offsets)))
	binary.LittleEndian.PutUint64(buf[4:], ts)
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(buf[12+8*i:], uint64(off))
	}
	sum := crc32.Checksum(buf[:len(buf)-4], record.CRC32Table)
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], sum)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func clearPendingBatch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readPendingBatch returns the descriptor persisted at path, if any.
func readPendingBatch(path string) (ts uint64, offsets []arena.Offset, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	if len(data) < 16 {
		return 0, nil, false, nil
	}
	count := binary.LittleEndian.Uint32(data)
	want := 4 + 8 + 8*int(count) + 4
	if len(data) != want {
		return 0, nil, false, nil
	}
	sum := crc32.Checksum(data[:len(data)-4], record.CRC32Table)
	if sum != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return 0, nil, false, nil
	}
	ts = binary.LittleEndian.Uint64(data[4:])
	offsets = make([]arena.Offset, count)
	for i := range offsets {
		offsets[i] = arena.Offset(binary.LittleEndian.Uint64(data[12+8*i:]))
	}
	return ts, offsets, true, nil
}
