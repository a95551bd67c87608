package pmemkv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/arena"
	"github.com/hupe1980/pmemkv/record"
)

func crashOptions() []Option {
	return []Option{
		WithPMemFileSize(8 << 20),
		WithChunkSize(64 << 10),
		WithMaxWriteSlots(1),
		WithFreeInterval(10 * time.Millisecond),
	}
}

func openCrash(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(dir, crashOptions()...)
	require.NoError(t, err)
	return e
}

// persistTornMember writes a chained member into the named hash collection
// and stops the insertion after the predecessor link, simulating a crash
// between the two single-word linkage writes.
func persistTornMember(t *testing.T, e *Engine, coll *hashCollection, key, value []byte, rightLink bool) arena.Offset {
	t.Helper()
	wc := e.pool.acquire()
	defer e.pool.release(wc)

	hdr, err := coll.header(e)
	require.NoError(t, err)
	succ, err := record.At(e.a, hdr.Next())
	require.NoError(t, err)

	ikey := internalKey(coll.id, key)
	ts := wc.nextTimestamp(e.ts)
	size := record.ChainedSize(len(ikey), len(value))
	space, err := e.al.Allocate(wc.slot, size)
	require.NoError(t, err)
	rec, err := record.PersistChained(e.a, wc.staging, space.Offset, space.Size, ts, record.TypeHash, hdr.Offset(), succ.Offset(), ikey, value)
	require.NoError(t, err)

	if rightLink {
		require.NoError(t, e.a.PersistUint64(hdr.NextFieldOffset(), uint64(rec.Offset())))
	}
	return rec.Offset()
}

func TestRecovery_RepairsTornLeftLink(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.HSet([]byte("c"), []byte("k1"), []byte("v1")))
	coll := e.hashes["c"]
	persistTornMember(t, e, coll, []byte("k2"), []byte("v2"), true)
	require.NoError(t, e.Close())

	e2 := openCrash(t, dir)
	got, err := e2.HGet([]byte("c"), []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, uint64(1), e2.Stats().RepairedLinks)

	// Other members' linkage is untouched.
	got, err = e2.HGet([]byte("c"), []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	require.NoError(t, e2.Close())

	// Idempotence: the repaired record is fully linked, so a second
	// recovery performs no repair.
	e3 := openCrash(t, dir)
	defer e3.Close()
	assert.Zero(t, e3.Stats().RepairedLinks)
	got, err = e3.HGet([]byte("c"), []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestRecovery_IgnoresUnlinkedRecord(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.HSet([]byte("c"), []byte("k1"), []byte("v1")))
	coll := e.hashes["c"]
	// Crash before the first linkage write: valid record, no chain.
	persistTornMember(t, e, coll, []byte("k2"), []byte("v2"), false)
	require.NoError(t, e.Close())

	e2 := openCrash(t, dir)
	defer e2.Close()
	_, err := e2.HGet([]byte("c"), []byte("k2"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotZero(t, e2.Stats().DiscardedRecords)

	got, err := e2.HGet([]byte("c"), []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestRecovery_TornReplaceKeepsNewVersion(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.HSet([]byte("c"), []byte("k1"), []byte("old")))
	coll := e.hashes["c"]

	// Replace k1 in place but crash after relinking only the predecessor.
	// The old record is then reachable from the right only; recovery must
	// classify it as superseded, not corrupt.
	old, err := record.At(e.a, coll.idx["k1"].off)
	require.NoError(t, err)
	wc := e.pool.acquire()
	ikey := internalKey(coll.id, []byte("k1"))
	ts := wc.nextTimestamp(e.ts)
	size := record.ChainedSize(len(ikey), 3)
	space, err := e.al.Allocate(wc.slot, size)
	require.NoError(t, err)
	pred, err := record.At(e.a, old.Prev())
	require.NoError(t, err)
	rec, err := record.PersistChained(e.a, wc.staging, space.Offset, space.Size, ts, record.TypeHash, old.Prev(), old.Next(), ikey, []byte("new"))
	require.NoError(t, err)
	require.NoError(t, e.a.PersistUint64(pred.NextFieldOffset(), uint64(rec.Offset())))
	e.pool.release(wc)
	require.NoError(t, e.Close())

	e2 := openCrash(t, dir)
	defer e2.Close()
	got, err := e2.HGet([]byte("c"), []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
	assert.Equal(t, uint64(1), e2.Stats().RepairedLinks)
}

func TestRecovery_ChecksumRejectionResumesScan(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Set([]byte("k2"), []byte("v2")))
	require.NoError(t, e.Set([]byte("k3"), []byte("v3")))

	// Corrupt the first value byte of k2. The size field is untouched, so
	// the scan must still step over it and reach k3.
	entry := e.strings["k2"]
	b, err := e.a.Bytes(entry.off+record.FlatHeaderSize+2, 1)
	require.NoError(t, err)
	b[0] ^= 0xff
	require.NoError(t, e.Close())

	e2 := openCrash(t, dir)
	defer e2.Close()
	_, err = e2.Get([]byte("k2"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotZero(t, e2.Stats().DiscardedRecords)

	for _, k := range []string{"k1", "k3"} {
		got, err := e2.Get([]byte(k))
		require.NoError(t, err, "key %s", k)
		assert.Equal(t, []byte("v"+k[1:]), got)
	}
}

func TestRecovery_ImplausibleSizeSkipsChunk(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Set([]byte("k2"), []byte("v2")))
	entry := e.strings["k2"]

	// Stomp the size field itself. Everything after it in the chunk is
	// untrustworthy and must be abandoned, without failing recovery.
	b, err := e.a.Bytes(entry.off, 4)
	require.NoError(t, err)
	b[0], b[1], b[2], b[3] = 0x07, 0x00, 0x00, 0x00
	require.NoError(t, e.Close())

	e2 := openCrash(t, dir)
	defer e2.Close()
	got, err := e2.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	_, err = e2.Get([]byte("k2"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecovery_RollsBackPartialBatch(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.Set([]byte("stable"), []byte("s")))

	// Simulate a batch that crashed mid-commit: descriptor persisted,
	// first record persisted, second never written, descriptor not
	// cleared.
	wc := e.pool.acquire()
	ts := wc.nextTimestamp(e.ts)
	size1 := record.FlatSize(2, 2)
	size2 := record.FlatSize(2, 2)
	sp1, err := e.al.Allocate(wc.slot, size1)
	require.NoError(t, err)
	sp2, err := e.al.Allocate(wc.slot, size2)
	require.NoError(t, err)
	require.NoError(t, writePendingBatch(e.pendingBatchPath(wc.slot), ts, []arena.Offset{sp1.Offset, sp2.Offset}))
	_, err = record.PersistFlat(e.a, wc.staging, sp1.Offset, sp1.Size, ts, record.TypeString, []byte("b1"), []byte("x1"))
	require.NoError(t, err)
	e.pool.release(wc)
	require.NoError(t, e.Close())

	e2 := openCrash(t, dir)
	defer e2.Close()

	// All-or-nothing: the written member is rolled back too.
	_, err = e2.Get([]byte("b1"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e2.Get([]byte("b2"))
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := e2.Get([]byte("stable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), got)

	// The descriptor is consumed during resolution.
	_, _, ok, err := readPendingBatch(e2.pendingBatchPath(0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecovery_TimestampsNeverRegress(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.Set([]byte("k"), []byte("v1")))
	ts1 := e.strings["k"].ts
	require.NoError(t, e.Close())

	e2 := openCrash(t, dir)
	require.NoError(t, e2.Set([]byte("k"), []byte("v2")))
	ts2 := e2.strings["k"].ts
	assert.Greater(t, ts2, ts1, "timestamps continue past the previous run")
	require.NoError(t, e2.Close())

	// The rebased timestamps decide the version race on the next reopen.
	e3 := openCrash(t, dir)
	defer e3.Close()
	got, err := e3.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestWriteContext_TimestampsStrictlyIncrease(t *testing.T) {
	auth := newTimestampAuthority(1000)
	wc := &writeContext{}
	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		ts := wc.nextTimestamp(auth)
		assert.Greater(t, ts, prev)
		assert.Greater(t, ts, uint64(1000), "rebased above the recovered maximum")
		prev = ts
	}
}

func TestRecovery_FailsOnImpossibleLinkage(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.HSet([]byte("c"), []byte("k1"), []byte("v1")))
	coll := e.hashes["c"]

	// A record reachable from the right only: its successor's prev word
	// points at it but no predecessor's next does. The insertion protocol
	// establishes the left link first, so no crash produces this state,
	// and repairing around it would erase the one trace of corruption.
	wc := e.pool.acquire()
	hdr, err := coll.header(e)
	require.NoError(t, err)
	succ, err := record.At(e.a, hdr.Next())
	require.NoError(t, err)
	ikey := internalKey(coll.id, []byte("k2"))
	ts := wc.nextTimestamp(e.ts)
	size := record.ChainedSize(len(ikey), 2)
	space, err := e.al.Allocate(wc.slot, size)
	require.NoError(t, err)
	rec, err := record.PersistChained(e.a, wc.staging, space.Offset, space.Size, ts, record.TypeHash, hdr.Offset(), succ.Offset(), ikey, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, e.a.PersistUint64(succ.PrevFieldOffset(), uint64(rec.Offset())))
	e.pool.release(wc)
	require.NoError(t, e.Close())

	_, err = Open(dir, crashOptions()...)
	var broken *BrokenLinkageError
	require.ErrorAs(t, err, &broken)
}

func TestBatchWrite_AbortedBatchStaysDead(t *testing.T) {
	dir := t.TempDir()

	e := openCrash(t, dir)
	require.NoError(t, e.Set([]byte("stable"), []byte("s")))

	// A batch whose second record never persisted: the first is already
	// on media and the slot's descriptor names both.
	wc := e.pool.acquire()
	ts := wc.nextTimestamp(e.ts)
	sp1, err := e.al.Allocate(wc.slot, record.FlatSize(2, 2))
	require.NoError(t, err)
	sp2, err := e.al.Allocate(wc.slot, record.FlatSize(2, 2))
	require.NoError(t, err)
	require.NoError(t, writePendingBatch(e.pendingBatchPath(wc.slot), ts, []arena.Offset{sp1.Offset, sp2.Offset}))
	_, err = record.PersistFlat(e.a, wc.staging, sp1.Offset, sp1.Size, ts, record.TypeString, []byte("b1"), []byte("x1"))
	require.NoError(t, err)
	e.abortBatch(wc.slot, []alloc.SizedSpaceEntry{sp1, sp2})
	e.pool.release(wc)

	// The abort consumes the descriptor; a later batch on the slot must
	// not inherit it.
	_, _, ok, err := readPendingBatch(e.pendingBatchPath(0))
	require.NoError(t, err)
	assert.False(t, ok)

	var b WriteBatch
	b.Put([]byte("later"), []byte("l"))
	require.NoError(t, e.BatchWrite(&b))
	require.NoError(t, e.Close())

	// The aborted record sits between surviving records in the same
	// chunk; the scan must step past it without resurrecting it.
	e2 := openCrash(t, dir)
	defer e2.Close()
	_, err = e2.Get([]byte("b1"))
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := e2.Get([]byte("later"))
	require.NoError(t, err)
	assert.Equal(t, []byte("l"), got)
	got, err = e2.Get([]byte("stable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), got)
}
