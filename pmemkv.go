// Package pmemkv is an embedded key-value engine that keeps all mutable
// state in a byte-addressable persistent region instead of a block-device
// log.
//
// Every write becomes a self-describing, checksummed record persisted in
// place; there is no external journal. After a crash the engine recovers a
// consistent view purely by re-scanning the region: records that fail
// validation are treated as never written, torn doubly-linked insertions are
// repaired in place, and conflicting versions of a key are resolved by
// logical timestamp.
//
// Three key spaces are exposed: an anonymous flat space (Get/Set/Delete),
// named sorted collections (SSet/SGet/SDelete, ordered iteration), and named
// unordered collections (HSet/HGet/HDelete). BatchWrite applies several
// anonymous-space writes with all-or-nothing crash semantics.
package pmemkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/arena"
	"github.com/hupe1980/pmemkv/record"
)

// indexEntry is the in-memory index's view of the newest persisted version
// of a key.
type indexEntry struct {
	off  arena.Offset
	size uint32
	ts   uint64
	typ  record.Type
}

// supersedes reports whether a record with (ts, off) wins over e. Higher
// timestamp wins; equal timestamps are broken by higher offset so the
// outcome is deterministic across recovery replays.
func (e indexEntry) supersedes(ts uint64, off arena.Offset) bool {
	if ts != e.ts {
		return ts > e.ts
	}
	return off > e.off
}

// Engine is an embedded persistent-memory key-value store.
type Engine struct {
	opts *Options
	log  *Logger
	dir  string

	a    *arena.Arena
	al   *alloc.Allocator
	pool *contextPool
	ts   *timestampAuthority
	ids  *idGenerator

	mu      sync.RWMutex
	strings map[string]indexEntry

	collMu sync.RWMutex
	sorted map[string]*sortedCollection
	hashes map[string]*hashCollection

	freeMu      sync.Mutex
	pendingFree []alloc.SizedSpaceEntry

	stats  engineStats
	stopCh chan struct{}
	bgWG   sync.WaitGroup
	closed atomic.Bool
}

type engineStats struct {
	restored  atomic.Uint64
	repaired  atomic.Uint64
	discarded atomic.Uint64
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	RestoredRecords  uint64
	RepairedLinks    uint64
	DiscardedRecords uint64
	FreedBytes       uint64
}

// idGenerator hands out collection ids. It is engine-scoped shared state,
// constructed at startup and seeded by recovery, rather than a process-wide
// global.
type idGenerator struct {
	next atomic.Uint64
}

func (g *idGenerator) nextID() uint64 { return g.next.Add(1) }

func (g *idGenerator) seed(maxSeen uint64) {
	for {
		cur := g.next.Load()
		if maxSeen <= cur || g.next.CompareAndSwap(cur, maxSeen) {
			return
		}
	}
}

// Open opens (or creates) a store rooted at dir.
//
// Recovery runs to completion before Open returns: no writer is admitted
// until every surviving record has been validated, repaired if torn, and
// installed into the in-memory indexes.
func Open(dir string, optFns ...Option) (*Engine, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(opts)
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	if opts.MaxWriteSlots <= 0 {
		return nil, fmt.Errorf("pmemkv: invalid MaxWriteSlots %d", opts.MaxWriteSlots)
	}
	if uint64(opts.ChunkSize) > opts.PMemFileSize {
		return nil, fmt.Errorf("pmemkv: chunk size %d exceeds region size %d", opts.ChunkSize, opts.PMemFileSize)
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		dir:     dir,
		ids:     &idGenerator{},
		strings: make(map[string]indexEntry),
		sorted:  make(map[string]*sortedCollection),
		hashes:  make(map[string]*hashCollection),
		stopCh:  make(chan struct{}),
	}

	if opts.Volatile {
		e.a = arena.NewHeap(opts.PMemFileSize)
	} else {
		if err := os.MkdirAll(filepath.Join(dir, pendingBatchDir), 0o755); err != nil {
			return nil, err
		}
		cfg, err := persistOrVerifyConfig(dir, configFromOptions(opts))
		if err != nil {
			return nil, err
		}
		dataPath := filepath.Join(dir, dataFileName)
		if _, err := os.Stat(dataPath); err == nil {
			e.a, err = arena.OpenFile(dataPath, cfg.PMemFileSize)
			if err != nil {
				return nil, err
			}
		} else if os.IsNotExist(err) {
			e.a, err = arena.Create(dataPath, cfg.PMemFileSize)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	var err error
	e.al, err = alloc.New(e.a, opts.ChunkSize, opts.MaxWriteSlots)
	if err != nil {
		e.a.Close()
		return nil, err
	}
	e.pool = newContextPool(opts.MaxWriteSlots, opts.StagingBufferSize)

	if err := e.recover(context.Background()); err != nil {
		e.a.Close()
		return nil, err
	}

	e.startBackground()
	return e, nil
}

// Close stops background work, waits out in-flight writes, flushes, and
// unmaps the region. The engine is unusable afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.bgWG.Wait()
	// Draining every slot guarantees no writer still holds an arena view.
	for i := 0; i < e.opts.MaxWriteSlots; i++ {
		e.pool.acquire()
	}
	return e.a.Close()
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > record.MaxKeyLen {
		return ErrKeyTooLarge
	}
	return nil
}

func checkValue(value []byte) error {
	if uint64(len(value)) > record.MaxValueLen {
		return ErrValueTooLarge
	}
	return nil
}

// Get returns a copy of the value stored under key in the anonymous space.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	e.mu.RLock()
	entry, ok := e.strings[string(key)]
	e.mu.RUnlock()
	if !ok || entry.typ.Delete() {
		return nil, ErrNotFound
	}
	rec, err := record.At(e.a, entry.off)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.Value()...), nil
}

// Set durably stores value under key in the anonymous space.
func (e *Engine) Set(key, value []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	wc, err := e.acquireWriter()
	if err != nil {
		return err
	}
	defer e.pool.release(wc)
	return e.stringSetImpl(wc, key, value, record.TypeString)
}

// Delete removes key from the anonymous space. Deleting an absent key is
// not an error and writes nothing.
func (e *Engine) Delete(key []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	e.mu.RLock()
	entry, ok := e.strings[string(key)]
	e.mu.RUnlock()
	if !ok || entry.typ.Delete() {
		return nil
	}
	wc, err := e.acquireWriter()
	if err != nil {
		return err
	}
	defer e.pool.release(wc)
	return e.stringSetImpl(wc, key, nil, record.TypeStringDelete)
}

// stringSetImpl persists a flat record (data or tombstone) and installs it
// into the anonymous-space index if it is the newest version.
func (e *Engine) stringSetImpl(wc *writeContext, key, value []byte, typ record.Type) error {
	ts := wc.nextTimestamp(e.ts)
	size := record.FlatSize(len(key), len(value))
	space, err := e.al.Allocate(wc.slot, size)
	if err != nil {
		return err
	}
	rec, err := record.PersistFlat(e.a, wc.staging, space.Offset, space.Size, ts, typ, key, value)
	if err != nil {
		return err
	}
	e.installString(key, rec, space)
	return nil
}

func (e *Engine) installString(key []byte, rec record.Record, space alloc.SizedSpaceEntry) {
	e.mu.Lock()
	old, ok := e.strings[string(key)]
	if ok && !old.supersedes(rec.Timestamp(), rec.Offset()) {
		// Lost the version race: the freshly written record is already
		// superseded. Its bytes stay in place for the compactor.
		e.mu.Unlock()
		e.deferFree(space)
		return
	}
	e.strings[string(key)] = indexEntry{off: rec.Offset(), size: space.Size, ts: rec.Timestamp(), typ: rec.Type()}
	e.mu.Unlock()
	if ok {
		e.deferFree(alloc.SizedSpaceEntry{Offset: old.off, Size: old.size})
	}
}

// deferFree queues a superseded span for the background worker. Space is
// never reused until a compaction pass exists; this only keeps the
// bookkeeping off the write path.
func (e *Engine) deferFree(space alloc.SizedSpaceEntry) {
	e.freeMu.Lock()
	e.pendingFree = append(e.pendingFree, space)
	e.freeMu.Unlock()
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		RestoredRecords:  e.stats.restored.Load(),
		RepairedLinks:    e.stats.repaired.Load(),
		DiscardedRecords: e.stats.discarded.Load(),
		FreedBytes:       e.al.FreedBytes(),
	}
}
