package pmemkv

import (
	"bytes"

	"github.com/google/btree"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/record"
)

// sortedItem is the in-memory index entry of one sorted-collection member.
// Tombstones stay in the tree because their records stay in the chain; the
// tree order therefore mirrors the chain order exactly, which is what makes
// btree-based predecessor lookup a valid splice position.
type sortedItem struct {
	key   string
	entry indexEntry
}

func sortedItemLess(a, b sortedItem) bool { return a.key < b.key }

// sortedCollection is a named, key-ordered collection: a persistent
// circular chain of member records plus a btree index over the newest
// version of each member.
type sortedCollection struct {
	collectionCore
	tree *btree.BTreeG[sortedItem]
}

func newSortedCollection(name string, id uint64, header record.Record) *sortedCollection {
	c := &sortedCollection{tree: btree.NewG(32, sortedItemLess)}
	c.name = name
	c.id = id
	c.headerOff = header.Offset()
	return c
}

// findPred returns the chain predecessor for userKey: the member with the
// greatest key strictly below it, or the header when none exists.
func (c *sortedCollection) findPred(e *Engine, userKey []byte) (record.Record, error) {
	var pred *sortedItem
	c.tree.DescendLessOrEqual(sortedItem{key: string(userKey)}, func(it sortedItem) bool {
		if it.key == string(userKey) {
			return true
		}
		pred = &it
		return false
	})
	if pred == nil {
		return c.header(e)
	}
	return record.At(e.a, pred.entry.off)
}

// getOrCreateSorted returns the named sorted collection, creating and
// persisting its header on first use.
func (e *Engine) getOrCreateSorted(wc *writeContext, name []byte, create bool) (*sortedCollection, error) {
	e.collMu.RLock()
	c, ok := e.sorted[string(name)]
	e.collMu.RUnlock()
	if ok {
		return c, nil
	}
	if !create {
		return nil, ErrNotFound
	}
	e.collMu.Lock()
	defer e.collMu.Unlock()
	if c, ok := e.sorted[string(name)]; ok {
		return c, nil
	}
	hdr, err := e.persistHeader(wc, name, e.ids.nextID(), record.TypeSortedHeader)
	if err != nil {
		return nil, err
	}
	c = newSortedCollection(string(name), collectionIDOf(hdr), hdr)
	e.sorted[string(name)] = c
	return c, nil
}

// SSet durably stores value under key in the named sorted collection,
// creating the collection on first write.
func (e *Engine) SSet(collection, key, value []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := checkKey(collection); err != nil {
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
	c, err := e.getOrCreateSorted(wc, collection, true)
	if err != nil {
		return err
	}
	return e.sortedSetImpl(wc, c, key, value, record.TypeSorted)
}

// SGet returns a copy of the value stored under key in the named sorted
// collection.
func (e *Engine) SGet(collection, key []byte) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkKey(collection); err != nil {
		return nil, err
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	e.collMu.RLock()
	c, ok := e.sorted[string(collection)]
	e.collMu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	it, ok := c.tree.Get(sortedItem{key: string(key)})
	c.mu.Unlock()
	if !ok || it.entry.typ.Delete() {
		return nil, ErrNotFound
	}
	rec, err := record.At(e.a, it.entry.off)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.Value()...), nil
}

// SDelete removes key from the named sorted collection. Deleting an absent
// key is not an error and writes nothing.
func (e *Engine) SDelete(collection, key []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := checkKey(collection); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	e.collMu.RLock()
	c, ok := e.sorted[string(collection)]
	e.collMu.RUnlock()
	if !ok {
		return nil
	}
	wc, err := e.acquireWriter()
	if err != nil {
		return err
	}
	defer e.pool.release(wc)
	return e.sortedSetImpl(wc, c, key, nil, record.TypeSortedDelete)
}

func (e *Engine) sortedSetImpl(wc *writeContext, c *sortedCollection, key, value []byte, typ record.Type) error {
	ikey := internalKey(c.id, key)
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.tree.Get(sortedItem{key: string(key)})
	if typ.Delete() && (!ok || existing.entry.typ.Delete()) {
		return nil
	}

	var (
		rec   record.Record
		space alloc.SizedSpaceEntry
		err   error
	)
	if ok {
		old, aerr := record.At(e.a, existing.entry.off)
		if aerr != nil {
			return aerr
		}
		rec, space, err = e.spliceReplace(wc, typ, old, ikey, value)
	} else {
		pred, perr := c.findPred(e, key)
		if perr != nil {
			return perr
		}
		succ, serr := record.At(e.a, pred.Next())
		if serr != nil {
			return serr
		}
		rec, space, err = e.spliceNew(wc, typ, pred, succ, ikey, value)
	}
	if err != nil {
		return err
	}

	c.tree.ReplaceOrInsert(sortedItem{key: string(key), entry: indexEntry{
		off:  rec.Offset(),
		size: space.Size,
		ts:   rec.Timestamp(),
		typ:  typ,
	}})
	if ok {
		e.deferFree(alloc.SizedSpaceEntry{Offset: existing.entry.off, Size: existing.entry.size})
	}
	return nil
}

// SortedIterator iterates a sorted collection in ascending user-key order
// over a point-in-time snapshot of the member set. Values are read lazily
// from the records.
type SortedIterator struct {
	e     *Engine
	items []sortedItem
	pos   int
}

// NewSortedIterator returns an iterator over the named sorted collection.
func (e *Engine) NewSortedIterator(collection []byte) (*SortedIterator, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.collMu.RLock()
	c, ok := e.sorted[string(collection)]
	e.collMu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	items := make([]sortedItem, 0, c.tree.Len())
	c.tree.Ascend(func(it sortedItem) bool {
		if !it.entry.typ.Delete() {
			items = append(items, it)
		}
		return true
	})
	c.mu.Unlock()
	return &SortedIterator{e: e, items: items}, nil
}

// SeekToFirst positions the iterator at the smallest key.
func (it *SortedIterator) SeekToFirst() { it.pos = 0 }

// Seek positions the iterator at the first key >= target.
func (it *SortedIterator) Seek(target []byte) {
	lo, hi := 0, len(it.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare([]byte(it.items[mid].key), target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
}

// Valid reports whether the iterator points at a member.
func (it *SortedIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.items) }

// Next advances the iterator.
func (it *SortedIterator) Next() { it.pos++ }

// Key returns the current user key.
func (it *SortedIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return []byte(it.items[it.pos].key)
}

// Value returns a copy of the current value.
func (it *SortedIterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, ErrNotFound
	}
	rec, err := record.At(it.e.a, it.items[it.pos].entry.off)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.Value()...), nil
}
