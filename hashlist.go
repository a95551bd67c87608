package pmemkv

import (
	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/record"
)

// hashCollection is a named unordered collection: a persistent circular
// chain in insertion order (new members are spliced in right after the
// header) plus a map from user key to the newest version of each member.
type hashCollection struct {
	collectionCore
	idx map[string]indexEntry
}

func newHashCollection(name string, id uint64, header record.Record) *hashCollection {
	c := &hashCollection{idx: make(map[string]indexEntry)}
	c.name = name
	c.id = id
	c.headerOff = header.Offset()
	return c
}

func (e *Engine) getOrCreateHash(wc *writeContext, name []byte, create bool) (*hashCollection, error) {
	e.collMu.RLock()
	c, ok := e.hashes[string(name)]
	e.collMu.RUnlock()
	if ok {
		return c, nil
	}
	if !create {
		return nil, ErrNotFound
	}
	e.collMu.Lock()
	defer e.collMu.Unlock()
	if c, ok := e.hashes[string(name)]; ok {
		return c, nil
	}
	hdr, err := e.persistHeader(wc, name, e.ids.nextID(), record.TypeHashHeader)
	if err != nil {
		return nil, err
	}
	c = newHashCollection(string(name), collectionIDOf(hdr), hdr)
	e.hashes[string(name)] = c
	return c, nil
}

// HSet durably stores value under key in the named unordered collection,
// creating the collection on first write.
func (e *Engine) HSet(collection, key, value []byte) error {
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
	c, err := e.getOrCreateHash(wc, collection, true)
	if err != nil {
		return err
	}
	return e.hashSetImpl(wc, c, key, value, record.TypeHash)
}

// HGet returns a copy of the value stored under key in the named unordered
// collection.
func (e *Engine) HGet(collection, key []byte) ([]byte, error) {
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
	c, ok := e.hashes[string(collection)]
	e.collMu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	entry, ok := c.idx[string(key)]
	c.mu.Unlock()
	if !ok || entry.typ.Delete() {
		return nil, ErrNotFound
	}
	rec, err := record.At(e.a, entry.off)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.Value()...), nil
}

// HDelete removes key from the named unordered collection. Deleting an
// absent key is not an error and writes nothing.
func (e *Engine) HDelete(collection, key []byte) error {
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
	c, ok := e.hashes[string(collection)]
	e.collMu.RUnlock()
	if !ok {
		return nil
	}
	wc, err := e.acquireWriter()
	if err != nil {
		return err
	}
	defer e.pool.release(wc)
	return e.hashSetImpl(wc, c, key, nil, record.TypeHashDelete)
}

func (e *Engine) hashSetImpl(wc *writeContext, c *hashCollection, key, value []byte, typ record.Type) error {
	ikey := internalKey(c.id, key)
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.idx[string(key)]
	if typ.Delete() && (!ok || existing.typ.Delete()) {
		return nil
	}

	var (
		rec   record.Record
		space alloc.SizedSpaceEntry
		err   error
	)
	if ok {
		old, aerr := record.At(e.a, existing.off)
		if aerr != nil {
			return aerr
		}
		rec, space, err = e.spliceReplace(wc, typ, old, ikey, value)
	} else {
		hdr, herr := c.header(e)
		if herr != nil {
			return herr
		}
		succ, serr := record.At(e.a, hdr.Next())
		if serr != nil {
			return serr
		}
		rec, space, err = e.spliceNew(wc, typ, hdr, succ, ikey, value)
	}
	if err != nil {
		return err
	}

	c.idx[string(key)] = indexEntry{off: rec.Offset(), size: space.Size, ts: rec.Timestamp(), typ: typ}
	if ok {
		e.deferFree(alloc.SizedSpaceEntry{Offset: existing.off, Size: existing.size})
	}
	return nil
}
