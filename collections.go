package pmemkv

import (
	"encoding/binary"
	"sync"

	"github.com/hupe1980/pmemkv/alloc"
	"github.com/hupe1980/pmemkv/arena"
	"github.com/hupe1980/pmemkv/record"
)

// A collection is anchored by a chained header record whose key is the
// collection name and whose value is the 8-byte collection id. The header's
// prev/next initially point at itself, forming a circular doubly-linked
// chain that member records are spliced into. Member record keys carry the
// id as an 8-byte prefix so recovery can route them to their collection
// without consulting any index.

const collectionIDSize = 8

func internalKey(id uint64, userKey []byte) []byte {
	k := make([]byte, collectionIDSize+len(userKey))
	binary.BigEndian.PutUint64(k, id)
	copy(k[collectionIDSize:], userKey)
	return k
}

func splitInternalKey(key []byte) (id uint64, userKey []byte, ok bool) {
	if len(key) < collectionIDSize {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(key), key[collectionIDSize:], true
}

// collectionIDOf reads the collection id out of a header record's value.
func collectionIDOf(hdr record.Record) uint64 {
	return binary.BigEndian.Uint64(hdr.Value())
}

// collectionCore is the state shared by sorted and unordered collections.
// Its mutex serializes structural changes to the record chain, which is the
// serialization the linkage protocol relies on.
type collectionCore struct {
	name      string
	id        uint64
	headerOff arena.Offset
	mu        sync.Mutex
}

func (c *collectionCore) header(e *Engine) (record.Record, error) {
	return record.At(e.a, c.headerOff)
}

// persistHeader creates a collection anchor: a chained header record whose
// linkage points at itself.
func (e *Engine) persistHeader(wc *writeContext, name []byte, id uint64, typ record.Type) (record.Record, error) {
	var idVal [collectionIDSize]byte
	binary.BigEndian.PutUint64(idVal[:], id)
	ts := wc.nextTimestamp(e.ts)
	size := record.ChainedSize(len(name), collectionIDSize)
	space, err := e.al.Allocate(wc.slot, size)
	if err != nil {
		return record.Record{}, err
	}
	return record.PersistChained(e.a, wc.staging, space.Offset, space.Size, ts, typ, space.Offset, space.Offset, name, idVal[:])
}

// spliceNew persists a chained member between pred and succ and links it in.
func (e *Engine) spliceNew(wc *writeContext, typ record.Type, pred, succ record.Record, key, value []byte) (record.Record, alloc.SizedSpaceEntry, error) {
	ts := wc.nextTimestamp(e.ts)
	size := record.ChainedSize(len(key), len(value))
	space, err := e.al.Allocate(wc.slot, size)
	if err != nil {
		return record.Record{}, alloc.SizedSpaceEntry{}, err
	}
	rec, err := record.PersistChained(e.a, wc.staging, space.Offset, space.Size, ts, typ, pred.Offset(), succ.Offset(), key, value)
	if err != nil {
		return record.Record{}, alloc.SizedSpaceEntry{}, err
	}
	if err := e.linkRecord(pred, succ, rec.Offset()); err != nil {
		return record.Record{}, alloc.SizedSpaceEntry{}, err
	}
	return rec, space, nil
}

// spliceReplace persists a new version of an existing member in place: the
// new record adopts the old record's neighbors, then both neighbors are
// relinked to it. The old record ends up linked from neither side and its
// lower timestamp makes it lose any recovery race.
func (e *Engine) spliceReplace(wc *writeContext, typ record.Type, old record.Record, key, value []byte) (record.Record, alloc.SizedSpaceEntry, error) {
	pred, err := record.At(e.a, old.Prev())
	if err != nil {
		return record.Record{}, alloc.SizedSpaceEntry{}, err
	}
	succ, err := record.At(e.a, old.Next())
	if err != nil {
		return record.Record{}, alloc.SizedSpaceEntry{}, err
	}
	return e.spliceNew(wc, typ, pred, succ, key, value)
}
