package pmemkv

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/pmemkv/record"
)

// Backup streams a zstd-compressed dump of every live key to w: the
// anonymous space first, then each collection with its members. It is an
// export format for offline copies, not a recovery path; crash recovery
// works from the data region alone.
//
// Stream layout (inside the zstd frame, little-endian):
//
//	magic "PMKVBAK1" [version:2]
//	entry*: [kind:1][collLen:2][coll][keyLen:2][key][valLen:4][value]
//	end marker: kind 0
type BackupEntry struct {
	Kind       BackupKind
	Collection string
	Key        []byte
	Value      []byte
}

// BackupKind identifies which key space a backup entry belongs to.
type BackupKind uint8

const (
	backupKindEnd BackupKind = iota
	// BackupString is an anonymous-space entry.
	BackupString
	// BackupSorted is a sorted-collection member.
	BackupSorted
	// BackupHash is an unordered-collection member.
	BackupHash
)

// Backup writes a dump of all live data to w.
func (e *Engine) Backup(ctx context.Context, w io.Writer) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(enc)
	entries := 0
	writeErr := func() error {
		if _, err := bw.WriteString(backupFileMagic); err != nil {
			return err
		}
		var vers [2]byte
		binary.LittleEndian.PutUint16(vers[:], backupFormatVers)
		if _, err := bw.Write(vers[:]); err != nil {
			return err
		}

		for _, kv := range e.snapshotStrings() {
			if err := writeBackupEntry(bw, BackupString, "", kv.key, kv.value); err != nil {
				return err
			}
			entries++
		}

		sortedNames, hashNames := e.collectionNames()
		for _, name := range sortedNames {
			it, err := e.NewSortedIterator([]byte(name))
			if err != nil {
				continue
			}
			for it.SeekToFirst(); it.Valid(); it.Next() {
				val, err := it.Value()
				if err != nil {
					return err
				}
				if err := writeBackupEntry(bw, BackupSorted, name, it.Key(), val); err != nil {
					return err
				}
				entries++
			}
		}
		for _, name := range hashNames {
			for _, kv := range e.snapshotHash(name) {
				if err := writeBackupEntry(bw, BackupHash, name, kv.key, kv.value); err != nil {
					return err
				}
				entries++
			}
		}

		if err := bw.WriteByte(byte(backupKindEnd)); err != nil {
			return err
		}
		return bw.Flush()
	}()
	if writeErr != nil {
		enc.Close()
		e.log.LogBackup(ctx, entries, writeErr)
		return writeErr
	}
	if err := enc.Close(); err != nil {
		e.log.LogBackup(ctx, entries, err)
		return err
	}
	e.log.LogBackup(ctx, entries, nil)
	return nil
}

type kvPair struct {
	key   []byte
	value []byte
}

func (e *Engine) snapshotStrings() []kvPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]kvPair, 0, len(e.strings))
	for key, entry := range e.strings {
		if entry.typ.Delete() {
			continue
		}
		rec, err := record.At(e.a, entry.off)
		if err != nil {
			continue
		}
		out = append(out, kvPair{key: []byte(key), value: append([]byte(nil), rec.Value()...)})
	}
	return out
}

func (e *Engine) collectionNames() (sorted, hashes []string) {
	e.collMu.RLock()
	defer e.collMu.RUnlock()
	for name := range e.sorted {
		sorted = append(sorted, name)
	}
	for name := range e.hashes {
		hashes = append(hashes, name)
	}
	return sorted, hashes
}

func (e *Engine) snapshotHash(name string) []kvPair {
	e.collMu.RLock()
	c, ok := e.hashes[name]
	e.collMu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]kvPair, 0, len(c.idx))
	for key, entry := range c.idx {
		if entry.typ.Delete() {
			continue
		}
		rec, err := record.At(e.a, entry.off)
		if err != nil {
			continue
		}
		out = append(out, kvPair{key: []byte(key), value: append([]byte(nil), rec.Value()...)})
	}
	return out
}

func writeBackupEntry(w *bufio.Writer, kind BackupKind, coll string, key, value []byte) error {
	if err := w.WriteByte(byte(kind)); err != nil {
		return err
	}
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(coll)))
	if _, err := w.Write(u16[:]); err != nil {
		return err
	}
	if _, err := w.WriteString(coll); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(u16[:], uint16(len(key)))
	if _, err := w.Write(u16[:]); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(value)))
	if _, err := w.Write(u32[:]); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

// ReadBackup decodes a backup stream, invoking fn for every entry.
func ReadBackup(r io.Reader, fn func(BackupEntry) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	magic := make([]byte, len(backupFileMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return err
	}
	if string(magic) != backupFileMagic {
		return fmt.Errorf("backup: bad magic %q", magic)
	}
	var vers [2]byte
	if _, err := io.ReadFull(br, vers[:]); err != nil {
		return err
	}
	if v := binary.LittleEndian.Uint16(vers[:]); v != backupFormatVers {
		return fmt.Errorf("backup: unsupported version %d", v)
	}

	for {
		kind, err := br.ReadByte()
		if err != nil {
			return err
		}
		if BackupKind(kind) == backupKindEnd {
			return nil
		}
		coll, err := readN16(br)
		if err != nil {
			return err
		}
		key, err := readN16(br)
		if err != nil {
			return err
		}
		var u32 [4]byte
		if _, err := io.ReadFull(br, u32[:]); err != nil {
			return err
		}
		value := make([]byte, binary.LittleEndian.Uint32(u32[:]))
		if _, err := io.ReadFull(br, value); err != nil {
			return err
		}
		if err := fn(BackupEntry{Kind: BackupKind(kind), Collection: string(coll), Key: key, Value: value}); err != nil {
			return err
		}
	}
}

func readN16(r *bufio.Reader) ([]byte, error) {
	var u16 [2]byte
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return nil, err
	}
	b := make([]byte, binary.LittleEndian.Uint16(u16[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
