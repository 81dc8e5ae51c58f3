package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries  = []byte("entries")
	bucketMeta     = []byte("meta")
	bucketSnapshot = []byte("snapshot")
)

var (
	keyVoterRecord = []byte("voter")
	keyFirstIndex  = []byte("first_index")
	keySnapshot    = []byte("snapshot_meta")
)

// BoltStore implements journal.Store on top of a single bbolt database
// file, grounded on cuemby-warren/pkg/storage/boltdb.go's
// bucket-per-concern layout: one bucket holds log entries keyed by their
// big-endian index, a second holds the voter record and first-index
// watermark, and a third holds snapshot metadata.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a bbolt-backed journal rooted at dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	path := filepath.Join(dir, "journal.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketMeta, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	bs := &BoltStore{db: db}
	if err := bs.ensureFirstIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return bs, nil
}

func indexKey(index int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	return b[:]
}

func (bs *BoltStore) ensureFirstIndex() error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta).Get(keyFirstIndex)
		if b != nil {
			return nil
		}
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, int64(1))
		return tx.Bucket(bucketMeta).Put(keyFirstIndex, buf.Bytes())
	})
}

// Append implements journal.Store.
func (bs *BoltStore) Append(entry LogEntry) (int64, error) {
	var buf bytes.Buffer
	if err := writeDiskEntry(&buf, entry); err != nil {
		return 0, err
	}
	err := bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(indexKey(entry.Index), buf.Bytes())
	})
	if err != nil {
		return 0, fmt.Errorf("journal: bolt append: %w", err)
	}
	return entry.Index, nil
}

// ReadAt implements journal.Store.
func (bs *BoltStore) ReadAt(index int64) (LogEntry, error) {
	var entry LogEntry
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(indexKey(index))
		if v == nil {
			return ErrNotFound
		}
		e, err := readDiskEntry(bytes.NewReader(v))
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// ReadRange implements journal.Store.
func (bs *BoltStore) ReadRange(from, to int64) ([]LogEntry, error) {
	var out []LogEntry
	err := bs.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			idx := int64(binary.BigEndian.Uint64(k))
			if idx > to {
				break
			}
			e, err := readDiskEntry(bytes.NewReader(v))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// TruncateAfter implements journal.Store.
func (bs *BoltStore) TruncateAfter(index int64) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(indexKey(index + 1)); k != nil; k, _ = c.Next() {
			dup := append([]byte(nil), k...)
			toDelete = append(toDelete, dup)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// FirstIndex implements journal.Store.
func (bs *BoltStore) FirstIndex() (int64, error) {
	var first int64
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyFirstIndex)
		first = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return first, err
}

// LastIndex implements journal.Store.
func (bs *BoltStore) LastIndex() (int64, error) {
	var last int64
	err := bs.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, _ := c.Last()
		if k == nil {
			last = 0
			return nil
		}
		last = int64(binary.BigEndian.Uint64(k))
		return nil
	})
	return last, err
}

// Compact implements journal.Store.
func (bs *BoltStore) Compact(meta SnapshotMeta) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx := int64(binary.BigEndian.Uint64(k))
			if idx > meta.LastIncludedIndex {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		var firstBuf bytes.Buffer
		binary.Write(&firstBuf, binary.BigEndian, meta.LastIncludedIndex+1)
		if err := tx.Bucket(bucketMeta).Put(keyFirstIndex, firstBuf.Bytes()); err != nil {
			return err
		}
		var metaBuf bytes.Buffer
		encodeSnapshotMeta(&metaBuf, meta)
		return tx.Bucket(bucketSnapshot).Put(keySnapshot, metaBuf.Bytes())
	})
}

// SnapshotMeta implements journal.Store.
func (bs *BoltStore) SnapshotMeta() (SnapshotMeta, bool, error) {
	var meta SnapshotMeta
	var ok bool
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshot).Get(keySnapshot)
		if v == nil {
			return nil
		}
		m, err := decodeSnapshotMeta(bytes.NewReader(v))
		if err != nil {
			return err
		}
		meta = m
		ok = true
		return nil
	})
	return meta, ok, err
}

// VoterRecord implements journal.Store.
func (bs *BoltStore) VoterRecord() (VoterRecord, error) {
	var v VoterRecord
	err := bs.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyVoterRecord)
		if raw == nil {
			return nil
		}
		rec, err := decodeVoterRecord(bytes.NewReader(raw))
		if err != nil {
			return err
		}
		v = rec
		return nil
	})
	return v, err
}

// SaveVoterRecord implements journal.Store. bbolt's Update commits via
// fsync before returning, satisfying the "write before reply" rule of §5.
func (bs *BoltStore) SaveVoterRecord(v VoterRecord) error {
	var buf bytes.Buffer
	encodeVoterRecord(&buf, v)
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVoterRecord, buf.Bytes())
	})
}

// Close implements journal.Store.
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}
