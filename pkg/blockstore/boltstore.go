package blockstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/pgstore/pkg/engine"
	bolt "go.etcd.io/bbolt"
)

var (
	boltBucketAreas = []byte("areas")
	boltKeyNextID   = []byte("__next_id")
	boltKeyHeader   = []byte("__header")
)

// BoltAreaStore implements engine.Store over a single bbolt bucket:
// one key per area, holding the area's raw bytes, plus bookkeeping keys
// for the id counter and the fixed header extent. For callers that
// want the area abstraction without the flat-file format.
type BoltAreaStore struct {
	mu      sync.Mutex
	db      *bolt.DB
	writeMu sync.Mutex
}

var _ engine.Store = (*BoltAreaStore)(nil)

// NewBoltAreaStore opens (or creates) path as a bbolt-backed Store.
func NewBoltAreaStore(path string) (*BoltAreaStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltBucketAreas)
		if err != nil {
			return err
		}
		if b.Get(boltKeyNextID) == nil {
			if err := b.Put(boltKeyNextID, encodeID(1)); err != nil {
				return err
			}
		}
		if b.Get(boltKeyHeader) == nil {
			if err := b.Put(boltKeyHeader, make([]byte, headerAreaSize)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("blockstore: init bolt store: %w", err)
	}
	return &BoltAreaStore{db: db}, nil
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func areaKey(id int64) []byte {
	if id == headerAreaID {
		return boltKeyHeader
	}
	return append([]byte("a:"), encodeID(id)...)
}

func (s *BoltAreaStore) CreateArea(size int64) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketAreas)
		raw := b.Get(boltKeyNextID)
		id = int64(binary.BigEndian.Uint64(raw))
		if err := b.Put(boltKeyNextID, encodeID(id+1)); err != nil {
			return err
		}
		return b.Put(areaKey(id), make([]byte, size))
	})
	if err != nil {
		return 0, fmt.Errorf("blockstore: bolt create area: %w", err)
	}
	return id, nil
}

func (s *BoltAreaStore) load(id int64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketAreas)
		v := b.Get(areaKey(id))
		if v == nil {
			return fmt.Errorf("blockstore: bolt area %d: %w", id, engine.ErrAreaNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltAreaStore) OpenArea(id int64) (engine.Area, error) {
	buf, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return &boltArea{store: s, id: id, buf: buf}, nil
}

func (s *BoltAreaStore) MutableArea(id int64) (engine.Area, error) {
	return s.OpenArea(id)
}

func (s *BoltAreaStore) DeleteArea(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucketAreas).Delete(areaKey(id))
	})
}

func (s *BoltAreaStore) FixedArea(id int64) (engine.Area, error) {
	if id != headerAreaID {
		return nil, fmt.Errorf("blockstore: fixed area must be id -1, got %d", id)
	}
	return s.OpenArea(headerAreaID)
}

func (s *BoltAreaStore) LockForWrite()   { s.writeMu.Lock() }
func (s *BoltAreaStore) UnlockForWrite() { s.writeMu.Unlock() }

// SetCheckPoint is a no-op beyond bbolt's own fsync-on-commit guarantee:
// every db.Update above already committed durably, so there is no
// separate staged-write phase to flush.
func (s *BoltAreaStore) SetCheckPoint() error { return nil }

func (s *BoltAreaStore) Close() error { return s.db.Close() }

// boltArea is a cursor over an in-memory copy of one area's bytes,
// written back to bbolt in one db.Update on CheckOut.
type boltArea struct {
	store *BoltAreaStore
	id    int64
	buf   []byte
	pos   int64
}

var _ engine.Area = (*boltArea)(nil)

func (a *boltArea) Position() int64     { return a.pos }
func (a *boltArea) SetPosition(p int64) { a.pos = p }
func (a *boltArea) Length() int64       { return int64(len(a.buf)) }

func (a *boltArea) bounds(n int64) error {
	if a.pos < 0 || a.pos+n > int64(len(a.buf)) {
		return fmt.Errorf("blockstore: bolt area %d out of bounds at %d len %d", a.id, a.pos, n)
	}
	return nil
}

func (a *boltArea) GetInt32() (int32, error) {
	if err := a.bounds(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(a.buf[a.pos : a.pos+4]))
	a.pos += 4
	return v, nil
}

func (a *boltArea) GetInt64() (int64, error) {
	if err := a.bounds(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(a.buf[a.pos : a.pos+8]))
	a.pos += 8
	return v, nil
}

func (a *boltArea) PutInt32(v int32) error {
	if err := a.bounds(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(a.buf[a.pos:a.pos+4], uint32(v))
	a.pos += 4
	return nil
}

func (a *boltArea) PutInt64(v int64) error {
	if err := a.bounds(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(a.buf[a.pos:a.pos+8], uint64(v))
	a.pos += 8
	return nil
}

func (a *boltArea) Read(p []byte) (int, error) {
	n := copy(p, a.buf[a.pos:])
	a.pos += int64(n)
	return n, nil
}

func (a *boltArea) Write(p []byte) (int, error) {
	if err := a.bounds(int64(len(p))); err != nil {
		return 0, err
	}
	n := copy(a.buf[a.pos:], p)
	a.pos += int64(n)
	return n, nil
}

func (a *boltArea) CheckOut() error {
	return a.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucketAreas).Put(areaKey(a.id), a.buf)
	})
}
