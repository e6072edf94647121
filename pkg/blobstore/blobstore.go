/*
Package blobstore implements a reference-counted large-object allocator
layered on a sector-chained payload store. Rows hold blob reference
ids; EstablishReference and ReleaseReference track how many rows
incorporate each blob.

A blob becomes eligible for reclamation only when its reference count
reaches zero and no open transaction's snapshot can still reach it; the
conglomerate enforces the second half by refusing to compact (the only
path that sweeps) while any transaction is open. Blob ids are stable
across sector compaction:
the id is minted independently of the head sector, and Compact remaps
heads when sectors move.
*/
package blobstore

import (
	"fmt"
	"sync"

	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/sectorstore"
)

// Ref is a handle to one allocated blob. Head is the current head
// sector of its payload chain, persisted so a reopened store can keep
// reading blobs whose sectors were compacted.
type Ref struct {
	ID       int64
	Head     int64
	TypeTag  int32
	Size     int64
	RefCount int32
}

type blobMeta struct {
	head     int64
	typeTag  int32
	size     int64
	refCount int32
	pending  bool // refCount reached zero, awaiting Sweep
}

// BlobStore is not safe for concurrent use without external
// synchronization; the conglomerate serializes writers through its
// commit lock the same way it does for the state store.
type BlobStore struct {
	mu      sync.Mutex
	sectors *sectorstore.Store
	meta    map[int64]*blobMeta
	nextID  int64
}

// Open wraps an already-open sector store as a BlobStore's payload
// area. meta starts empty; callers that reopen an existing blob store
// must call Restore with the persisted catalog (pkg/conglomerate
// persists it as part of its own bootstrap state).
func Open(sectors *sectorstore.Store) *BlobStore {
	return &BlobStore{sectors: sectors, meta: make(map[int64]*blobMeta), nextID: 1}
}

// Restore seeds the in-memory catalog from a previously persisted
// snapshot (see Snapshot).
func (b *BlobStore) Restore(entries []Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range entries {
		b.meta[r.ID] = &blobMeta{head: r.Head, typeTag: r.TypeTag, size: r.Size, refCount: r.RefCount}
		if r.ID >= b.nextID {
			b.nextID = r.ID + 1
		}
	}
}

// Snapshot returns every tracked blob's metadata for persistence.
func (b *BlobStore) Snapshot() []Ref {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Ref, 0, len(b.meta))
	for id, m := range b.meta {
		out = append(out, Ref{ID: id, Head: m.head, TypeTag: m.typeTag, Size: m.size, RefCount: m.refCount})
	}
	return out
}

// Allocate reserves and writes the typed payload, returning a Ref with
// a reference count of zero — the caller must call EstablishReference
// once a row incorporates it. The returned id is minted independently
// of the payload's head sector, so it survives sector compaction.
func (b *BlobStore) Allocate(typeTag int32, data []byte) (Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	head, err := b.sectors.WriteAcross(data)
	if err != nil {
		return Ref{}, fmt.Errorf("blobstore: allocate: %w", err)
	}
	id := b.nextID
	b.nextID++
	m := &blobMeta{head: head, typeTag: typeTag, size: int64(len(data))}
	b.meta[id] = m
	return Ref{ID: id, Head: head, TypeTag: typeTag, Size: m.size}, nil
}

// Get returns the metadata for reference_id.
func (b *BlobStore) Get(referenceID int64) (Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[referenceID]
	if !ok {
		return Ref{}, fmt.Errorf("blobstore: %w: id %d", engine.ErrAreaNotFound, referenceID)
	}
	return Ref{ID: referenceID, Head: m.head, TypeTag: m.typeTag, Size: m.size, RefCount: m.refCount}, nil
}

// ReadBytes reads the full payload of referenceID.
func (b *BlobStore) ReadBytes(referenceID int64) ([]byte, error) {
	ref, err := b.Get(referenceID)
	if err != nil {
		return nil, err
	}
	data, err := b.sectors.ReadAcross(ref.Head)
	if err != nil {
		return nil, err
	}
	// The chain's last sector comes back whole; cut it to the blob size.
	if int64(len(data)) > ref.Size {
		data = data[:ref.Size]
	}
	return data, nil
}

// EstablishReference increments a blob's reference count; called when a
// row incorporates the blob.
func (b *BlobStore) EstablishReference(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok {
		return fmt.Errorf("blobstore: %w: id %d", engine.ErrAreaNotFound, id)
	}
	m.refCount++
	m.pending = false
	return nil
}

// ReleaseReference decrements a blob's reference count; called when a
// row containing the reference is purged. A count reaching zero marks
// the blob pending reclamation by Sweep, not immediately freed.
func (b *BlobStore) ReleaseReference(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok {
		return fmt.Errorf("blobstore: %w: id %d", engine.ErrAreaNotFound, id)
	}
	if m.refCount == 0 {
		return fmt.Errorf("blobstore: release on already-zero reference count for id %d: %w", id, engine.ErrAssertionFailure)
	}
	m.refCount--
	if m.refCount == 0 {
		m.pending = true
	}
	return nil
}

// Sweep frees every pending (refCount == 0) blob's sectors. The caller
// is responsible for only invoking Sweep once no open transaction's
// snapshot can still reach a pending blob.
func (b *BlobStore) Sweep() (freed int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, m := range b.meta {
		if !m.pending {
			continue
		}
		if err := b.sectors.DeleteAcross(m.head); err != nil {
			return freed, fmt.Errorf("blobstore: sweep id %d: %w", id, err)
		}
		delete(b.meta, id)
		freed++
	}
	return freed, nil
}

// Compact sweeps pending blobs and then compacts the underlying sector
// store, remapping every surviving blob's head to its new sector
// position. Blob ids are unchanged, so references held in committed
// rows stay valid.
func (b *BlobStore) Compact() (moved bool, err error) {
	if _, err := b.Sweep(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	remap, err := b.sectors.ClearDeletedSectors()
	if err != nil {
		return false, err
	}
	if len(remap) == 0 {
		return false, nil
	}
	for _, m := range b.meta {
		if newHead, ok := remap[m.head]; ok {
			m.head = newHead
		}
	}
	return true, nil
}
