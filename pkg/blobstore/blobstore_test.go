package blobstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/sectorstore"
)

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobs.dat")
	sectors, _, err := sectorstore.Open(path, 64, false)
	if err != nil {
		t.Fatalf("open sector store: %v", err)
	}
	t.Cleanup(func() { sectors.Close() })
	return Open(sectors)
}

func TestAllocateGetReadBytesRoundTrip(t *testing.T) {
	b := newTestBlobStore(t)
	payload := bytes.Repeat([]byte("payload-"), 20)
	ref, err := b.Allocate(7, payload)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ref.TypeTag != 7 || ref.Size != int64(len(payload)) || ref.RefCount != 0 {
		t.Fatalf("ref = %+v, want TypeTag=7 Size=%d RefCount=0", ref, len(payload))
	}

	got, err := b.ReadBytes(ref.ID)
	if err != nil {
		t.Fatalf("read bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadBytes() = %q, want %q", got, payload)
	}

	meta, err := b.Get(ref.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if meta.RefCount != 0 {
		t.Fatalf("fresh allocation should start at refcount 0, got %d", meta.RefCount)
	}
}

func TestGetUnknownReferenceFails(t *testing.T) {
	b := newTestBlobStore(t)
	if _, err := b.Get(999); !errors.Is(err, engine.ErrAreaNotFound) {
		t.Fatalf("err = %v, want ErrAreaNotFound", err)
	}
}

func TestEstablishAndReleaseReferenceLifecycle(t *testing.T) {
	b := newTestBlobStore(t)
	ref, err := b.Allocate(1, []byte("hello"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := b.EstablishReference(ref.ID); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if err := b.EstablishReference(ref.ID); err != nil {
		t.Fatalf("establish: %v", err)
	}
	meta, err := b.Get(ref.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if meta.RefCount != 2 {
		t.Fatalf("RefCount = %d, want 2", meta.RefCount)
	}

	if err := b.ReleaseReference(ref.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	meta, _ = b.Get(ref.ID)
	if meta.RefCount != 1 {
		t.Fatalf("RefCount after one release = %d, want 1", meta.RefCount)
	}

	// The blob is still live until the count drops to zero: Sweep must
	// not reclaim it yet.
	if freed, err := b.Sweep(); err != nil || freed != 0 {
		t.Fatalf("Sweep() = (%d, %v), want (0, nil) while still referenced", freed, err)
	}
}

func TestReleaseReferenceBelowZeroFails(t *testing.T) {
	b := newTestBlobStore(t)
	ref, err := b.Allocate(1, []byte("hello"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := b.ReleaseReference(ref.ID); !errors.Is(err, engine.ErrAssertionFailure) {
		t.Fatalf("err = %v, want ErrAssertionFailure", err)
	}
}

func TestSweepReclaimsOnlyZeroRefCountBlobs(t *testing.T) {
	b := newTestBlobStore(t)
	live, err := b.Allocate(1, []byte("keep-me"))
	if err != nil {
		t.Fatalf("allocate live: %v", err)
	}
	if err := b.EstablishReference(live.ID); err != nil {
		t.Fatalf("establish: %v", err)
	}

	dead, err := b.Allocate(1, []byte("drop-me"))
	if err != nil {
		t.Fatalf("allocate dead: %v", err)
	}
	if err := b.EstablishReference(dead.ID); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if err := b.ReleaseReference(dead.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	freed, err := b.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if freed != 1 {
		t.Fatalf("Sweep() freed = %d, want 1", freed)
	}
	if _, err := b.Get(dead.ID); !errors.Is(err, engine.ErrAreaNotFound) {
		t.Fatalf("swept blob should no longer be gettable, err = %v", err)
	}
	if _, err := b.Get(live.ID); err != nil {
		t.Fatalf("live blob should survive sweep: %v", err)
	}
}

func TestRestoreSnapshotRoundTrip(t *testing.T) {
	b := newTestBlobStore(t)
	ref, err := b.Allocate(3, []byte("payload"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := b.EstablishReference(ref.ID); err != nil {
		t.Fatalf("establish: %v", err)
	}
	snap := b.Snapshot()

	restored := &BlobStore{meta: make(map[int64]*blobMeta), nextID: 1}
	restored.Restore(snap)

	got, err := restored.Get(ref.ID)
	if err != nil {
		t.Fatalf("restored get: %v", err)
	}
	if got.RefCount != 1 || got.TypeTag != 3 {
		t.Fatalf("restored ref = %+v, want RefCount=1 TypeTag=3", got)
	}
}

// TestCompactKeepsBlobIDsStable: compaction may move a blob's sectors
// but must never change its public reference id.
func TestCompactKeepsBlobIDsStable(t *testing.T) {
	b := newTestBlobStore(t)
	doomed, err := b.Allocate(1, bytes.Repeat([]byte("x"), 200))
	if err != nil {
		t.Fatalf("allocate doomed: %v", err)
	}
	payload := bytes.Repeat([]byte("keep"), 60)
	keep, err := b.Allocate(2, payload)
	if err != nil {
		t.Fatalf("allocate keep: %v", err)
	}
	if err := b.EstablishReference(keep.ID); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if err := b.EstablishReference(doomed.ID); err != nil {
		t.Fatalf("establish doomed: %v", err)
	}
	if err := b.ReleaseReference(doomed.ID); err != nil {
		t.Fatalf("release doomed: %v", err)
	}

	moved, err := b.Compact()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !moved {
		t.Fatal("compacting over a leading hole should move sectors")
	}
	got, err := b.ReadBytes(keep.ID)
	if err != nil {
		t.Fatalf("read after compact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload after compact mismatch")
	}
	if _, err := b.Get(doomed.ID); err == nil {
		t.Fatal("swept blob should be gone after compaction")
	}
}
