package statestore

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cuemby/pgstore/pkg/blockstore"
)

func newTestStore(t *testing.T) *blockstore.FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.dat")
	store, err := blockstore.Create(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateStartsEmpty(t *testing.T) {
	store := newTestStore(t)
	s, err := Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	visible, err := s.Visible()
	if err != nil {
		t.Fatalf("visible: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("fresh state store should have no visible entries, got %v", visible)
	}
	deleted, err := s.Deleted()
	if err != nil {
		t.Fatalf("deleted: %v", err)
	}
	if len(deleted) != 0 {
		t.Fatalf("fresh state store should have no deleted entries, got %v", deleted)
	}
}

// TestPublishAtomicPointerSwap: Publish must replace both lists
// together, so a reopened store observes the new pair, never a mix of
// old and new.
func TestPublishAtomicPointerSwap(t *testing.T) {
	store := newTestStore(t)
	s, err := Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	visible := []Entry{{TableID: 1, EncodedName: "t1"}, {TableID: 2, EncodedName: "t2"}}
	deleted := []Entry{{TableID: 3, EncodedName: "t3"}}
	if err := s.Publish(visible, deleted); err != nil {
		t.Fatalf("publish: %v", err)
	}

	gotVisible, err := s.Visible()
	if err != nil {
		t.Fatalf("visible: %v", err)
	}
	if !reflect.DeepEqual(gotVisible, visible) {
		t.Fatalf("Visible() = %+v, want %+v", gotVisible, visible)
	}
	gotDeleted, err := s.Deleted()
	if err != nil {
		t.Fatalf("deleted: %v", err)
	}
	if !reflect.DeepEqual(gotDeleted, deleted) {
		t.Fatalf("Deleted() = %+v, want %+v", gotDeleted, deleted)
	}

	reopened, err := Open(store)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reVisible, err := reopened.Visible()
	if err != nil {
		t.Fatalf("reopened visible: %v", err)
	}
	if !reflect.DeepEqual(reVisible, visible) {
		t.Fatalf("reopened Visible() = %+v, want %+v", reVisible, visible)
	}
}

func TestPublishReplacesPriorGeneration(t *testing.T) {
	store := newTestStore(t)
	s, err := Create(store)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Publish([]Entry{{TableID: 1, EncodedName: "t1"}}, nil); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := s.Publish([]Entry{{TableID: 2, EncodedName: "t2"}}, nil); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	visible, err := s.Visible()
	if err != nil {
		t.Fatalf("visible: %v", err)
	}
	if len(visible) != 1 || visible[0].TableID != 2 {
		t.Fatalf("Visible() after second publish = %+v, want only table 2", visible)
	}
}
