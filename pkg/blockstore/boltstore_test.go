package blockstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/pgstore/pkg/engine"
)

func newTestBoltStore(t *testing.T) *BoltAreaStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "areas.bolt")
	s, err := NewBoltAreaStore(path)
	if err != nil {
		t.Fatalf("new bolt area store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltAreaStoreCreateAndRoundTrip(t *testing.T) {
	s := newTestBoltStore(t)
	id, err := s.CreateArea(16)
	if err != nil {
		t.Fatalf("create area: %v", err)
	}
	area, err := s.MutableArea(id)
	if err != nil {
		t.Fatalf("mutable area: %v", err)
	}
	if err := area.PutInt64(123); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := area.CheckOut(); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	reread, err := s.OpenArea(id)
	if err != nil {
		t.Fatalf("open area: %v", err)
	}
	got, err := reread.GetInt64()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 123 {
		t.Fatalf("GetInt64() = %d, want 123", got)
	}
}

func TestBoltAreaStoreOpenAreaRejectsUnknownID(t *testing.T) {
	s := newTestBoltStore(t)
	if _, err := s.OpenArea(999); !errors.Is(err, engine.ErrAreaNotFound) {
		t.Fatalf("err = %v, want ErrAreaNotFound", err)
	}
}

func TestBoltAreaStoreDeleteAreaRejectsFurtherAccess(t *testing.T) {
	s := newTestBoltStore(t)
	id, err := s.CreateArea(8)
	if err != nil {
		t.Fatalf("create area: %v", err)
	}
	if err := s.DeleteArea(id); err != nil {
		t.Fatalf("delete area: %v", err)
	}
	if _, err := s.OpenArea(id); !errors.Is(err, engine.ErrAreaNotFound) {
		t.Fatalf("err = %v, want ErrAreaNotFound after delete", err)
	}
}

func TestBoltAreaStoreFixedAreaOnlyAcceptsHeaderID(t *testing.T) {
	s := newTestBoltStore(t)
	if _, err := s.FixedArea(headerAreaID); err != nil {
		t.Fatalf("fixed area on header id: %v", err)
	}
	if _, err := s.FixedArea(42); err == nil {
		t.Fatal("fixed area on a non-header id should fail")
	}
}

func TestBoltAreaWritesStageUntilCheckOut(t *testing.T) {
	s := newTestBoltStore(t)
	id, err := s.CreateArea(8)
	if err != nil {
		t.Fatalf("create area: %v", err)
	}
	area, err := s.MutableArea(id)
	if err != nil {
		t.Fatalf("mutable area: %v", err)
	}
	if err := area.PutInt32(5); err != nil {
		t.Fatalf("put: %v", err)
	}
	// No CheckOut: a fresh view must still see the zero value.
	fresh, err := s.OpenArea(id)
	if err != nil {
		t.Fatalf("open area: %v", err)
	}
	got, err := fresh.GetInt32()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 0 {
		t.Fatalf("uncommitted write leaked before CheckOut: got %d, want 0", got)
	}
}
