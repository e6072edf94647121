package recordlist

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/pgstore/pkg/blockstore"
)

func newTestStore(t *testing.T) *blockstore.FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recordlist.dat")
	store, err := blockstore.Create(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestGeometricAddressing: five IncreaseSize calls should yield
// 32+64+128+256+512 = 992 addressable entries, and a value written at
// record 128 must read back unchanged.
func TestGeometricAddressing(t *testing.T) {
	store := newTestStore(t)
	l := New(store, 4)
	if _, err := l.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.IncreaseSize(); err != nil {
			t.Fatalf("increase size %d: %v", i, err)
		}
	}
	if got, want := l.AddressableNodeCount(), int64(992); got != want {
		t.Fatalf("AddressableNodeCount() = %d, want %d", got, want)
	}

	cur, err := l.Position(128)
	if err != nil {
		t.Fatalf("position(128): %v", err)
	}
	if err := cur.PutInt32(7); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cur.CheckOut(); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	cur2, err := l.Position(128)
	if err != nil {
		t.Fatalf("re-position(128): %v", err)
	}
	got, err := cur2.GetInt32()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 7 {
		t.Fatalf("record 128 = %d, want 7", got)
	}
}

// TestLocate: position(n) derives block k as the highest set bit of
// n+32 minus 5, and offset n - 32*(2^k-1).
func TestLocate(t *testing.T) {
	tests := []struct {
		n         int64
		wantBlock int
		wantOff   int64
	}{
		{0, 0, 0},
		{31, 0, 31},
		{32, 1, 0},
		{95, 1, 63},
		{96, 2, 0},
		{223, 2, 127},
		{224, 3, 0},
	}
	for _, tt := range tests {
		k, off := locate(tt.n)
		if k != tt.wantBlock || off != tt.wantOff {
			t.Errorf("locate(%d) = (%d, %d), want (%d, %d)", tt.n, k, off, tt.wantBlock, tt.wantOff)
		}
	}
}

func TestInitRejectsBadMagic(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateArea(HeaderSize)
	if err != nil {
		t.Fatalf("create area: %v", err)
	}
	l := New(store, 8)
	if err := l.Init(id); err == nil {
		t.Fatal("Init should fail on a zeroed header with no magic written")
	}
}

func TestDecreaseSizeRejectsNonEmptyBlock(t *testing.T) {
	store := newTestStore(t)
	l := New(store, 4)
	if _, err := l.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.IncreaseSize(); err != nil {
		t.Fatalf("increase size: %v", err)
	}
	err := l.DecreaseSize(func(recordNumber int64) bool { return false })
	if err == nil {
		t.Fatal("DecreaseSize should reject a block reported non-empty")
	}
	if err := l.DecreaseSize(func(recordNumber int64) bool { return true }); err != nil {
		t.Fatalf("DecreaseSize should succeed when every record reports empty: %v", err)
	}
	if l.BlockCount() != 0 {
		t.Fatalf("BlockCount() = %d, want 0", l.BlockCount())
	}
}

func TestReservedLongRoundTrips(t *testing.T) {
	store := newTestStore(t)
	l := New(store, 4)
	headerID, err := l.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.SetReservedLong(42); err != nil {
		t.Fatalf("set reserved: %v", err)
	}

	reopened := New(store, 4)
	if err := reopened.Init(headerID); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := reopened.ReservedLong(); got != 42 {
		t.Fatalf("ReservedLong() = %d, want 42", got)
	}
}
