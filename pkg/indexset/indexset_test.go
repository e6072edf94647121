package indexset

import (
	"testing"

	"github.com/cuemby/pgstore/pkg/tobject"
)

func TestColumnIndexInsertSelectRemove(t *testing.T) {
	ci := NewColumnIndex()
	ci.Insert(tobject.Int64(5), 1)
	ci.Insert(tobject.Int64(5), 2)
	ci.Insert(tobject.Int64(9), 3)

	got := ci.SelectEqual(tobject.Int64(5))
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("SelectEqual(5) = %v, want [1 2]", got)
	}

	ci.Remove(tobject.Int64(5), 1)
	got = ci.SelectEqual(tobject.Int64(5))
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("SelectEqual(5) after remove = %v, want [2]", got)
	}
}

func TestColumnIndexSelectRangeAndLast(t *testing.T) {
	ci := NewColumnIndex()
	for i := int64(0); i < 20; i++ {
		ci.Insert(tobject.Int64(i), i)
	}
	got := ci.SelectRange(tobject.Int64(5), tobject.Int64(9))
	if len(got) != 5 {
		t.Fatalf("SelectRange(5,9) returned %d rows, want 5", len(got))
	}
	last := ci.SelectLast()
	if len(last) != 1 || last[0] != 19 {
		t.Fatalf("SelectLast() = %v, want [19]", last)
	}
}

// TestSnapshotIsCopyOnWrite checks that mutating a snapshot never
// disturbs the index it was taken from: a transaction's view must stay
// stable regardless of concurrent commits.
func TestSnapshotIsCopyOnWrite(t *testing.T) {
	ci := NewColumnIndex()
	ci.Insert(tobject.Int64(1), 100)

	snap := ci.Snapshot()
	snap.Insert(tobject.Int64(2), 200)
	snap.Remove(tobject.Int64(1), 100)

	if got := ci.SelectEqual(tobject.Int64(1)); len(got) != 1 || got[0] != 100 {
		t.Fatalf("original index was mutated by snapshot write: %v", got)
	}
	if got := ci.SelectEqual(tobject.Int64(2)); len(got) != 0 {
		t.Fatal("original index should not see rows inserted into the snapshot")
	}
	if got := snap.SelectEqual(tobject.Int64(2)); len(got) != 1 || got[0] != 200 {
		t.Fatalf("snapshot should see its own insert: %v", got)
	}
}

func TestColumnIndexSplitsAtCapacity(t *testing.T) {
	ci := NewColumnIndex()
	for i := int64(0); i < blockCapacity+10; i++ {
		ci.Insert(tobject.Int64(i), i)
	}
	if len(ci.blocks) < 2 {
		t.Fatalf("expected the column to split into multiple blocks past capacity %d, got %d block(s)", blockCapacity, len(ci.blocks))
	}
	if ci.Len() != blockCapacity+10 {
		t.Fatalf("Len() = %d, want %d", ci.Len(), blockCapacity+10)
	}
	// every entry must still be reachable after the split
	for i := int64(0); i < blockCapacity+10; i++ {
		got := ci.SelectEqual(tobject.Int64(i))
		if len(got) != 1 || got[0] != i {
			t.Fatalf("SelectEqual(%d) = %v after split, want [%d]", i, got, i)
		}
	}
}

func TestIndexSetDispose(t *testing.T) {
	s := New()
	s.Insert(0, tobject.Int64(1), 1)
	if !s.Live() {
		t.Fatal("freshly created IndexSet should be live")
	}
	s.Dispose()
	if s.Live() {
		t.Fatal("IndexSet should not be live after Dispose")
	}
}
