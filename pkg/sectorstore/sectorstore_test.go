package sectorstore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteReadAcrossSpansMultipleSectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.dat")
	s, dirty, err := Open(path, 32, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if dirty {
		t.Fatal("fresh store should not report dirty")
	}

	payload := bytes.Repeat([]byte("abcdefgh"), 10) // 80 bytes, spans several 32-byte sectors
	head, err := s.WriteAcross(payload)
	if err != nil {
		t.Fatalf("write across: %v", err)
	}
	got, err := s.ReadAcross(head)
	if err != nil {
		t.Fatalf("read across: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read across = %q, want %q", got, payload)
	}
}

func TestDeleteAcrossReclaimsSectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.dat")
	s, _, err := Open(path, 32, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	payload := bytes.Repeat([]byte("x"), 100)
	head, err := s.WriteAcross(payload)
	if err != nil {
		t.Fatalf("write across: %v", err)
	}
	usedBefore := s.SectorsUsed()

	if err := s.DeleteAcross(head); err != nil {
		t.Fatalf("delete across: %v", err)
	}
	if s.SectorsUsed() != 0 {
		t.Fatalf("sectors used after delete = %d, want 0", s.SectorsUsed())
	}

	head2, err := s.WriteAcross(payload)
	if err != nil {
		t.Fatalf("write across after delete: %v", err)
	}
	if s.SectorsUsed() != usedBefore {
		t.Fatalf("sectors used after reclaim = %d, want %d (delete chain should be reused)", s.SectorsUsed(), usedBefore)
	}
	got, err := s.ReadAcross(head2)
	if err != nil {
		t.Fatalf("read across reclaimed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reclaimed payload mismatch")
	}
}

// TestDirtyOpenFlag: a store that is reopened without Close() having
// reset the open flag must report dirty.
func TestDirtyOpenFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.dat")
	s, _, err := Open(path, 32, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.WriteAcross([]byte("hello")); err != nil {
		t.Fatalf("write across: %v", err)
	}
	// Simulate a crash: close the underlying file descriptor directly,
	// bypassing Store.Close so the open flag is never cleared.
	if err := s.f.Close(); err != nil {
		t.Fatalf("raw close: %v", err)
	}

	reopened, dirty, err := Open(path, 32, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if !dirty {
		t.Fatal("reopen after unclean shutdown should report dirty=true")
	}
}

func TestRepairRebuildsDeleteChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.dat")
	s, _, err := Open(path, 32, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ids := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.AddSector([]byte("x"))
		if err != nil {
			t.Fatalf("add sector %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := s.DeleteAcross(id); err != nil {
			t.Fatalf("delete %d: %v", id, err)
		}
	}
	// Scramble the in-memory delete head to simulate a header that
	// disagrees with the on-disk sector statuses, then repair from scratch.
	s.deleteHead = int64(TailNext)
	if err := s.Repair(); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if s.SectorsUsed() != 0 {
		t.Fatalf("sectors used after repair = %d, want 0", s.SectorsUsed())
	}
	if s.DeleteHead() == int64(TailNext) {
		t.Fatal("repair should have relinked the deleted sectors into the free chain")
	}
}

func TestOpenRejectsSectorSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.dat")
	s, _, err := Open(path, 64, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, _, err := Open(path, 32, false); err == nil {
		t.Fatal("reopening with a different sector size should fail")
	}
}

// TestClearDeletedSectorsRemapsChains: after compaction, surviving
// chains must read back intact even when their sectors moved, and the
// remap must report every moved sector id.
func TestClearDeletedSectorsRemapsChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.dat")
	s, _, err := Open(path, 32, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	doomed, err := s.WriteAcross(bytes.Repeat([]byte("x"), 90))
	if err != nil {
		t.Fatalf("write doomed: %v", err)
	}
	payload := bytes.Repeat([]byte("keep"), 30)
	keep, err := s.WriteAcross(payload)
	if err != nil {
		t.Fatalf("write keep: %v", err)
	}
	if err := s.DeleteAcross(doomed); err != nil {
		t.Fatalf("delete doomed: %v", err)
	}

	remap, err := s.ClearDeletedSectors()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(remap) == 0 {
		t.Fatal("compaction over a leading hole should move the surviving chain")
	}
	newHead, ok := remap[keep]
	if !ok {
		t.Fatalf("remap %v does not cover the surviving head %d", remap, keep)
	}
	got, err := s.ReadAcross(newHead)
	if err != nil {
		t.Fatalf("read after compact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload after compact = %q, want %q", got, payload)
	}
	if s.DeleteHead() != int64(TailNext) {
		t.Fatal("delete chain should be empty after compaction")
	}
}

func TestUserScratchRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.dat")
	s, _, err := Open(path, 32, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.WriteUserScratch([]byte("root pointer goes here")); err != nil {
		t.Fatalf("write scratch: %v", err)
	}
	got, err := s.ReadUserScratch()
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if !bytes.HasPrefix(got, []byte("root pointer goes here")) {
		t.Fatalf("scratch = %q", got[:32])
	}
	if err := s.WriteUserScratch(bytes.Repeat([]byte("x"), 129)); err == nil {
		t.Fatal("scratch payload above 128 bytes should be rejected")
	}
}
