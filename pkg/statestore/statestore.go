/*
Package statestore implements the durable root record of which master
tables are visible and which are pending deletion. Publish replaces
both lists in a single operation so a reader never observes a torn
state.
*/
package statestore

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/pgstore/pkg/engine"
)

// Entry names one master table's on-disk identity.
type Entry struct {
	TableID     int64
	EncodedName string
}

const (
	headerAreaID = -1

	// Header layout: magic(4) + visibleAreaID(8) + deletedAreaID(8).
	hdrMagic     int32 = 0x57415253 // "WARS"
	offHdrMagic        = 0
	offVisibleID       = 4
	offDeletedID       = 12
	headerSize         = 20
)

// StateStore is not safe for concurrent Publish calls; the conglomerate
// serializes all writers through its commit lock.
type StateStore struct {
	store     engine.Store
	visibleID int64
	deletedID int64
}

// Create initializes a new, empty StateStore over store.
func Create(store engine.Store) (*StateStore, error) {
	s := &StateStore{store: store}
	visID, err := writeEntryList(store, nil)
	if err != nil {
		return nil, err
	}
	delID, err := writeEntryList(store, nil)
	if err != nil {
		return nil, err
	}
	s.visibleID, s.deletedID = visID, delID
	if err := s.writeHeader(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads an existing StateStore's root pointer from the store's
// 64-byte header area.
func Open(store engine.Store) (*StateStore, error) {
	area, err := store.FixedArea(headerAreaID)
	if err != nil {
		return nil, fmt.Errorf("statestore: open header: %w", err)
	}
	magic, err := area.GetInt32()
	if err != nil {
		return nil, err
	}
	if magic != hdrMagic {
		return nil, fmt.Errorf("statestore: %w", engine.ErrBadMagic)
	}
	visID, err := area.GetInt64()
	if err != nil {
		return nil, err
	}
	delID, err := area.GetInt64()
	if err != nil {
		return nil, err
	}
	return &StateStore{store: store, visibleID: visID, deletedID: delID}, nil
}

func (s *StateStore) writeHeader() error {
	area, err := s.store.FixedArea(headerAreaID)
	if err != nil {
		return fmt.Errorf("statestore: open header for write: %w", err)
	}
	s.store.LockForWrite()
	defer s.store.UnlockForWrite()
	area.SetPosition(0)
	if err := area.PutInt32(hdrMagic); err != nil {
		return err
	}
	if err := area.PutInt64(s.visibleID); err != nil {
		return err
	}
	if err := area.PutInt64(s.deletedID); err != nil {
		return err
	}
	return area.CheckOut()
}

// Visible returns the current visible entry list.
func (s *StateStore) Visible() ([]Entry, error) {
	return readEntryList(s.store, s.visibleID)
}

// Deleted returns the current pending-delete entry list.
func (s *StateStore) Deleted() ([]Entry, error) {
	return readEntryList(s.store, s.deletedID)
}

// Publish atomically replaces both the visible and deleted lists: new
// areas are written first, then the header's two pointers are flipped
// together under LockForWrite, so a reader opening the header always
// sees either the fully-old or fully-new pair of lists, never one of
// each.
func (s *StateStore) Publish(visible, deleted []Entry) error {
	newVisID, err := writeEntryList(s.store, visible)
	if err != nil {
		return err
	}
	newDelID, err := writeEntryList(s.store, deleted)
	if err != nil {
		return err
	}
	oldVisID, oldDelID := s.visibleID, s.deletedID
	s.visibleID, s.deletedID = newVisID, newDelID
	if err := s.writeHeader(); err != nil {
		s.visibleID, s.deletedID = oldVisID, oldDelID
		return err
	}
	_ = s.store.DeleteArea(oldVisID)
	_ = s.store.DeleteArea(oldDelID)
	return nil
}

func writeEntryList(store engine.Store, entries []Entry) (int64, error) {
	buf := encodeEntries(entries)
	id, err := store.CreateArea(int64(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("statestore: allocate entry list: %w", err)
	}
	area, err := store.MutableArea(id)
	if err != nil {
		return 0, err
	}
	if _, err := area.Write(buf); err != nil {
		return 0, err
	}
	if err := area.CheckOut(); err != nil {
		return 0, err
	}
	return id, nil
}

func readEntryList(store engine.Store, id int64) ([]Entry, error) {
	area, err := store.OpenArea(id)
	if err != nil {
		return nil, fmt.Errorf("statestore: open entry list: %w", err)
	}
	buf := make([]byte, area.Length())
	if _, err := area.Read(buf); err != nil {
		return nil, err
	}
	return decodeEntries(buf)
}

func encodeEntries(entries []Entry) []byte {
	size := 4
	for _, e := range entries {
		size += 8 + 4 + len(e.EncodedName)
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(entries)))
	off += 4
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:], uint64(e.TableID))
		off += 8
		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.EncodedName)))
		off += 4
		copy(buf[off:], e.EncodedName)
		off += len(e.EncodedName)
	}
	return buf
}

func decodeEntries(buf []byte) ([]Entry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("statestore: truncated entry list")
	}
	count := binary.BigEndian.Uint32(buf)
	off := 4
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+12 > len(buf) {
			return nil, fmt.Errorf("statestore: truncated entry at index %d", i)
		}
		tableID := int64(binary.BigEndian.Uint64(buf[off:]))
		off += 8
		nameLen := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if off+nameLen > len(buf) {
			return nil, fmt.Errorf("statestore: truncated name at index %d", i)
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		entries = append(entries, Entry{TableID: tableID, EncodedName: name})
	}
	return entries, nil
}
