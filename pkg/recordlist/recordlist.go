package recordlist

import (
	"fmt"

	"github.com/cuemby/pgstore/pkg/engine"
)

// FixedRecordList is not thread safe; callers must serialize access.
type FixedRecordList struct {
	store     engine.Store
	entrySize int

	headerID     int64
	blockCount   int32
	reservedLong int64
	blockAreas   [MaxBlocks]int64 // 0 means unallocated
}

// New binds a FixedRecordList to a store and entry width without
// touching the store; call Create or Init next.
func New(store engine.Store, entrySize int) *FixedRecordList {
	return &FixedRecordList{store: store, entrySize: entrySize}
}

// Create allocates a fresh header extent and returns its id.
func (l *FixedRecordList) Create() (int64, error) {
	id, err := l.store.CreateArea(HeaderSize)
	if err != nil {
		return 0, fmt.Errorf("recordlist: create header: %w", err)
	}
	l.headerID = id
	l.blockCount = 0
	l.reservedLong = 0
	if err := l.writeHeader(); err != nil {
		return 0, err
	}
	return id, nil
}

// Init loads an existing FixedRecordList from its header area id.
func (l *FixedRecordList) Init(headerID int64) error {
	area, err := l.store.OpenArea(headerID)
	if err != nil {
		return fmt.Errorf("recordlist: open header: %w", err)
	}
	magic, err := area.GetInt32()
	if err != nil {
		return err
	}
	if magic != HeaderMagic {
		return fmt.Errorf("recordlist: header %d: %w", headerID, engine.ErrBadMagic)
	}
	blockCount, err := area.GetInt32()
	if err != nil {
		return err
	}
	reserved, err := area.GetInt64()
	if err != nil {
		return err
	}
	l.headerID = headerID
	l.blockCount = blockCount
	l.reservedLong = reserved
	for k := 0; k < int(blockCount); k++ {
		ptr, err := area.GetInt64()
		if err != nil {
			return err
		}
		l.blockAreas[k] = ptr
	}
	return nil
}

func (l *FixedRecordList) writeHeader() error {
	area, err := l.store.MutableArea(l.headerID)
	if err != nil {
		return fmt.Errorf("recordlist: open header for write: %w", err)
	}
	l.store.LockForWrite()
	defer l.store.UnlockForWrite()
	area.SetPosition(offMagic)
	if err := area.PutInt32(HeaderMagic); err != nil {
		return err
	}
	if err := area.PutInt32(l.blockCount); err != nil {
		return err
	}
	if err := area.PutInt64(l.reservedLong); err != nil {
		return err
	}
	for k := 0; k < MaxBlocks; k++ {
		if err := area.PutInt64(l.blockAreas[k]); err != nil {
			return err
		}
	}
	return area.CheckOut()
}

// Position returns a Cursor over the entry for recordNumber, creating no
// new blocks: the caller must have grown the list far enough already.
func (l *FixedRecordList) Position(recordNumber int64) (*Cursor, error) {
	k, offset := locate(recordNumber)
	if k >= int(l.blockCount) {
		return nil, fmt.Errorf("recordlist: record %d falls in unallocated block %d", recordNumber, k)
	}
	area, err := l.store.MutableArea(l.blockAreas[k])
	if err != nil {
		return nil, fmt.Errorf("recordlist: open block %d: %w", k, err)
	}
	area.SetPosition(offset * int64(l.entrySize))
	return &Cursor{area: area, entrySize: l.entrySize}, nil
}

// IncreaseSize allocates the next geometric block.
func (l *FixedRecordList) IncreaseSize() error {
	if int(l.blockCount) >= MaxBlocks {
		return fmt.Errorf("recordlist: already at the %d-block maximum", MaxBlocks)
	}
	k := int(l.blockCount)
	size := blockEntryCount(k) * int64(l.entrySize)
	id, err := l.store.CreateArea(size)
	if err != nil {
		return fmt.Errorf("recordlist: allocate block %d: %w", k, err)
	}
	l.blockAreas[k] = id
	l.blockCount++
	return l.writeHeader()
}

// DecreaseSize frees the top block. isEmpty is invoked for every
// record number addressable in the top block; if any returns false the
// decrease is rejected with ErrBlockNotEmpty rather than silently
// discarding live records.
func (l *FixedRecordList) DecreaseSize(isEmpty func(recordNumber int64) bool) error {
	if l.blockCount == 0 {
		return fmt.Errorf("recordlist: no blocks to decrease")
	}
	k := int(l.blockCount) - 1
	if isEmpty != nil {
		first := blockFirstIndex(k)
		count := blockEntryCount(k)
		for n := first; n < first+count; n++ {
			if !isEmpty(n) {
				return fmt.Errorf("recordlist: block %d record %d still addressable: %w", k, n, engine.ErrBlockNotEmpty)
			}
		}
	}
	if err := l.store.DeleteArea(l.blockAreas[k]); err != nil {
		return fmt.Errorf("recordlist: free block %d: %w", k, err)
	}
	l.blockAreas[k] = 0
	l.blockCount--
	return l.writeHeader()
}

// AddressableNodeCount returns the total entry count across all
// allocated blocks.
func (l *FixedRecordList) AddressableNodeCount() int64 {
	var total int64
	for k := 0; k < int(l.blockCount); k++ {
		total += blockEntryCount(k)
	}
	return total
}

// AllAreasUsed returns the header area id plus every allocated block
// area id, for full-copy operations (Conglomerate.CopyTable).
func (l *FixedRecordList) AllAreasUsed() []int64 {
	ids := make([]int64, 0, int(l.blockCount)+1)
	ids = append(ids, l.headerID)
	for k := 0; k < int(l.blockCount); k++ {
		ids = append(ids, l.blockAreas[k])
	}
	return ids
}

// ReservedLong returns the caller-rooted value stashed in the header
// (the master table uses it to root a type-specific delete chain).
func (l *FixedRecordList) ReservedLong() int64 { return l.reservedLong }

// SetReservedLong persists a new reserved value.
func (l *FixedRecordList) SetReservedLong(v int64) error {
	l.reservedLong = v
	return l.writeHeader()
}

// HeaderID returns the header area id, the identifier callers persist to
// reopen this list later.
func (l *FixedRecordList) HeaderID() int64 { return l.headerID }

// BlockCount returns the number of allocated blocks.
func (l *FixedRecordList) BlockCount() int32 { return l.blockCount }

// Cursor is a positioned view over one fixed-size entry.
type Cursor struct {
	area      engine.Area
	entrySize int
}

func (c *Cursor) GetInt32() (int32, error)  { return c.area.GetInt32() }
func (c *Cursor) GetInt64() (int64, error)  { return c.area.GetInt64() }
func (c *Cursor) PutInt32(v int32) error    { return c.area.PutInt32(v) }
func (c *Cursor) PutInt64(v int64) error    { return c.area.PutInt64(v) }
func (c *Cursor) Read(buf []byte) (int, error)  { return c.area.Read(buf) }
func (c *Cursor) Write(buf []byte) (int, error) { return c.area.Write(buf) }
func (c *Cursor) CheckOut() error           { return c.area.CheckOut() }
func (c *Cursor) EntrySize() int            { return c.entrySize }
