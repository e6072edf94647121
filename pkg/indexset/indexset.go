/*
Package indexset provides per-table snapshots of each indexed column's
ordered row-id list. A snapshot is held exclusively by one transaction
and is copy-on-write at block granularity, so a transaction can mutate
its view without disturbing the committed set it was taken from.
*/
package indexset

import (
	"sort"

	"github.com/cuemby/pgstore/pkg/tobject"
)

// blockCapacity bounds how many entries live in one block before it
// splits; it is the unit of copy-on-write sharing.
const blockCapacity = 512

// entry pairs an indexed value with the row id it belongs to.
type entry struct {
	value tobject.TObject
	row   int64
}

func lessEntry(a, b entry) bool {
	if c := a.value.Compare(b.value); c != 0 {
		return c < 0
	}
	return a.row < b.row
}

// block is the copy-on-write unit: entries sorted ascending. Two
// ColumnIndexes may point at the same *block after Snapshot; the first
// mutator clones it before writing.
type block struct {
	entries []entry
}

func (b *block) clone() *block {
	cp := make([]entry, len(b.entries))
	copy(cp, b.entries)
	return &block{entries: cp}
}

// ColumnIndex is the ordered row-id list for one indexed column.
type ColumnIndex struct {
	blocks []*block // blocks[i].entries all < blocks[i+1].entries
}

// NewColumnIndex returns an empty index.
func NewColumnIndex() *ColumnIndex {
	return &ColumnIndex{}
}

// Snapshot returns a new ColumnIndex sharing this one's blocks; neither
// copy is mutated until a write touches a shared block, at which point
// only that block is cloned.
func (c *ColumnIndex) Snapshot() *ColumnIndex {
	blocks := make([]*block, len(c.blocks))
	copy(blocks, c.blocks)
	return &ColumnIndex{blocks: blocks}
}

// blockFor returns the index of the block that value belongs in (the
// last block whose first entry is <= value, or 0 if value precedes
// every block).
func (c *ColumnIndex) blockFor(value tobject.TObject) int {
	if len(c.blocks) == 0 {
		return -1
	}
	idx := sort.Search(len(c.blocks), func(i int) bool {
		return lessEntryValue(value, c.blocks[i].entries[0].value)
	})
	if idx == 0 {
		return 0
	}
	return idx - 1
}

func lessEntryValue(v, other tobject.TObject) bool {
	return v.Compare(other) < 0
}

// Insert adds (value, row) in sorted order, splitting the target block
// if it has reached blockCapacity.
func (c *ColumnIndex) Insert(value tobject.TObject, row int64) {
	e := entry{value: value, row: row}
	if len(c.blocks) == 0 {
		c.blocks = []*block{{entries: []entry{e}}}
		return
	}
	bi := c.blockFor(value)
	b := c.blocks[bi].clone()
	pos := sort.Search(len(b.entries), func(i int) bool { return lessEntry(e, b.entries[i]) })
	b.entries = append(b.entries, entry{})
	copy(b.entries[pos+1:], b.entries[pos:])
	b.entries[pos] = e
	c.blocks[bi] = b

	if len(b.entries) > blockCapacity {
		c.splitBlock(bi)
	}
}

func (c *ColumnIndex) splitBlock(bi int) {
	b := c.blocks[bi]
	mid := len(b.entries) / 2
	left := &block{entries: append([]entry(nil), b.entries[:mid]...)}
	right := &block{entries: append([]entry(nil), b.entries[mid:]...)}
	c.blocks = append(c.blocks, nil)
	copy(c.blocks[bi+2:], c.blocks[bi+1:])
	c.blocks[bi] = left
	c.blocks[bi+1] = right
}

// Remove deletes (value, row); it is a no-op if the pair is absent. The
// pair, if present, lives in the first block whose last entry is >= it,
// so the scan stops there regardless of outcome.
func (c *ColumnIndex) Remove(value tobject.TObject, row int64) {
	target := entry{value: value, row: row}
	for bi, b := range c.blocks {
		if len(b.entries) == 0 || lessEntry(b.entries[len(b.entries)-1], target) {
			continue
		}
		pos := sort.Search(len(b.entries), func(i int) bool { return !lessEntry(b.entries[i], target) })
		if pos < len(b.entries) && b.entries[pos].row == row && b.entries[pos].value.Compare(value) == 0 {
			nb := b.clone()
			nb.entries = append(nb.entries[:pos], nb.entries[pos+1:]...)
			if len(nb.entries) == 0 {
				c.blocks = append(c.blocks[:bi], c.blocks[bi+1:]...)
			} else {
				c.blocks[bi] = nb
			}
		}
		return
	}
}

// SelectEqual returns every row id indexed under value, in ascending
// row-id order. An equal run can straddle a block split, so every block
// whose range covers value is scanned.
func (c *ColumnIndex) SelectEqual(value tobject.TObject) []int64 {
	var out []int64
	for _, b := range c.blocks {
		if len(b.entries) == 0 || b.entries[len(b.entries)-1].value.Compare(value) < 0 {
			continue
		}
		if b.entries[0].value.Compare(value) > 0 {
			break
		}
		start := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].value.Compare(value) >= 0 })
		for i := start; i < len(b.entries) && b.entries[i].value.Compare(value) == 0; i++ {
			out = append(out, b.entries[i].row)
		}
	}
	return out
}

// SelectRange returns every row id whose value falls in [lo, hi]
// inclusive, ascending by value then row id.
func (c *ColumnIndex) SelectRange(lo, hi tobject.TObject) []int64 {
	var out []int64
	for _, b := range c.blocks {
		for _, e := range b.entries {
			if e.value.Compare(lo) >= 0 && e.value.Compare(hi) <= 0 {
				out = append(out, e.row)
			}
		}
	}
	return out
}

// SelectLast returns the row ids holding the maximum indexed value.
func (c *ColumnIndex) SelectLast() []int64 {
	if len(c.blocks) == 0 {
		return nil
	}
	last := c.blocks[len(c.blocks)-1]
	if len(last.entries) == 0 {
		return nil
	}
	max := last.entries[len(last.entries)-1].value
	var out []int64
	for i := len(last.entries) - 1; i >= 0 && last.entries[i].value.Compare(max) == 0; i-- {
		out = append(out, last.entries[i].row)
	}
	return out
}

// Len returns the total number of indexed entries, for diagnostics.
func (c *ColumnIndex) Len() int {
	n := 0
	for _, b := range c.blocks {
		n += len(b.entries)
	}
	return n
}

// IndexSet is the full per-master-table snapshot: one ColumnIndex per
// indexed column, keyed by column position.
type IndexSet struct {
	columns map[int]*ColumnIndex
	live    bool
}

// New returns an empty IndexSet.
func New() *IndexSet {
	return &IndexSet{columns: make(map[int]*ColumnIndex), live: true}
}

// Column returns (creating if absent) the ColumnIndex for col.
func (s *IndexSet) Column(col int) *ColumnIndex {
	ci, ok := s.columns[col]
	if !ok {
		ci = NewColumnIndex()
		s.columns[col] = ci
	}
	return ci
}

// Snapshot returns a new IndexSet whose columns share blocks with this
// one (copy-on-write). The MasterTable calls this once per transaction
// (CreateIndexSet); the transaction mutates its own copy freely.
func (s *IndexSet) Snapshot() *IndexSet {
	cp := New()
	for col, ci := range s.columns {
		cp.columns[col] = ci.Snapshot()
	}
	return cp
}

func (s *IndexSet) SelectEqual(col int, value tobject.TObject) []int64 {
	return s.Column(col).SelectEqual(value)
}

func (s *IndexSet) SelectRange(col int, lo, hi tobject.TObject) []int64 {
	return s.Column(col).SelectRange(lo, hi)
}

func (s *IndexSet) SelectLast(col int) []int64 {
	return s.Column(col).SelectLast()
}

func (s *IndexSet) Insert(col int, value tobject.TObject, row int64) {
	s.Column(col).Insert(value, row)
}

func (s *IndexSet) Remove(col int, value tobject.TObject, row int64) {
	s.Column(col).Remove(value, row)
}

// Dispose releases this IndexSet. Ownership is exclusive to the holder
// (transaction or master table); using it afterward is a programmer
// error.
func (s *IndexSet) Dispose() {
	s.columns = nil
	s.live = false
}

// Live reports whether Dispose has not yet been called.
func (s *IndexSet) Live() bool { return s.live }
