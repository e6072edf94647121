/*
Package txjournal implements the per-transaction and per-table
journals: an ordered log of row adds/removes/touches within one
transaction, normalized at commit into disjoint add/remove row sets,
plus the per-table history of committed journals the conglomerate
consults for dirty-select and row-clash detection.
*/
package txjournal

import "sort"

// EntryKind discriminates one journal entry.
type EntryKind int

const (
	EntryAdd EntryKind = iota
	EntryRemove
	EntryTouched
	EntryCreate
	EntryDrop
	EntryConstraintAlter
)

// Entry is one ordered journal record.
type Entry struct {
	Kind    EntryKind
	TableID int64
	RowID   int64 // meaningful for EntryAdd/EntryRemove only
}

// Journal is the ordered log a Transaction accumulates across every
// master table it touches.
type Journal struct {
	entries []Entry
}

// New returns an empty Journal.
func New() *Journal { return &Journal{} }

func (j *Journal) AddRow(tableID, rowID int64) {
	j.entries = append(j.entries, Entry{Kind: EntryAdd, TableID: tableID, RowID: rowID})
}

func (j *Journal) RemoveRow(tableID, rowID int64) {
	j.entries = append(j.entries, Entry{Kind: EntryRemove, TableID: tableID, RowID: rowID})
}

func (j *Journal) Touch(tableID int64) {
	j.entries = append(j.entries, Entry{Kind: EntryTouched, TableID: tableID})
}

func (j *Journal) Create(tableID int64) {
	j.entries = append(j.entries, Entry{Kind: EntryCreate, TableID: tableID})
}

func (j *Journal) Drop(tableID int64) {
	j.entries = append(j.entries, Entry{Kind: EntryDrop, TableID: tableID})
}

func (j *Journal) ConstraintAlter(tableID int64) {
	j.entries = append(j.entries, Entry{Kind: EntryConstraintAlter, TableID: tableID})
}

// Entries returns the raw ordered log.
func (j *Journal) Entries() []Entry { return j.entries }

// IsEmpty reports whether nothing was recorded.
func (j *Journal) IsEmpty() bool { return len(j.entries) == 0 }

func (j *Journal) tableSet(kind EntryKind) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, e := range j.entries {
		if e.Kind == kind && !seen[e.TableID] {
			seen[e.TableID] = true
			out = append(out, e.TableID)
		}
	}
	return out
}

// TouchedTables returns every table with at least one row add/remove or
// an explicit touch, in first-seen order.
func (j *Journal) TouchedTables() []int64 {
	seen := make(map[int64]bool)
	var out []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, e := range j.entries {
		switch e.Kind {
		case EntryAdd, EntryRemove, EntryTouched:
			add(e.TableID)
		}
	}
	return out
}

func (j *Journal) CreatedTables() []int64         { return j.tableSet(EntryCreate) }
func (j *Journal) DroppedTables() []int64         { return j.tableSet(EntryDrop) }
func (j *Journal) ConstraintAlteredTables() []int64 { return j.tableSet(EntryConstraintAlter) }

// MasterTableJournal is the normalized, disjoint add/remove row set
// for one table within one transaction: what CommitTransactionChange
// publishes and what the per-table commit history stores keyed by
// commit id.
type MasterTableJournal struct {
	TableID   int64
	CommitID  int64 // set once this journal is committed; 0 while in-flight
	Added     []int64
	Removed   []int64
}

// Normalize walks the entries for tableID in order and cancels any row
// that was both added and removed within this transaction.
func (j *Journal) Normalize(tableID int64) MasterTableJournal {
	added := make(map[int64]bool)
	removed := make(map[int64]bool)
	for _, e := range j.entries {
		if e.TableID != tableID {
			continue
		}
		switch e.Kind {
		case EntryAdd:
			added[e.RowID] = true
		case EntryRemove:
			if added[e.RowID] {
				delete(added, e.RowID)
			} else {
				removed[e.RowID] = true
			}
		}
	}
	out := MasterTableJournal{TableID: tableID}
	for row := range added {
		out.Added = append(out.Added, row)
	}
	for row := range removed {
		out.Removed = append(out.Removed, row)
	}
	sort.Slice(out.Added, func(i, j int) bool { return out.Added[i] < out.Added[j] })
	sort.Slice(out.Removed, func(i, j int) bool { return out.Removed[i] < out.Removed[j] })
	return out
}

// History is the ordered, append-only list of committed
// MasterTableJournals for one master table, consulted for dirty-select
// and row-clash detection.
type History struct {
	entries []MasterTableJournal
}

// NewHistory returns an empty history.
func NewHistory() *History { return &History{} }

// Append records a newly committed journal.
func (h *History) Append(mtj MasterTableJournal) {
	h.entries = append(h.entries, mtj)
}

// Since returns every journal with CommitID >= minCommitID, in commit
// order.
func (h *History) Since(minCommitID int64) []MasterTableJournal {
	var out []MasterTableJournal
	for _, e := range h.entries {
		if e.CommitID >= minCommitID {
			out = append(out, e)
		}
	}
	return out
}

// Merge discards history strictly older than minCommitID, the commit
// id below which no open transaction can still need it.
func (h *History) Merge(minCommitID int64) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.CommitID >= minCommitID {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}
