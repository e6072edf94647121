package engine

// Options configures a Conglomerate: a plain struct passed to
// conglomerate.Open, with flags populated by cmd/pgstore's cobra
// layer.
type Options struct {
	// DataDir is the directory holding the conglomerate's state store,
	// blob store, and per-table sector files.
	DataDir string

	// ReadOnly opens the conglomerate without acquiring the process
	// exclusive lock and opens the blob sector file read-only.
	// Transactions are not checked for writes.
	ReadOnly bool

	// DefaultDataSectorSize is the sector size of the conglomerate's blob
	// sector file. CreateTable does not read it; callers pass a data
	// sector size explicitly. Must be in [MinSectorSize, MaxSectorSize].
	DefaultDataSectorSize int

	// DefaultIndexSectorSize is checked by Validate against the same
	// bounds; nothing else reads it.
	DefaultIndexSectorSize int

	// ErrorOnDirtyRead, when true, makes new transactions fail their
	// commit when any table they recorded a read-dependency on was
	// modified by another committed transaction in the meantime.
	ErrorOnDirtyRead bool
}

// Bounds on a table's data sector size.
const (
	MinSectorSize     = 27
	MaxSectorSize     = 4096
	DefaultSectorSize = 2048
)

// DefaultOptions returns sane defaults for DataDir.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:                dataDir,
		DefaultDataSectorSize:  DefaultSectorSize,
		DefaultIndexSectorSize: DefaultSectorSize,
		ErrorOnDirtyRead:       true,
	}
}

// Validate checks the sector size bounds.
func (o Options) Validate() error {
	if o.DefaultDataSectorSize < MinSectorSize || o.DefaultDataSectorSize > MaxSectorSize {
		return ErrSectorSizeMismatch
	}
	if o.DefaultIndexSectorSize < MinSectorSize || o.DefaultIndexSectorSize > MaxSectorSize {
		return ErrSectorSizeMismatch
	}
	return nil
}
