package blockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cuemby/pgstore/pkg/engine"
)

// headerAreaID is the caller-visible id for FixedArea.
const headerAreaID = -1

const headerAreaSize = 64

type areaMeta struct {
	Offset  int64 `json:"offset"`
	Size    int64 `json:"size"`
	Deleted bool  `json:"deleted"`
}

type directory struct {
	NextID int64              `json:"next_id"`
	Areas  map[int64]areaMeta `json:"areas"`
}

// FileStore is the flat-file implementation of engine.Store. See doc.go
// for the crash-consistency story.
type FileStore struct {
	mu   sync.RWMutex
	f    *os.File
	path string
	meta string

	writeMu sync.Mutex // LockForWrite / UnlockForWrite

	dir directory
}

var _ engine.Store = (*FileStore)(nil)

// Create creates a new FileStore at path, with an adjacent ".meta"
// directory file, and reserves the 64-byte header extent.
func Create(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockstore: create %s: %w", path, err)
	}
	s := &FileStore{
		f:    f,
		path: path,
		meta: path + ".meta",
		dir: directory{
			NextID: 1,
			Areas:  make(map[int64]areaMeta),
		},
	}
	s.dir.Areas[headerAreaID] = areaMeta{Offset: 0, Size: headerAreaSize}
	if err := s.f.Truncate(headerAreaSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockstore: reserve header: %w", err)
	}
	if err := s.persistDirectory(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Open reopens an existing FileStore, reading back its area directory.
func Open(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}
	s := &FileStore{f: f, path: path, meta: path + ".meta"}
	raw, err := os.ReadFile(s.meta)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockstore: read directory: %w: %w", engine.ErrBadMagic, err)
	}
	if err := json.Unmarshal(raw, &s.dir); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockstore: decode directory: %w", err)
	}
	return s, nil
}

func (s *FileStore) persistDirectory() error {
	raw, err := json.Marshal(s.dir)
	if err != nil {
		return fmt.Errorf("blockstore: encode directory: %w", err)
	}
	tmp := s.meta + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("blockstore: write directory: %w", err)
	}
	if err := os.Rename(tmp, s.meta); err != nil {
		return fmt.Errorf("blockstore: rename directory: %w", err)
	}
	return nil
}

func (s *FileStore) CreateArea(size int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockstore: stat: %w", err)
	}
	offset := info.Size()
	if err := s.f.Truncate(offset + size); err != nil {
		return 0, fmt.Errorf("blockstore: grow for area: %w", err)
	}
	id := s.dir.NextID
	s.dir.NextID++
	s.dir.Areas[id] = areaMeta{Offset: offset, Size: size}
	return id, nil
}

func (s *FileStore) lookup(id int64) (areaMeta, error) {
	m, ok := s.dir.Areas[id]
	if !ok || m.Deleted {
		return areaMeta{}, fmt.Errorf("blockstore: area %d: %w", id, engine.ErrAreaNotFound)
	}
	return m, nil
}

func (s *FileStore) OpenArea(id int64) (engine.Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return &fileArea{store: s, id: id, offset: m.Offset, size: m.Size}, nil
}

func (s *FileStore) MutableArea(id int64) (engine.Area, error) {
	return s.OpenArea(id)
}

func (s *FileStore) DeleteArea(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	m.Deleted = true
	s.dir.Areas[id] = m
	return nil
}

func (s *FileStore) FixedArea(id int64) (engine.Area, error) {
	if id != headerAreaID {
		return nil, fmt.Errorf("blockstore: fixed area must be id -1, got %d", id)
	}
	return s.OpenArea(headerAreaID)
}

func (s *FileStore) LockForWrite()   { s.writeMu.Lock() }
func (s *FileStore) UnlockForWrite() { s.writeMu.Unlock() }

// SetCheckPoint fsyncs the data file before persisting and fsyncing the
// area directory, so a crash between the two leaves at worst an area
// allocated in the data file but not yet visible in the directory —
// never a directory entry pointing past the end of the file.
func (s *FileStore) SetCheckPoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("blockstore: fsync data: %w: %w", engine.ErrIO, err)
	}
	if err := s.persistDirectory(); err != nil {
		return err
	}
	meta, err := os.OpenFile(s.meta, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("blockstore: reopen directory for fsync: %w", err)
	}
	defer meta.Close()
	if err := meta.Sync(); err != nil {
		return fmt.Errorf("blockstore: fsync directory: %w: %w", engine.ErrIO, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
