package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/pgstore/pkg/engine"
)

// FileStoreSystem implements engine.StoreSystem over a directory of
// FileStore files, one per name. Lock/Unlock use a sentinel ".lock"
// file created with O_EXCL as a process-exclusive advisory lock; the
// engine only needs to refuse a second process opening the same
// conglomerate, not byte-range locking.
type FileStoreSystem struct {
	mu      sync.Mutex
	dataDir string
	open    map[string]*FileStore
}

var _ engine.StoreSystem = (*FileStoreSystem)(nil)

// NewFileStoreSystem creates the data directory if needed and returns a
// StoreSystem rooted there.
func NewFileStoreSystem(dataDir string) (*FileStoreSystem, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: create data dir: %w", err)
	}
	return &FileStoreSystem{dataDir: dataDir, open: make(map[string]*FileStore)}, nil
}

func (s *FileStoreSystem) path(name string) string {
	return filepath.Join(s.dataDir, name+".dat")
}

func (s *FileStoreSystem) StoreExists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

func (s *FileStoreSystem) CreateStore(name string) (engine.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := Create(s.path(name))
	if err != nil {
		return nil, err
	}
	s.open[name] = fs
	return fs, nil
}

func (s *FileStoreSystem) OpenStore(name string) (engine.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs, ok := s.open[name]; ok {
		return fs, nil
	}
	fs, err := Open(s.path(name))
	if err != nil {
		return nil, err
	}
	s.open[name] = fs
	return fs, nil
}

func (s *FileStoreSystem) CloseStore(st engine.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, fs := range s.open {
		if fs == st {
			delete(s.open, name)
			break
		}
	}
	return st.Close()
}

func (s *FileStoreSystem) DeleteStore(st engine.Store) error {
	s.mu.Lock()
	var name string
	for n, fs := range s.open {
		if fs == st {
			name = n
			delete(s.open, n)
			break
		}
	}
	s.mu.Unlock()
	if err := st.Close(); err != nil {
		return err
	}
	if name == "" {
		return nil
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: delete store %s: %w", name, err)
	}
	if err := os.Remove(s.path(name) + ".meta"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: delete store meta %s: %w", name, err)
	}
	return nil
}

func (s *FileStoreSystem) SetCheckPoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fs := range s.open {
		if err := fs.SetCheckPoint(); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStoreSystem) lockPath(name string) string {
	return filepath.Join(s.dataDir, name+".lock")
}

func (s *FileStoreSystem) Lock(name string) error {
	f, err := os.OpenFile(s.lockPath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("blockstore: lock %s: %w", name, engine.ErrStoreLocked)
		}
		return fmt.Errorf("blockstore: lock %s: %w", name, err)
	}
	return f.Close()
}

func (s *FileStoreSystem) Unlock(name string) error {
	if err := os.Remove(s.lockPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: unlock %s: %w", name, err)
	}
	return nil
}
