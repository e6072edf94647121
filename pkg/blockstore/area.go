package blockstore

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/pgstore/pkg/engine"
)

// fileArea is a cursor over one extent of a FileStore's backing file.
// Writes stage into an in-memory shadow buffer until CheckOut flushes
// them with a single WriteAt.
type fileArea struct {
	store  *FileStore
	id     int64
	offset int64
	size   int64
	pos    int64
	dirty  []byte // lazily allocated full-size shadow buffer for staged writes
}

var _ engine.Area = (*fileArea)(nil)

func (a *fileArea) Position() int64     { return a.pos }
func (a *fileArea) SetPosition(p int64) { a.pos = p }
func (a *fileArea) Length() int64       { return a.size }

func (a *fileArea) ensureDirty() error {
	if a.dirty != nil {
		return nil
	}
	buf := make([]byte, a.size)
	if _, err := a.store.f.ReadAt(buf, a.offset); err != nil && err != io.EOF {
		return fmt.Errorf("blockstore: read area %d: %w", a.id, err)
	}
	a.dirty = buf
	return nil
}

func (a *fileArea) checkBounds(n int64) error {
	if a.pos < 0 || a.pos+n > a.size {
		return fmt.Errorf("blockstore: area %d write at %d len %d exceeds size %d: %w", a.id, a.pos, n, a.size, io.ErrShortBuffer)
	}
	return nil
}

func (a *fileArea) GetInt32() (int32, error) {
	if err := a.ensureDirty(); err != nil {
		return 0, err
	}
	if err := a.checkBounds(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(a.dirty[a.pos : a.pos+4]))
	a.pos += 4
	return v, nil
}

func (a *fileArea) GetInt64() (int64, error) {
	if err := a.ensureDirty(); err != nil {
		return 0, err
	}
	if err := a.checkBounds(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(a.dirty[a.pos : a.pos+8]))
	a.pos += 8
	return v, nil
}

func (a *fileArea) PutInt32(v int32) error {
	if err := a.ensureDirty(); err != nil {
		return err
	}
	if err := a.checkBounds(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(a.dirty[a.pos:a.pos+4], uint32(v))
	a.pos += 4
	return nil
}

func (a *fileArea) PutInt64(v int64) error {
	if err := a.ensureDirty(); err != nil {
		return err
	}
	if err := a.checkBounds(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(a.dirty[a.pos:a.pos+8], uint64(v))
	a.pos += 8
	return nil
}

func (a *fileArea) Read(buf []byte) (int, error) {
	if err := a.ensureDirty(); err != nil {
		return 0, err
	}
	n := copy(buf, a.dirty[a.pos:])
	a.pos += int64(n)
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (a *fileArea) Write(buf []byte) (int, error) {
	if err := a.ensureDirty(); err != nil {
		return 0, err
	}
	if err := a.checkBounds(int64(len(buf))); err != nil {
		return 0, err
	}
	n := copy(a.dirty[a.pos:], buf)
	a.pos += int64(n)
	return n, nil
}

// CheckOut flushes the staged in-memory shadow buffer to the backing
// file with a single WriteAt. It does not fsync; durability across a
// crash requires SetCheckPoint.
func (a *fileArea) CheckOut() error {
	if a.dirty == nil {
		return nil
	}
	if _, err := a.store.f.WriteAt(a.dirty, a.offset); err != nil {
		return fmt.Errorf("blockstore: check out area %d: %w", a.id, err)
	}
	return nil
}
