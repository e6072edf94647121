package sectorstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cuemby/pgstore/pkg/engine"
)

// Store is a sector-chained file: append_across/read_across/delete_across
// streams of bytes spanning one or more fixed-size sectors, with a
// free-sector chain rooted in the header. Not safe for concurrent use
// without external synchronization beyond the add-lock semantics
// documented on Lock/Unlock.
type Store struct {
	mu sync.Mutex
	f  *os.File

	sectorSize  int32
	deleteHead  int64
	sectorsUsed int64
	readOnly    bool

	lockCount int
}

// Open opens path, creating it (with a fresh header) if it is empty and
// readOnly is false. It returns dirty=true if the header's open flag
// indicates the previous session did not close cleanly. The caller is
// then expected to call Repair before trusting the free chain.
func Open(path string, sectorSize int32, readOnly bool) (*Store, bool, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("sectorstore: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("sectorstore: stat %s: %w", path, err)
	}

	s := &Store{f: f, sectorSize: sectorSize, readOnly: readOnly}

	if info.Size() == 0 {
		if readOnly {
			f.Close()
			return nil, false, fmt.Errorf("sectorstore: %s is empty and store is read-only", path)
		}
		if err := s.writeNewHeader(); err != nil {
			f.Close()
			return nil, false, err
		}
		return s, false, nil
	}

	dirty, err := s.readHeader()
	if err != nil {
		f.Close()
		return nil, false, err
	}
	if !readOnly {
		if err := s.setOpenFlag(1); err != nil {
			f.Close()
			return nil, false, err
		}
	}
	return s, dirty, nil
}

func (s *Store) writeNewHeader() error {
	s.deleteHead = int64(TailNext)
	s.sectorsUsed = 0
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[offMagic:], uint32(HeaderMagic))
	binary.BigEndian.PutUint32(header[offVersion:], uint32(HeaderVersion))
	binary.BigEndian.PutUint32(header[offSectorSize:], uint32(s.sectorSize))
	binary.BigEndian.PutUint64(header[offDeleteHead:], uint64(s.deleteHead))
	binary.BigEndian.PutUint64(header[offSectorsUsed:], uint64(s.sectorsUsed))
	header[offOpenFlag] = 1
	binary.BigEndian.PutUint32(header[offSectorDataOffset:], uint32(SectorDataOffset))
	for i := offOpenFlag + 1; i < offScratch; i++ {
		header[i] = 0xFF
	}
	for i := offReserved; i < HeaderSize; i++ {
		header[i] = 0xFF
	}
	if _, err := s.f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("sectorstore: write header: %w", err)
	}
	return nil
}

func (s *Store) readHeader() (dirty bool, err error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(s.f, 0, HeaderSize), header); err != nil {
		return false, fmt.Errorf("sectorstore: read header: %w", err)
	}
	magic := int32(binary.BigEndian.Uint32(header[offMagic:]))
	if magic != HeaderMagic {
		return false, fmt.Errorf("sectorstore: %w", engine.ErrBadMagic)
	}
	version := int32(binary.BigEndian.Uint32(header[offVersion:]))
	if version != HeaderVersion {
		return false, fmt.Errorf("sectorstore: %w", engine.ErrUnknownVersion)
	}
	sectorSize := int32(binary.BigEndian.Uint32(header[offSectorSize:]))
	if s.sectorSize != 0 && sectorSize != s.sectorSize {
		return false, fmt.Errorf("sectorstore: %w", engine.ErrSectorSizeMismatch)
	}
	s.sectorSize = sectorSize
	s.deleteHead = int64(binary.BigEndian.Uint64(header[offDeleteHead:]))
	s.sectorsUsed = int64(binary.BigEndian.Uint64(header[offSectorsUsed:]))
	openFlag := header[offOpenFlag]
	return openFlag == 1, nil
}

func (s *Store) setOpenFlag(v byte) error {
	_, err := s.f.WriteAt([]byte{v}, offOpenFlag)
	if err != nil {
		return fmt.Errorf("sectorstore: write open flag: %w", err)
	}
	return nil
}

// Synch writes delete-head and sectors-used to the header, without
// fsync.
func (s *Store) Synch() error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.deleteHead))
	binary.BigEndian.PutUint64(buf[8:16], uint64(s.sectorsUsed))
	if _, err := s.f.WriteAt(buf, offDeleteHead); err != nil {
		return fmt.Errorf("sectorstore: synch: %w", err)
	}
	return nil
}

// HardSynch is Synch followed by fsync.
func (s *Store) HardSynch() error {
	if err := s.Synch(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sectorstore: fsync: %w: %w", engine.ErrIO, err)
	}
	return nil
}

// Close performs the clean-close protocol: synch, open flag to 0, fsync.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return s.f.Close()
	}
	if err := s.Synch(); err != nil {
		return err
	}
	if err := s.setOpenFlag(0); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sectorstore: fsync on close: %w", err)
	}
	return s.f.Close()
}

// Lock bumps the non-reclaim hold count; while it is above zero no
// DELETED sector may be reclaimed into a new allocation.
func (s *Store) Lock() {
	s.mu.Lock()
	s.lockCount++
	s.mu.Unlock()
}

// Unlock releases one hold. Calling Unlock more times than Lock is a
// fatal invariant violation.
func (s *Store) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockCount == 0 {
		panic(fmt.Errorf("sectorstore: %w", engine.ErrUnlockUnderflow))
	}
	s.lockCount--
}

func (s *Store) readSectorHeader(id int64) (status byte, next int32, err error) {
	buf := make([]byte, sectorHeaderSize)
	if _, err := s.f.ReadAt(buf, sectorOffset(id, s.sectorSize)); err != nil {
		return 0, 0, fmt.Errorf("sectorstore: read sector %d header: %w", id, err)
	}
	return buf[0], int32(binary.BigEndian.Uint32(buf[1:])), nil
}

func (s *Store) writeSectorHeader(id int64, status byte, next int32) error {
	buf := make([]byte, sectorHeaderSize)
	buf[0] = status
	binary.BigEndian.PutUint32(buf[1:], uint32(next))
	if _, err := s.f.WriteAt(buf, sectorOffset(id, s.sectorSize)); err != nil {
		return fmt.Errorf("sectorstore: write sector %d header: %w", id, err)
	}
	return nil
}

func (s *Store) writeSectorPayload(id int64, payload []byte) error {
	if _, err := s.f.WriteAt(payload, sectorOffset(id, s.sectorSize)+sectorHeaderSize); err != nil {
		return fmt.Errorf("sectorstore: write sector %d payload: %w", id, err)
	}
	return nil
}

func (s *Store) readSectorPayload(id int64, out []byte) (int, error) {
	return s.f.ReadAt(out, sectorOffset(id, s.sectorSize)+sectorHeaderSize)
}

func (s *Store) fileSectorCount() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	usable := info.Size() - SectorDataOffset
	if usable <= 0 {
		return 0, nil
	}
	// The last sector of the file holds only the payload bytes written
	// to it, so a partial tail still counts as a sector.
	return (usable + int64(s.sectorSize) - 1) / int64(s.sectorSize), nil
}

// findFreeSectors returns n sector ids to use for a new allocation,
// preferring the delete chain unless a non-reclaim lock is held, else
// appending past the end of the file.
func (s *Store) findFreeSectors(n int) ([]int64, error) {
	ids := make([]int64, 0, n)
	if s.lockCount == 0 {
		cur := s.deleteHead
		for cur != int64(TailNext) && len(ids) < n {
			status, next, err := s.readSectorHeader(cur)
			if err != nil {
				return nil, err
			}
			if status != StatusDeleted {
				return nil, fmt.Errorf("sectorstore: delete chain entry %d is not DELETED: %w", cur, engine.ErrAssertionFailure)
			}
			ids = append(ids, cur)
			cur = int64(next)
		}
		if len(ids) > 0 {
			// Pop the consumed prefix from the delete chain; cur now
			// points past the last popped entry.
			s.deleteHead = cur
		}
	}
	if len(ids) < n {
		count, err := s.fileSectorCount()
		if err != nil {
			return nil, err
		}
		for len(ids) < n {
			ids = append(ids, count)
			count++
		}
	}
	return ids, nil
}

// AddSector writes buf (which must fit in one sector's payload) to a
// free sector and returns its id.
func (s *Store) AddSector(buf []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(buf) > payloadSize(s.sectorSize) {
		return 0, fmt.Errorf("sectorstore: payload %d exceeds sector payload size %d", len(buf), payloadSize(s.sectorSize))
	}
	ids, err := s.findFreeSectors(1)
	if err != nil {
		return 0, err
	}
	id := ids[0]
	if err := s.writeSectorHeader(id, StatusUsed, TailNext); err != nil {
		return 0, err
	}
	if err := s.writeSectorPayload(id, buf); err != nil {
		return 0, err
	}
	s.sectorsUsed++
	return id, nil
}

// WriteAcross writes buf across ceil(len/payload) chained sectors and
// returns the head sector id.
func (s *Store) WriteAcross(buf []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := payloadSize(s.sectorSize)
	spanCount := (len(buf) + payload - 1) / payload
	if spanCount == 0 {
		spanCount = 1
	}
	ids, err := s.findFreeSectors(spanCount)
	if err != nil {
		return 0, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		start := i * payload
		end := start + payload
		if end > len(buf) {
			end = len(buf)
		}
		next := int32(TailNext)
		if i < len(ids)-1 {
			next = int32(ids[i+1])
		}
		if err := s.writeSectorHeader(id, StatusUsed, next); err != nil {
			return 0, err
		}
		if err := s.writeSectorPayload(id, buf[start:end]); err != nil {
			return 0, err
		}
		s.sectorsUsed++
	}
	return ids[0], nil
}

// ReadAcross walks the USED chain rooted at head and returns its bytes.
// The chain's last sector is returned whole unless it ends the file, so
// a chain that other sectors follow reads back with zero padding up to
// a full sector payload.
func (s *Store) ReadAcross(head int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := payloadSize(s.sectorSize)
	var out []byte
	cur := head
	for cur != int64(TailNext) {
		status, next, err := s.readSectorHeader(cur)
		if err != nil {
			return nil, err
		}
		if status != StatusUsed {
			return nil, fmt.Errorf("sectorstore: read across %d: %w", head, engine.ErrSectorChainBroken)
		}
		buf := make([]byte, payload)
		n, err := s.readSectorPayload(cur, buf)
		if err != nil && err != io.EOF {
			return nil, err
		}
		out = append(out, buf[:n]...)
		cur = int64(next)
	}
	return out, nil
}

// DeleteAcross walks the USED chain rooted at head, marks every sector
// DELETED, and splices the chain onto the delete list — without
// altering any in-chain next pointer except the final one, so a reader
// that already holds a Lock can still traverse the (now-deleted) chain.
func (s *Store) DeleteAcross(head int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chain []int64
	cur := head
	for cur != int64(TailNext) {
		status, next, err := s.readSectorHeader(cur)
		if err != nil {
			return err
		}
		if status != StatusUsed {
			return fmt.Errorf("sectorstore: delete across %d: %w", head, engine.ErrSectorChainBroken)
		}
		chain = append(chain, cur)
		cur = int64(next)
	}
	for i, id := range chain {
		if i == len(chain)-1 {
			if err := s.writeSectorHeader(id, StatusDeleted, int32(s.deleteHead)); err != nil {
				return err
			}
		} else {
			// Leave the next pointer untouched; only the status byte
			// changes for interior chain members.
			_, next, err := s.readSectorHeader(id)
			if err != nil {
				return err
			}
			if err := s.writeSectorHeader(id, StatusDeleted, next); err != nil {
				return err
			}
		}
		s.sectorsUsed--
	}
	if len(chain) > 0 {
		s.deleteHead = head
	}
	return nil
}

// ClearDeletedSectors compacts the file, moving USED sectors down over
// DELETED holes, remapping in-chain next pointers to the new positions,
// and truncating. Requires Lock count == 0. The returned map records
// every sector id that moved (old id to new id); callers that hold
// sector ids externally — the blob store holds chain heads — must
// remap them with it. An empty map means no sector moved.
func (s *Store) ClearDeletedSectors() (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockCount != 0 {
		return nil, fmt.Errorf("sectorstore: cannot compact while %d non-reclaim locks are held", s.lockCount)
	}
	count, err := s.fileSectorCount()
	if err != nil {
		return nil, err
	}
	info, err := s.f.Stat()
	if err != nil {
		return nil, err
	}

	newPos := make(map[int64]int64)
	write := int64(0)
	tail := int64(s.sectorSize) // bytes the last surviving sector occupies
	for read := int64(0); read < count; read++ {
		status, _, err := s.readSectorHeader(read)
		if err != nil {
			return nil, err
		}
		if status == StatusDeleted {
			continue
		}
		newPos[read] = write
		write++
		tail = int64(s.sectorSize)
		if read == count-1 {
			tail = info.Size() - sectorOffset(read, s.sectorSize)
		}
	}

	moved := make(map[int64]int64)
	for read := int64(0); read < count; read++ {
		status, next, err := s.readSectorHeader(read)
		if err != nil {
			return nil, err
		}
		if status == StatusDeleted {
			continue
		}
		dst := newPos[read]
		newNext := next
		if next != TailNext {
			if m, ok := newPos[int64(next)]; ok {
				newNext = int32(m)
			}
		}
		if dst == read && newNext == next {
			continue
		}
		payload := make([]byte, payloadSize(s.sectorSize))
		if _, err := s.readSectorPayload(read, payload); err != nil && err != io.EOF {
			return nil, err
		}
		if err := s.writeSectorHeader(dst, status, newNext); err != nil {
			return nil, err
		}
		if err := s.writeSectorPayload(dst, payload); err != nil {
			return nil, err
		}
		if dst != read {
			moved[read] = dst
		}
	}
	s.deleteHead = int64(TailNext)
	end := int64(SectorDataOffset)
	if write > 0 {
		end = sectorOffset(write-1, s.sectorSize) + tail
	}
	if err := s.f.Truncate(end); err != nil {
		return nil, fmt.Errorf("sectorstore: truncate after compaction: %w", err)
	}
	return moved, s.Synch()
}

// Repair rebuilds the delete chain by scanning every sector header in
// the file, relinking DELETED sectors in file order.
func (s *Store) Repair() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.fileSectorCount()
	if err != nil {
		return err
	}
	var deleted []int64
	var used int64
	for id := int64(0); id < count; id++ {
		status, _, err := s.readSectorHeader(id)
		if err != nil {
			return err
		}
		if status == StatusDeleted {
			deleted = append(deleted, id)
		} else {
			used++
		}
	}
	for i, id := range deleted {
		next := int32(TailNext)
		if i < len(deleted)-1 {
			next = int32(deleted[i+1])
		}
		if err := s.writeSectorHeader(id, StatusDeleted, next); err != nil {
			return err
		}
	}
	if len(deleted) > 0 {
		s.deleteHead = deleted[0]
	} else {
		s.deleteHead = int64(TailNext)
	}
	s.sectorsUsed = used
	return s.Synch()
}

// Fix additionally detects sectors whose next pointer is referenced by
// more than one other sector (a corrupt fork in the chain) and marks
// the duplicates DELETED before rebuilding. terminal, when non-nil,
// receives a one-line progress report.
func (s *Store) Fix(terminal io.Writer) error {
	s.mu.Lock()
	count, err := s.fileSectorCount()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	referenced := make(map[int32]int)
	nextOf := make(map[int64]int32)
	for id := int64(0); id < count; id++ {
		status, next, err := s.readSectorHeader(id)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if status != StatusUsed && status != StatusDeleted {
			continue
		}
		nextOf[id] = next
		if next != TailNext {
			referenced[next]++
		}
	}
	dupes := 0
	for id, next := range nextOf {
		if next == TailNext {
			continue
		}
		if referenced[next] > 1 {
			status, _, err := s.readSectorHeader(id)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			if status == StatusUsed {
				if err := s.writeSectorHeader(id, StatusDeleted, TailNext); err != nil {
					s.mu.Unlock()
					return err
				}
				dupes++
			}
		}
	}
	s.mu.Unlock()
	if terminal != nil {
		fmt.Fprintf(terminal, "sectorstore: fix found %d duplicate chain references\n", dupes)
	}
	return s.Repair()
}

// SectorsUsed returns the header's sectors-used counter.
func (s *Store) SectorsUsed() int64 { return s.sectorsUsed }

// DeleteHead returns the header's delete-head pointer.
func (s *Store) DeleteHead() int64 { return s.deleteHead }

// SectorSize returns the configured sector size, including its header.
func (s *Store) SectorSize() int32 { return s.sectorSize }

// WriteUserScratch stores up to 128 caller-owned bytes in the header's
// scratch region; higher layers use it to root small bits of metadata
// without a second file.
func (s *Store) WriteUserScratch(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(buf) > scratchSize {
		return fmt.Errorf("sectorstore: scratch payload %d exceeds %d bytes", len(buf), scratchSize)
	}
	padded := make([]byte, scratchSize)
	copy(padded, buf)
	if _, err := s.f.WriteAt(padded, offScratch); err != nil {
		return fmt.Errorf("sectorstore: write scratch: %w", err)
	}
	return nil
}

// ReadUserScratch returns the 128-byte scratch region.
func (s *Store) ReadUserScratch() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, scratchSize)
	if _, err := s.f.ReadAt(buf, offScratch); err != nil {
		return nil, fmt.Errorf("sectorstore: read scratch: %w", err)
	}
	return buf, nil
}
