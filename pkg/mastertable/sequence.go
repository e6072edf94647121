package mastertable

import "github.com/cuemby/pgstore/pkg/engine"

// Sequence is a durable monotonic counter rooted in a single store
// area; the conglomerate uses one to mint system-catalog ids
// independently of user-visible row ids.
type Sequence struct {
	store  engine.Store
	areaID int64
}

// CreateSequence allocates a new counter starting at start.
func CreateSequence(store engine.Store, start int64) (*Sequence, error) {
	id, err := store.CreateArea(8)
	if err != nil {
		return nil, err
	}
	s := &Sequence{store: store, areaID: id}
	if err := s.set(start); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSequence reattaches to a counter previously created at areaID.
func OpenSequence(store engine.Store, areaID int64) *Sequence {
	return &Sequence{store: store, areaID: areaID}
}

// AreaID returns the backing area id, for persisting alongside a
// catalog table's own manifest.
func (s *Sequence) AreaID() int64 { return s.areaID }

func (s *Sequence) set(v int64) error {
	area, err := s.store.MutableArea(s.areaID)
	if err != nil {
		return err
	}
	s.store.LockForWrite()
	defer s.store.UnlockForWrite()
	area.SetPosition(0)
	if err := area.PutInt64(v); err != nil {
		return err
	}
	return area.CheckOut()
}

func (s *Sequence) get() (int64, error) {
	area, err := s.store.OpenArea(s.areaID)
	if err != nil {
		return 0, err
	}
	area.SetPosition(0)
	return area.GetInt64()
}

// Next returns the next value and durably advances the counter.
func (s *Sequence) Next() (int64, error) {
	v, err := s.get()
	if err != nil {
		return 0, err
	}
	v++
	if err := s.set(v); err != nil {
		return 0, err
	}
	return v, nil
}
