package arena

// Slab is a fixed pool of T records addressed by single-slot regions.
// Records are allocated once up front and reused; callers reset the fields
// they care about after Alloc.
type Slab[T any] struct {
	idx   *Arena
	items []T
}

// NewSlab creates a slab of n records.
func NewSlab[T any](n uint32) (*Slab[T], error) {
	idx, err := New(0, n)
	if err != nil {
		return nil, err
	}
	return &Slab[T]{idx: idx, items: make([]T, n)}, nil
}

// Alloc reserves one record. It returns false when the slab is exhausted.
func (s *Slab[T]) Alloc() (Region, *T, bool) {
	r, ok := s.idx.Alloc(1)
	if !ok {
		return Region{}, nil, false
	}
	return r, &s.items[r.Index], true
}

// Get returns the record for r, or nil if r is not live.
func (s *Slab[T]) Get(r Region) *T {
	if !s.idx.Live(r) {
		return nil
	}
	return &s.items[r.Index]
}

// Free releases the record for r.
func (s *Slab[T]) Free(r Region) error {
	return s.idx.Free(r)
}

// Stats returns usage counters of the underlying index arena.
func (s *Slab[T]) Stats() Stats {
	return s.idx.Stats()
}

// Cap returns the number of records.
func (s *Slab[T]) Cap() uint32 {
	return uint32(len(s.items))
}
