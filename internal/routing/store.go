package routing

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Source produces a freshly compiled Table, typically by re-reading the
// configuration document and calling Load.
type Source func() (*Table, error)

// Store publishes the active Table. Readers never block and always observe a
// complete table; Reload serialises writers and publishes only after the new
// table has been fully built.
type Store struct {
	current atomic.Pointer[Table]
	source  Source
	mu      sync.Mutex
}

// NewStore publishes initial and remembers source for later reloads.
func NewStore(initial *Table, source Source) *Store {
	s := &Store{source: source}
	if initial != nil {
		s.current.Store(initial)
	}
	return s
}

// Current returns the latest published table.
func (s *Store) Current() *Table {
	return s.current.Load()
}

// Publish swaps in t. A nil table is ignored.
func (s *Store) Publish(t *Table) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(t)
}

// Reload rebuilds the table from the source. On error the previously
// published table stays active and the error is returned to the caller.
func (s *Store) Reload() (*Table, error) {
	if s.source == nil {
		return nil, errors.New("routing: store has no source")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.source()
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, errors.New("routing: source returned no table")
	}
	s.current.Store(next)
	return next, nil
}
