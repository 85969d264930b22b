package memory

import (
	"context"
	"sync"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	snapshot *raffle.Snapshot
	events   []raffle.Event
	maxKept  int
}

var _ storage.RaffleStore = (*Store)(nil)

// New creates an empty store keeping at most 10k events.
func New() *Store {
	return &Store{maxKept: 10000}
}

func (s *Store) SaveSnapshot(_ context.Context, snap raffle.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := snap.Clone()
	s.snapshot = &cp
	return nil
}

func (s *Store) LoadSnapshot(_ context.Context) (raffle.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return raffle.Snapshot{}, false, nil
	}
	return s.snapshot.Clone(), true, nil
}

func (s *Store) AppendEvent(_ context.Context, evt raffle.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	if len(s.events) > s.maxKept {
		s.events = s.events[len(s.events)-s.maxKept:]
	}
	return nil
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]raffle.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]raffle.Event, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out, nil
}
