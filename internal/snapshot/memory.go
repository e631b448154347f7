package snapshot

import (
	"context"
	"sync"

	"github.com/opex/trading-engine/internal/model"
)

// MemoryStore implements Store in memory. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.Mutex
	snap  *model.Snapshot
	saves int

	failNext int   // number of upcoming Save calls that should fail
	failWith error // error returned by injected failures
	loadErr  error // injected Load error
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.snap == nil {
		return nil, nil
	}
	snap := *s.snap
	return &snap, nil
}

func (s *MemoryStore) Save(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return s.failWith
	}
	copied := *snap
	s.snap = &copied
	s.saves++
	return nil
}

// Seed installs a snapshot directly, simulating one persisted before a
// crash.
func (s *MemoryStore) Seed(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &snap
}

// FailSaves makes the next n Save calls return err.
func (s *MemoryStore) FailSaves(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failWith = err
}

// FailLoad makes Load return err.
func (s *MemoryStore) FailLoad(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// Last returns the most recently saved snapshot.
func (s *MemoryStore) Last() *model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil
	}
	snap := *s.snap
	return &snap
}

// Saves returns how many Save calls succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
