package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process lease backend for single-instance deployments
// and tests. Expiry is passive: a dead lease is dropped on the next access.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]Lease), now: time.Now}
}

func (s *MemoryStore) live(documentID string) (Lease, bool) {
	l, ok := s.leases[documentID]
	if !ok {
		return Lease{}, false
	}
	if s.now().After(l.ExpiresAt) {
		delete(s.leases, documentID)
		return Lease{}, false
	}
	return l, true
}

func (s *MemoryStore) Acquire(ctx context.Context, documentID, holder string, ttl time.Duration) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.live(documentID); ok && current.Holder != holder {
		return current, ErrHeld
	}
	l := Lease{
		DocumentID: documentID,
		Holder:     holder,
		Token:      newToken(),
		ExpiresAt:  s.now().UTC().Add(ttl),
	}
	s.leases[documentID] = l
	return l, nil
}

func (s *MemoryStore) Get(ctx context.Context, documentID string) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(documentID)
	return l, ok, nil
}

func (s *MemoryStore) Release(ctx context.Context, documentID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.live(documentID); ok && current.Holder == holder {
		delete(s.leases, documentID)
	}
	return nil
}
