package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a lease store for single-process runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Claim(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[name]
	if ok && cur.Owner != owner && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	l := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[name] = l
	return l, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}
