package profile

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node tooling.
// Profiles are copied on the way in and out, so callers cannot mutate
// stored records.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[int64]Profile
	nextID   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[int64]Profile), nextID: 1}
}

// Put inserts or replaces p under p.ID. Ids must be positive.
func (s *MemoryStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.ID] = p
	if p.ID >= s.nextID {
		s.nextID = p.ID + 1
	}
}

// Create assigns the next id to p and stores it.
func (s *MemoryStore) Create(_ context.Context, p Profile) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Email != "" {
		for _, existing := range s.profiles {
			if strings.EqualFold(existing.Email, p.Email) {
				return 0, ErrEmailExists
			}
		}
	}

	now := time.Now().UTC()
	p.ID = s.nextID
	s.nextID++
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.ID] = p
	return p.ID, nil
}

// EmailExists reports whether email is registered, ignoring case.
func (s *MemoryStore) EmailExists(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.profiles {
		if strings.EqualFold(p.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

// Deactivate marks the given profiles inactive. Unknown ids are ignored.
func (s *MemoryStore) Deactivate(_ context.Context, ids ...int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		p, ok := s.profiles[id]
		if !ok || !p.Active {
			continue
		}
		p.Active = false
		p.UpdatedAt = time.Now().UTC()
		s.profiles[id] = p
		n++
	}
	return n, nil
}

// ActiveProfiles implements Store.
func (s *MemoryStore) ActiveProfiles(_ context.Context) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if p.Active {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id int64) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.profiles[id]
	return ok, nil
}
