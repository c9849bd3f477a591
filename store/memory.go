package store

import (
	"context"
	"sync"
	"time"

	"github.com/brightpath-edu/cdp/model"
)

// MemoryStore is an in-memory ProfileStore with the same compare-and-set
// semantics as the Mongo implementation. Used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile

	// IdentifierLookups counts FindByIdentifier calls. Test hook.
	IdentifierLookups int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*model.Profile)}
}

func (s *MemoryStore) Get(_ context.Context, profileID string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FindByIdentifier(_ context.Context, t model.IdentifierType, value string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IdentifierLookups++
	for _, p := range s.profiles {
		if p.HasIdentifier(t, value) {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindByAnyIdentifierValue(_ context.Context, values []string) ([]*model.Profile, error) {
	wanted := make(map[string]bool, len(values))
	for _, v := range values {
		if v != "" {
			wanted[v] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Profile
	for _, p := range s.profiles {
		for _, id := range p.Identifiers {
			if wanted[id.Value] {
				out = append(out, p.Clone())
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) FindBySegment(_ context.Context, segment string, limit int) ([]*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Profile
	for _, p := range s.profiles {
		for _, seg := range p.Segments {
			if seg == segment {
				out = append(out, p.Clone())
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, p *model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ProfileID] = p.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, profileID string, expectedVersion int64, p *model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.profiles[profileID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := p.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	s.profiles[profileID] = next
	p.Version = next.Version
	p.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, profileID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profileID]; !ok {
		return false, nil
	}
	delete(s.profiles, profileID)
	return true, nil
}

// Count returns the number of stored profiles. Test hook.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}
