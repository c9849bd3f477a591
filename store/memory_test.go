package store

import (
	"context"
	"testing"
	"time"

	"github.com/brightpath-edu/cdp/model"
)

func newStoredProfile(t *testing.T, s *MemoryStore, ids ...model.Identifier) *model.Profile {
	t.Helper()
	p := model.NewProfile(time.Now().UTC())
	p.Identifiers = ids
	if err := s.Insert(context.Background(), p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return p
}

func TestUpdateCASIncrementsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newStoredProfile(t, s)

	next := p.Clone()
	next.InteractionSummary.TotalEvents = 1
	if err := s.Update(ctx, p.ProfileID, p.Version, next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Version != p.Version+1 {
		t.Fatalf("expected version bump, got %d", next.Version)
	}

	stored, err := s.Get(ctx, p.ProfileID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != p.Version+1 || stored.InteractionSummary.TotalEvents != 1 {
		t.Fatalf("unexpected stored state %+v", stored)
	}
	if stored.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at set")
	}
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newStoredProfile(t, s)

	first := p.Clone()
	if err := s.Update(ctx, p.ProfileID, p.Version, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale := p.Clone()
	if err := s.Update(ctx, p.ProfileID, p.Version, stale); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestFindByIdentifierExactPair(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newStoredProfile(t, s, model.Identifier{Type: model.IdentifierEmail, Value: "a@x.edu"})

	got, err := s.FindByIdentifier(ctx, model.IdentifierEmail, "a@x.edu")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ProfileID != p.ProfileID {
		t.Fatalf("expected %s, got %s", p.ProfileID, got.ProfileID)
	}

	// Same value under a different type must not match.
	if _, err := s.FindByIdentifier(ctx, model.IdentifierPhone, "a@x.edu"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByAnyIdentifierValueIgnoresType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newStoredProfile(t, s, model.Identifier{Type: model.IdentifierDeviceID, Value: "shared"})
	newStoredProfile(t, s, model.Identifier{Type: model.IdentifierEmail, Value: "other@x.edu"})

	got, err := s.FindByAnyIdentifierValue(ctx, []string{"shared", "missing"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ProfileID != p.ProfileID {
		t.Fatalf("expected only the sharing profile, got %v", got)
	}
}

func TestDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newStoredProfile(t, s)

	deleted, err := s.Delete(ctx, p.ProfileID)
	if err != nil || !deleted {
		t.Fatalf("expected deletion, got %v err=%v", deleted, err)
	}
	if _, err := s.Get(ctx, p.ProfileID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	deleted, _ = s.Delete(ctx, p.ProfileID)
	if deleted {
		t.Fatal("second delete must report false")
	}
}
