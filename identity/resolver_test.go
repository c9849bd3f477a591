package identity

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/store"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newResolver(profiles store.ProfileStore, audit AuditLog) *Resolver {
	return NewResolver(profiles, audit, nil, testLogger())
}

func seedProfile(t *testing.T, s store.ProfileStore, name string, ids ...model.Identifier) *model.Profile {
	t.Helper()
	p := model.NewProfile(time.Now().UTC())
	p.PersonalInfo.Name = name
	p.Identifiers = ids
	if err := s.Insert(context.Background(), p); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return p
}

func TestDeterministicEmailMatch(t *testing.T) {
	profiles := store.NewMemoryStore()
	audit := NewMemoryAuditLog()
	existing := seedProfile(t, profiles, "", model.Identifier{Type: model.IdentifierEmail, Value: "s@x.edu"})

	event := &model.CanonicalEvent{
		EventID:     "evt-1",
		Source:      model.SourceWebsite,
		Identifiers: []model.Identifier{{Type: model.IdentifierEmail, Value: "s@x.edu"}},
	}
	got, err := newResolver(profiles, audit).Resolve(context.Background(), event)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != existing.ProfileID {
		t.Fatalf("expected %s, got %s", existing.ProfileID, got)
	}
	if profiles.IdentifierLookups != 1 {
		t.Fatalf("expected exactly one read-by-identifier, got %d", profiles.IdentifierLookups)
	}
	if len(audit.Entries()) != 0 {
		t.Fatalf("deterministic match must not create audit entries, got %v", audit.Entries())
	}
}

func TestDeterministicMatchPreservesIdentifierOrder(t *testing.T) {
	profiles := store.NewMemoryStore()
	audit := NewMemoryAuditLog()
	byEmail := seedProfile(t, profiles, "", model.Identifier{Type: model.IdentifierEmail, Value: "a@x.edu"})
	seedProfile(t, profiles, "", model.Identifier{Type: model.IdentifierPhone, Value: "+111"})

	// Email comes first in the event, so the email profile must win even
	// though the phone would also match.
	event := &model.CanonicalEvent{
		Source: model.SourceWebsite,
		Identifiers: []model.Identifier{
			{Type: model.IdentifierEmail, Value: "a@x.edu"},
			{Type: model.IdentifierPhone, Value: "+111"},
		},
	}
	got, err := newResolver(profiles, audit).Resolve(context.Background(), event)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != byEmail.ProfileID {
		t.Fatalf("expected email-matched profile %s, got %s", byEmail.ProfileID, got)
	}
}

// stubStore forces the deterministic pass to miss so the probabilistic
// path is exercised in isolation.
type stubStore struct {
	*store.MemoryStore
}

func (s *stubStore) FindByIdentifier(context.Context, model.IdentifierType, string) (*model.Profile, error) {
	return nil, store.ErrNotFound
}

func TestProbabilisticBelowThresholdFlagsAndCreates(t *testing.T) {
	mem := store.NewMemoryStore()
	profiles := &stubStore{MemoryStore: mem}
	audit := NewMemoryAuditLog()
	candidate := seedProfile(t, mem, "Alice Brown", model.Identifier{Type: model.IdentifierPhone, Value: "+49123456789"})

	event := &model.CanonicalEvent{
		EventID:      "evt-2",
		Source:       model.SourceWhatsApp,
		PersonalInfo: model.PersonalInfo{Name: "alice brown"},
		Identifiers: []model.Identifier{
			{Type: model.IdentifierPhone, Value: "+49123456789"},
			{Type: model.IdentifierDeviceID, Value: "D1"},
		},
	}
	got, err := newResolver(profiles, audit).Resolve(context.Background(), event)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// name_score=1.0, overlap=1/2 → confidence 0.8, below the 0.85
	// auto-merge threshold: flag for review, create a new profile.
	if got == candidate.ProfileID {
		t.Fatal("expected a new profile, got the candidate")
	}
	flags := audit.ByAction(ActionReviewFlag)
	if len(flags) != 1 {
		t.Fatalf("expected one review_flag entry, got %d", len(flags))
	}
	if flags[0].CandidateID != candidate.ProfileID {
		t.Fatalf("expected candidate %s flagged, got %s", candidate.ProfileID, flags[0].CandidateID)
	}
	if math.Abs(flags[0].Confidence-0.8) > 1e-9 {
		t.Fatalf("expected confidence 0.8, got %v", flags[0].Confidence)
	}
	if flags[0].EventSnapshot == nil || flags[0].EventSnapshot.EventID != "evt-2" {
		t.Fatal("expected event snapshot in review flag")
	}
	creates := audit.ByAction(ActionCreate)
	if len(creates) != 1 || creates[0].ProfileID != got {
		t.Fatalf("expected create audit for %s, got %v", got, creates)
	}
}

func TestProbabilisticAboveThresholdAutoMerges(t *testing.T) {
	mem := store.NewMemoryStore()
	profiles := &stubStore{MemoryStore: mem}
	audit := NewMemoryAuditLog()
	candidate := seedProfile(t, mem, "Alice Brown",
		model.Identifier{Type: model.IdentifierPhone, Value: "+49123456789"},
		model.Identifier{Type: model.IdentifierDeviceID, Value: "D1"},
	)

	// Full name match and full identifier overlap → confidence 1.0.
	event := &model.CanonicalEvent{
		Source:       model.SourceApp,
		PersonalInfo: model.PersonalInfo{Name: "ALICE BROWN"},
		Identifiers: []model.Identifier{
			{Type: model.IdentifierPhone, Value: "+49123456789"},
			{Type: model.IdentifierDeviceID, Value: "D1"},
		},
	}
	got, err := newResolver(profiles, audit).Resolve(context.Background(), event)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != candidate.ProfileID {
		t.Fatalf("expected auto-merge to %s, got %s", candidate.ProfileID, got)
	}
	if len(audit.ByAction(ActionReviewFlag)) != 0 {
		t.Fatal("auto-merge must not flag for review")
	}
}

func TestCreateSeedsFromEvent(t *testing.T) {
	profiles := store.NewMemoryStore()
	audit := NewMemoryAuditLog()

	event := &model.CanonicalEvent{
		Source:       model.SourceWebsite,
		PersonalInfo: model.PersonalInfo{Name: "Max Muster", Email: "max@x.edu"},
		Identifiers:  []model.Identifier{{Type: model.IdentifierEmail, Value: "max@x.edu"}},
		Consent:      map[string]bool{"email": true, "whatsapp": false},
	}
	id, err := newResolver(profiles, audit).Resolve(context.Background(), event)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	created, err := profiles.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get created: %v", err)
	}
	if created.PersonalInfo.Name != "Max Muster" {
		t.Fatalf("expected seeded name, got %q", created.PersonalInfo.Name)
	}
	if !created.HasIdentifier(model.IdentifierEmail, "max@x.edu") {
		t.Fatal("expected seeded identifier")
	}
	if !created.ChannelConsent["email"].Consented || created.ChannelConsent["whatsapp"].Consented {
		t.Fatalf("expected seeded consent, got %v", created.ChannelConsent)
	}
}

func TestMergeUnionsIdentifiersAndRestrictsConsent(t *testing.T) {
	profiles := store.NewMemoryStore()
	audit := NewMemoryAuditLog()
	now := time.Now().UTC()

	primary := model.NewProfile(now)
	primary.Identifiers = []model.Identifier{{Type: model.IdentifierEmail, Value: "p@x.edu"}}
	primary.ChannelConsent["email"] = model.ConsentEntry{Consented: true, LegalBasis: "consent"}
	primary.ChannelConsent["whatsapp"] = model.ConsentEntry{Consented: true, LegalBasis: "consent"}
	if err := profiles.Insert(context.Background(), primary); err != nil {
		t.Fatalf("insert primary: %v", err)
	}

	secondary := model.NewProfile(now)
	secondary.Identifiers = []model.Identifier{
		{Type: model.IdentifierEmail, Value: "p@x.edu"},
		{Type: model.IdentifierPhone, Value: "+222"},
	}
	secondary.ChannelConsent["email"] = model.ConsentEntry{Consented: false, LegalBasis: "consent"}
	secondary.ChannelConsent["whatsapp"] = model.ConsentEntry{Consented: true, LegalBasis: "consent"}
	if err := profiles.Insert(context.Background(), secondary); err != nil {
		t.Fatalf("insert secondary: %v", err)
	}

	r := newResolver(profiles, audit)
	if err := r.Merge(context.Background(), primary.ProfileID, secondary.ProfileID); err != nil {
		t.Fatalf("merge: %v", err)
	}

	merged, err := profiles.Get(context.Background(), primary.ProfileID)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if !merged.HasIdentifier(model.IdentifierPhone, "+222") {
		t.Fatal("expected secondary identifier in union")
	}
	if merged.ChannelConsent["email"].Consented {
		t.Fatal("expected email consent restricted to false")
	}
	if !merged.ChannelConsent["whatsapp"].Consented {
		t.Fatal("expected whatsapp consent to stay true")
	}

	if _, err := profiles.Get(context.Background(), secondary.ProfileID); err != store.ErrNotFound {
		t.Fatalf("expected secondary deleted, got %v", err)
	}
	merges := audit.ByAction(ActionMerge)
	if len(merges) != 1 || merges[0].PrimaryID != primary.ProfileID || merges[0].SecondaryID != secondary.ProfileID {
		t.Fatalf("expected merge audit entry, got %v", merges)
	}
}
