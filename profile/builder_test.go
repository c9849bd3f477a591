package profile

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

func seed(t *testing.T, s store.ProfileStore, mutate func(*model.Profile)) *model.Profile {
	t.Helper()
	p := model.NewProfile(time.Now().UTC())
	if mutate != nil {
		mutate(p)
	}
	if err := s.Insert(context.Background(), p); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return p
}

func TestEngagementMath(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	profiles := store.NewMemoryStore()
	b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })

	// Three prior events; this update makes four, with the last
	// interaction exactly 14 days old.
	p := seed(t, profiles, func(p *model.Profile) {
		p.InteractionSummary.TotalEvents = 3
	})
	event := &model.CanonicalEvent{
		EventID:   "evt-1",
		Source:    model.SourceWebsite,
		Timestamp: now.Add(-14 * 24 * time.Hour),
	}

	updated, err := b.UpdateProfile(context.Background(), p.ProfileID, event)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// recency = 100·e^(−0.693) ≈ 50.00, frequency = min(100, 4·2.5) = 10,
	// engagement = round(0.55·recency + 0.45·10, 2) = 32.00.
	if math.Abs(updated.Scores.Engagement-32.0) > 0.01 {
		t.Fatalf("expected engagement 32.00, got %v", updated.Scores.Engagement)
	}
	if updated.InteractionSummary.TotalEvents != 4 {
		t.Fatalf("expected 4 total events, got %d", updated.InteractionSummary.TotalEvents)
	}
	found := false
	for _, s := range updated.Segments {
		if s == "at_risk" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at_risk segment, got %v", updated.Segments)
	}
}

func TestEngagementDeterministic(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	event := &model.CanonicalEvent{Source: model.SourceApp, Timestamp: now.Add(-48 * time.Hour)}

	run := func() float64 {
		profiles := store.NewMemoryStore()
		b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })
		p := seed(t, profiles, func(p *model.Profile) { p.InteractionSummary.TotalEvents = 7 })
		updated, err := b.UpdateProfile(context.Background(), p.ProfileID, event)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		return updated.Scores.Engagement
	}
	if a, b := run(), run(); a != b {
		t.Fatalf("engagement must be deterministic, got %v and %v", a, b)
	}
}

func TestSegmentThresholds(t *testing.T) {
	tests := []struct {
		engagement float64
		want       string
	}{
		{75, "highly_engaged"},
		{55, "moderately_engaged"},
		{20, "at_risk"},
		{5, "dormant"},
	}
	b := &Builder{}
	for _, tc := range tests {
		p := model.NewProfile(time.Now().UTC())
		p.Scores.Engagement = tc.engagement
		b.updateSegments(p)
		if len(p.Segments) != 1 || p.Segments[0] != tc.want {
			t.Fatalf("engagement %v: expected [%s], got %v", tc.engagement, tc.want, p.Segments)
		}
	}
}

func TestCRMOwnsPersonalInfo(t *testing.T) {
	now := time.Now().UTC()
	profiles := store.NewMemoryStore()
	b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })

	p := seed(t, profiles, func(p *model.Profile) {
		p.PersonalInfo = model.PersonalInfo{Name: "Old Name", Email: "old@x.edu"}
	})

	// A website event must not touch contact data.
	website := &model.CanonicalEvent{
		Source:       model.SourceWebsite,
		Timestamp:    now,
		PersonalInfo: model.PersonalInfo{Name: "Web Name"},
	}
	updated, err := b.UpdateProfile(context.Background(), p.ProfileID, website)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PersonalInfo.Name != "Old Name" {
		t.Fatalf("website event must not overwrite personal info, got %q", updated.PersonalInfo.Name)
	}

	// A CRM event is the source of truth for contact data.
	crm := &model.CanonicalEvent{
		Source:       model.SourceCRM,
		Timestamp:    now,
		PersonalInfo: model.PersonalInfo{Name: "CRM Name", Phone: "+333"},
	}
	updated, err = b.UpdateProfile(context.Background(), p.ProfileID, crm)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PersonalInfo.Name != "CRM Name" || updated.PersonalInfo.Phone != "+333" {
		t.Fatalf("CRM event must overwrite personal info, got %+v", updated.PersonalInfo)
	}
	if updated.PersonalInfo.Email != "old@x.edu" {
		t.Fatalf("empty CRM fields must not clear existing values, got %+v", updated.PersonalInfo)
	}
}

func TestConsentMergedMostRestrictive(t *testing.T) {
	now := time.Now().UTC()
	profiles := store.NewMemoryStore()
	b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })

	p := seed(t, profiles, func(p *model.Profile) {
		p.ChannelConsent["email"] = model.ConsentEntry{Consented: true, LegalBasis: "consent"}
	})
	event := &model.CanonicalEvent{
		Source:    model.SourceWebsite,
		Timestamp: now,
		Consent:   map[string]bool{"email": false, "sms": true},
	}
	updated, err := b.UpdateProfile(context.Background(), p.ProfileID, event)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ChannelConsent["email"].Consented {
		t.Fatal("true AND false must be false")
	}
	if !updated.ChannelConsent["sms"].Consented {
		t.Fatal("new channel takes the incoming value")
	}
}

func TestIdentifierMergeFirstValuePerTypeWins(t *testing.T) {
	now := time.Now().UTC()
	profiles := store.NewMemoryStore()
	b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })

	p := seed(t, profiles, func(p *model.Profile) {
		p.Identifiers = []model.Identifier{{Type: model.IdentifierEmail, Value: "keep@x.edu"}}
	})
	event := &model.CanonicalEvent{
		Source:    model.SourceApp,
		Timestamp: now,
		Identifiers: []model.Identifier{
			{Type: model.IdentifierEmail, Value: "other@x.edu"},
			{Type: model.IdentifierDeviceID, Value: "D9"},
		},
	}
	updated, err := b.UpdateProfile(context.Background(), p.ProfileID, event)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.HasIdentifier(model.IdentifierEmail, "keep@x.edu") {
		t.Fatal("existing email must be kept")
	}
	if updated.HasIdentifier(model.IdentifierEmail, "other@x.edu") {
		t.Fatal("second email of the same type must not be added")
	}
	if !updated.HasIdentifier(model.IdentifierDeviceID, "D9") {
		t.Fatal("new identifier type must be added")
	}
}

func TestAnonymousPromotedToInquiry(t *testing.T) {
	now := time.Now().UTC()
	profiles := store.NewMemoryStore()
	b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })

	p := seed(t, profiles, nil)
	event := &model.CanonicalEvent{
		Source:      model.SourceWebsite,
		Timestamp:   now,
		StudentID:   "stu-1",
		Identifiers: []model.Identifier{{Type: model.IdentifierEmail, Value: "a@x.edu"}},
	}
	updated, err := b.UpdateProfile(context.Background(), p.ProfileID, event)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.EnrollmentStatus != model.StatusInquiry {
		t.Fatalf("expected inquiry, got %s", updated.EnrollmentStatus)
	}
}

// conflictOnce injects one concurrent write before the first Update so
// the builder's optimistic retry path runs.
type conflictOnce struct {
	*store.MemoryStore
	fired bool
}

func (c *conflictOnce) Update(ctx context.Context, id string, version int64, p *model.Profile) error {
	if !c.fired {
		c.fired = true
		current, err := c.MemoryStore.Get(ctx, id)
		if err != nil {
			return err
		}
		other := current.Clone()
		other.InteractionSummary.TotalEvents++
		other.InteractionSummary.PerSourceCount["website"]++
		if err := c.MemoryStore.Update(ctx, id, version, other); err != nil {
			return err
		}
	}
	return c.MemoryStore.Update(ctx, id, version, p)
}

func TestOptimisticRetrySucceeds(t *testing.T) {
	now := time.Now().UTC()
	profiles := &conflictOnce{MemoryStore: store.NewMemoryStore()}
	b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })

	p := seed(t, profiles.MemoryStore, nil)
	event := &model.CanonicalEvent{Source: model.SourceApp, Timestamp: now}

	updated, err := b.UpdateProfile(context.Background(), p.ProfileID, event)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	// The concurrent write and this update both landed.
	if updated.InteractionSummary.TotalEvents != 2 {
		t.Fatalf("expected both events counted, got %d", updated.InteractionSummary.TotalEvents)
	}
	if updated.Version != p.Version+2 {
		t.Fatalf("expected version +2, got %d (was %d)", updated.Version, p.Version)
	}
}

// alwaysConflict never lets a write through.
type alwaysConflict struct {
	*store.MemoryStore
	attempts int
}

func (c *alwaysConflict) Update(context.Context, string, int64, *model.Profile) error {
	c.attempts++
	return store.ErrVersionConflict
}

func TestOptimisticRetryExhausted(t *testing.T) {
	now := time.Now().UTC()
	profiles := &alwaysConflict{MemoryStore: store.NewMemoryStore()}
	b := NewBuilder(profiles, nil, testLogger()).WithClock(func() time.Time { return now })

	p := seed(t, profiles.MemoryStore, nil)
	event := &model.CanonicalEvent{Source: model.SourceApp, Timestamp: now}

	_, err := b.UpdateProfile(context.Background(), p.ProfileID, event)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if profiles.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", profiles.attempts)
	}
}
