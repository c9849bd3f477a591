package consent

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/model"
)

func newManager(s Store) *Manager {
	return NewManager(s, nil, zerolog.New(io.Discard))
}

func TestUpdateConsentWritesAudit(t *testing.T) {
	s := NewMemoryStore()
	m := newManager(s)
	ctx := context.Background()

	if err := m.UpdateConsent(ctx, "stu-1", "email", true, "explicit_consent", SourceStudentPortal); err != nil {
		t.Fatalf("update: %v", err)
	}

	ok, err := m.CheckConsent(ctx, "stu-1", "email")
	if err != nil || !ok {
		t.Fatalf("expected consent true, got %v err=%v", ok, err)
	}

	trail, err := m.AuditTrail(ctx, "stu-1")
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(trail))
	}
	e := trail[0]
	if e.OldValue != nil {
		t.Fatalf("expected nil old_value on first write, got %v", *e.OldValue)
	}
	if !e.NewValue || e.Channel != "email" || e.LegalBasis != "explicit_consent" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
	if e.TermsVersion != CurrentTermsVersion {
		t.Fatalf("expected terms version %s, got %s", CurrentTermsVersion, e.TermsVersion)
	}
	if e.Source != string(SourceStudentPortal) {
		t.Fatalf("expected source student_portal, got %s", e.Source)
	}
}

func TestUpdateConsentIdempotentStillAudits(t *testing.T) {
	s := NewMemoryStore()
	m := newManager(s)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.UpdateConsent(ctx, "stu-1", "sms", true, "consent", SourceAPI); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	trail, _ := m.AuditTrail(ctx, "stu-1")
	if len(trail) != 2 {
		t.Fatalf("expected audit entry per call, got %d", len(trail))
	}
	old := trail[1].OldValue
	if old == nil || *old != true {
		t.Fatalf("expected old_value true on second write, got %v", old)
	}
}

func TestUpdateConsentUnknownChannel(t *testing.T) {
	m := newManager(NewMemoryStore())
	if err := m.UpdateConsent(context.Background(), "stu-1", "fax", true, "consent", SourceAPI); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestAuditFailureAbortsMutation(t *testing.T) {
	s := NewMemoryStore()
	s.FailAudit = true
	m := newManager(s)
	ctx := context.Background()

	if err := m.UpdateConsent(ctx, "stu-1", "email", true, "consent", SourceAPI); err == nil {
		t.Fatal("expected error when audit append fails")
	}
	ok, _ := m.CheckConsent(ctx, "stu-1", "email")
	if ok {
		t.Fatal("mutation must not be durable without an audit entry")
	}
}

func TestCheckConsentAbsentRecord(t *testing.T) {
	m := newManager(NewMemoryStore())
	ok, err := m.CheckConsent(context.Background(), "ghost", "email")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("absent record must mean no consent")
	}
}

func setConsents(t *testing.T, m *Manager, studentID string, channels map[string]bool) {
	t.Helper()
	for ch, v := range channels {
		if err := m.UpdateConsent(context.Background(), studentID, ch, v, "explicit_consent", SourceStudentPortal); err != nil {
			t.Fatalf("set %s/%s: %v", studentID, ch, err)
		}
	}
}

func channelStates(t *testing.T, m *Manager, studentID string) map[string]bool {
	t.Helper()
	rec, err := m.GetConsent(context.Background(), studentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out := make(map[string]bool, len(rec.Channels))
	for ch, entry := range rec.Channels {
		out[ch] = entry.Consented
	}
	return out
}

func TestMergeConsentMostRestrictiveAndCommutative(t *testing.T) {
	ctx := context.Background()

	run := func(swap bool) map[string]bool {
		s := NewMemoryStore()
		m := newManager(s)
		setConsents(t, m, "A", map[string]bool{"email": true, "whatsapp": true})
		setConsents(t, m, "B", map[string]bool{"email": false, "whatsapp": true})
		primary, secondary := "A", "B"
		if swap {
			primary, secondary = "B", "A"
		}
		if err := m.MergeConsent(ctx, primary, secondary); err != nil {
			t.Fatalf("merge: %v", err)
		}
		if s.HasRecord(secondary) {
			t.Fatal("secondary record must be deleted")
		}
		return channelStates(t, m, primary)
	}

	forward := run(false)
	swapped := run(true)

	if forward["email"] {
		t.Fatal("email: true AND false must merge to false")
	}
	if !forward["whatsapp"] {
		t.Fatal("whatsapp: true AND true must merge to true")
	}
	for _, ch := range model.Channels {
		if forward[ch] != swapped[ch] {
			t.Fatalf("merge not commutative on %s: %v vs %v", ch, forward[ch], swapped[ch])
		}
	}
}

func TestMergedEntriesCarryLegitimateInterest(t *testing.T) {
	s := NewMemoryStore()
	m := newManager(s)
	ctx := context.Background()
	setConsents(t, m, "A", map[string]bool{"email": true})
	setConsents(t, m, "B", map[string]bool{"email": true})

	if err := m.MergeConsent(ctx, "A", "B"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	rec, _ := m.GetConsent(ctx, "A")
	if rec.Channels["email"].LegalBasis != "legitimate_interest" {
		t.Fatalf("expected legitimate_interest on merged entry, got %s", rec.Channels["email"].LegalBasis)
	}
}

func TestBulkCheck(t *testing.T) {
	s := NewMemoryStore()
	m := newManager(s)
	ctx := context.Background()
	setConsents(t, m, "A", map[string]bool{"email": true})
	setConsents(t, m, "B", map[string]bool{"email": false})

	got, err := m.BulkCheck(ctx, []string{"A", "B", "C"}, "email")
	if err != nil {
		t.Fatalf("bulk check: %v", err)
	}
	if !got["A"] || got["B"] || got["C"] {
		t.Fatalf("unexpected bulk result %v", got)
	}
}
