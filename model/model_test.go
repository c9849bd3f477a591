package model

import (
	"reflect"
	"testing"
	"time"
)

func TestSortSegments(t *testing.T) {
	got := SortSegments([]string{"b", "a", "b", "", "c", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestIdentifierValid(t *testing.T) {
	if (Identifier{Type: IdentifierEmail, Value: ""}).Valid() {
		t.Fatal("empty value must be invalid")
	}
	long := make([]byte, MaxIdentifierValueLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if (Identifier{Type: IdentifierEmail, Value: string(long)}).Valid() {
		t.Fatal("oversized value must be invalid")
	}
	if !(Identifier{Type: IdentifierPhone, Value: "+49123"}).Valid() {
		t.Fatal("expected valid identifier")
	}
}

func TestProfileCloneIsDeep(t *testing.T) {
	p := NewProfile(time.Now().UTC())
	p.Identifiers = []Identifier{{Type: IdentifierEmail, Value: "a@x.edu"}}
	p.ChannelConsent["email"] = ConsentEntry{Consented: true}
	p.InteractionSummary.PerSourceCount["website"] = 1

	clone := p.Clone()
	clone.Identifiers[0].Value = "mutated"
	clone.ChannelConsent["email"] = ConsentEntry{Consented: false}
	clone.InteractionSummary.PerSourceCount["website"] = 99

	if p.Identifiers[0].Value != "a@x.edu" {
		t.Fatal("identifier mutation leaked into original")
	}
	if !p.ChannelConsent["email"].Consented {
		t.Fatal("consent mutation leaked into original")
	}
	if p.InteractionSummary.PerSourceCount["website"] != 1 {
		t.Fatal("counter mutation leaked into original")
	}
}

func TestAsMapDotPaths(t *testing.T) {
	p := NewProfile(time.Now().UTC())
	p.EnrollmentStatus = StatusInquiry
	p.InteractionSummary.TotalEvents = 4
	p.Scores.Engagement = 32.0

	m := p.AsMap()
	summary, ok := m["interaction_summary"].(map[string]any)
	if !ok || summary["total_events"] != 4 {
		t.Fatalf("unexpected interaction_summary %v", m["interaction_summary"])
	}
	scores, ok := m["scores"].(map[string]any)
	if !ok || scores["engagement"] != 32.0 {
		t.Fatalf("unexpected scores %v", m["scores"])
	}
	if m["enrollment_status"] != "inquiry" {
		t.Fatalf("unexpected status %v", m["enrollment_status"])
	}
}
