// Package model defines the canonical event and golden-record profile
// shapes shared by every pipeline stage. All ingestion paths converge on
// CanonicalEvent; the unification layers converge on Profile.
package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ─── Enumerations ───────────────────────────────────────────

// EventSource identifies the originating system of an event.
type EventSource string

const (
	SourceWebsite  EventSource = "website"
	SourceApp      EventSource = "app"
	SourceCRM      EventSource = "crm"
	SourceEmail    EventSource = "email"
	SourceWhatsApp EventSource = "whatsapp"
)

// ValidSources is the closed set of sources the pipeline accepts.
var ValidSources = map[EventSource]bool{
	SourceWebsite:  true,
	SourceApp:      true,
	SourceCRM:      true,
	SourceEmail:    true,
	SourceWhatsApp: true,
}

// IdentifierType tags a cross-system identifier.
type IdentifierType string

const (
	IdentifierEmail        IdentifierType = "email"
	IdentifierPhone        IdentifierType = "phone"
	IdentifierDeviceID     IdentifierType = "device_id"
	IdentifierSessionID    IdentifierType = "session_id"
	IdentifierSalesforceID IdentifierType = "salesforce_id"
)

// IdentifierOrder is the canonical ordering the normalizer emits and the
// resolver iterates. Deterministic matching depends on this order being
// stable end to end.
var IdentifierOrder = []IdentifierType{
	IdentifierEmail,
	IdentifierPhone,
	IdentifierDeviceID,
	IdentifierSessionID,
	IdentifierSalesforceID,
}

// EnrollmentStatus models the student lifecycle.
type EnrollmentStatus string

const (
	StatusAnonymous   EnrollmentStatus = "anonymous"
	StatusInquiry     EnrollmentStatus = "inquiry"
	StatusApplication EnrollmentStatus = "application"
	StatusEnrollment  EnrollmentStatus = "enrollment"
	StatusActive      EnrollmentStatus = "active"
	StatusAlumni      EnrollmentStatus = "alumni"
	StatusChurned     EnrollmentStatus = "churned"
)

// ValidEnrollmentStatuses gates CRM-sourced status transitions.
var ValidEnrollmentStatuses = map[EnrollmentStatus]bool{
	StatusAnonymous:   true,
	StatusInquiry:     true,
	StatusApplication: true,
	StatusEnrollment:  true,
	StatusActive:      true,
	StatusAlumni:      true,
	StatusChurned:     true,
}

// Channels is the closed set of consent channels.
var Channels = []string{"email", "whatsapp", "push", "sms", "analytics", "profiling"}

// ValidChannel reports whether ch is a known consent channel.
func ValidChannel(ch string) bool {
	for _, c := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// ─── Identifier ─────────────────────────────────────────────

// MaxIdentifierValueLen bounds identifier values at the ingestion edge.
const MaxIdentifierValueLen = 512

// Identifier is a tagged (type, value) pair — an edge of the identity graph.
type Identifier struct {
	Type  IdentifierType `json:"type" bson:"type"`
	Value string         `json:"value" bson:"value"`
}

// Valid reports whether the identifier carries a usable value.
func (i Identifier) Valid() bool {
	return i.Value != "" && len(i.Value) <= MaxIdentifierValueLen
}

// ─── Canonical event ────────────────────────────────────────

// CanonicalEvent is the post-normalization event shape. Events are
// immutable once canonical.
type CanonicalEvent struct {
	EventID        string         `json:"event_id" bson:"event_id"`
	EventType      string         `json:"event_type" bson:"event_type"`
	Source         EventSource    `json:"source" bson:"source"`
	Timestamp      time.Time      `json:"timestamp" bson:"timestamp"`
	StudentID      string         `json:"student_id,omitempty" bson:"student_id,omitempty"`
	RawData        map[string]any `json:"raw_data" bson:"raw_data"`
	NormalizedData map[string]any `json:"normalized_data" bson:"normalized_data"`
	PersonalInfo   PersonalInfo   `json:"personal_info,omitempty" bson:"personal_info,omitempty"`
	Identifiers    []Identifier   `json:"identifiers" bson:"identifiers"`
	Consent        map[string]bool `json:"consent,omitempty" bson:"consent,omitempty"`
}

// NewEventID returns a fresh UUID-shaped event ID.
func NewEventID() string { return uuid.NewString() }

// ─── Profile (golden record) ────────────────────────────────

// PersonalInfo holds the PII section of a profile. All fields optional
// to support anonymous and partial profiles.
type PersonalInfo struct {
	Name  string `json:"name,omitempty" bson:"name,omitempty"`
	Email string `json:"email,omitempty" bson:"email,omitempty"`
	Phone string `json:"phone,omitempty" bson:"phone,omitempty"`
}

// Empty reports whether no PII field is set.
func (p PersonalInfo) Empty() bool {
	return p.Name == "" && p.Email == "" && p.Phone == ""
}

// ConsentEntry is the current consent projection for one channel.
type ConsentEntry struct {
	Consented    bool      `json:"consented" bson:"consented"`
	LegalBasis   string    `json:"legal_basis" bson:"legal_basis"`
	TermsVersion string    `json:"terms_version" bson:"terms_version"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// InteractionSummary aggregates interaction counters for quick reads.
type InteractionSummary struct {
	TotalEvents       int                 `json:"total_events" bson:"total_events"`
	PerSourceCount    map[string]int      `json:"per_source_count" bson:"per_source_count"`
	LastInteractionAt time.Time           `json:"last_interaction_at" bson:"last_interaction_at"`
}

// Scores carries the derived scores attached to every profile.
type Scores struct {
	Engagement            float64 `json:"engagement" bson:"engagement"`
	ChurnRisk             float64 `json:"churn_risk" bson:"churn_risk"`
	EnrollmentProbability float64 `json:"enrollment_probability" bson:"enrollment_probability"`
}

// Profile is the golden record for a single subject.
type Profile struct {
	ProfileID         string                  `json:"profile_id" bson:"profile_id"`
	Identifiers       []Identifier            `json:"identifiers" bson:"identifiers"`
	PersonalInfo      PersonalInfo            `json:"personal_info" bson:"personal_info"`
	EnrollmentStatus  EnrollmentStatus        `json:"enrollment_status" bson:"enrollment_status"`
	Segments          []string                `json:"segments" bson:"segments"`
	ChannelConsent    map[string]ConsentEntry `json:"channel_consent" bson:"channel_consent"`
	InteractionSummary InteractionSummary     `json:"interaction_summary" bson:"interaction_summary"`
	Scores            Scores                  `json:"scores" bson:"scores"`
	Version           int64                   `json:"version" bson:"version"`
	CreatedAt         time.Time               `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at" bson:"updated_at"`
}

// NewProfile returns an empty profile with a fresh ID.
func NewProfile(now time.Time) *Profile {
	return &Profile{
		ProfileID:        uuid.NewString(),
		EnrollmentStatus: StatusAnonymous,
		ChannelConsent:   make(map[string]ConsentEntry),
		InteractionSummary: InteractionSummary{
			PerSourceCount: make(map[string]int),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasIdentifier reports whether the profile carries the exact (type, value).
func (p *Profile) HasIdentifier(t IdentifierType, value string) bool {
	for _, id := range p.Identifiers {
		if id.Type == t && id.Value == value {
			return true
		}
	}
	return false
}

// HasIdentifierType reports whether any identifier of the given type exists.
func (p *Profile) HasIdentifierType(t IdentifierType) bool {
	for _, id := range p.Identifiers {
		if id.Type == t {
			return true
		}
	}
	return false
}

// IdentifierValues returns the set of identifier values on the profile.
func (p *Profile) IdentifierValues() map[string]bool {
	values := make(map[string]bool, len(p.Identifiers))
	for _, id := range p.Identifiers {
		if id.Value != "" {
			values[id.Value] = true
		}
	}
	return values
}

// Clone returns a deep copy so callers can mutate a candidate document
// without touching the stored one.
func (p *Profile) Clone() *Profile {
	out := *p
	out.Identifiers = append([]Identifier(nil), p.Identifiers...)
	out.Segments = append([]string(nil), p.Segments...)
	out.ChannelConsent = make(map[string]ConsentEntry, len(p.ChannelConsent))
	for k, v := range p.ChannelConsent {
		out.ChannelConsent[k] = v
	}
	out.InteractionSummary.PerSourceCount = make(map[string]int, len(p.InteractionSummary.PerSourceCount))
	for k, v := range p.InteractionSummary.PerSourceCount {
		out.InteractionSummary.PerSourceCount[k] = v
	}
	return &out
}

// AsMap flattens the profile for dot-path rule evaluation.
func (p *Profile) AsMap() map[string]any {
	perSource := make(map[string]any, len(p.InteractionSummary.PerSourceCount))
	for k, v := range p.InteractionSummary.PerSourceCount {
		perSource[k] = v
	}
	consent := make(map[string]any, len(p.ChannelConsent))
	for ch, entry := range p.ChannelConsent {
		consent[ch] = map[string]any{
			"consented":     entry.Consented,
			"legal_basis":   entry.LegalBasis,
			"terms_version": entry.TermsVersion,
		}
	}
	return map[string]any{
		"profile_id":        p.ProfileID,
		"enrollment_status": string(p.EnrollmentStatus),
		"segments":          append([]string(nil), p.Segments...),
		"personal_info": map[string]any{
			"name":  p.PersonalInfo.Name,
			"email": p.PersonalInfo.Email,
			"phone": p.PersonalInfo.Phone,
		},
		"channel_consent": consent,
		"interaction_summary": map[string]any{
			"total_events":        p.InteractionSummary.TotalEvents,
			"per_source_count":    perSource,
			"last_interaction_at": p.InteractionSummary.LastInteractionAt,
		},
		"scores": map[string]any{
			"engagement":             p.Scores.Engagement,
			"churn_risk":             p.Scores.ChurnRisk,
			"enrollment_probability": p.Scores.EnrollmentProbability,
		},
		"version": p.Version,
	}
}

// SortSegments normalizes segment membership to a sorted unique list.
func SortSegments(segments []string) []string {
	seen := make(map[string]bool, len(segments))
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
