// Package profile assembles and maintains golden records. Every
// resolved event flows through Builder.UpdateProfile, which applies
// source-of-truth precedence, recomputes scores and segments, and
// persists under optimistic concurrency control.
package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/observability"
	"github.com/brightpath-edu/cdp/store"
)

// CRM owns the personal_info section; behavioural sources never
// overwrite contact data.
const contactInfoAuthority = model.SourceCRM

// Engagement scoring parameters.
const (
	recencyWeight       = 0.55
	frequencyWeight     = 0.45
	recencyHalfLifeDays = 14.0
	frequencyPerEvent   = 2.5
)

// segmentThreshold maps an engagement range [Low, High) to a segment.
type segmentThreshold struct {
	name      string
	low, high float64
}

var segmentThresholds = []segmentThreshold{
	{"highly_engaged", 70, 100},
	{"moderately_engaged", 40, 70},
	{"at_risk", 15, 40},
	{"dormant", 0, 15},
}

// maxWriteAttempts bounds optimistic-lock retries per update.
const maxWriteAttempts = 3

// Evaluator contributes rule-based segments on top of the engagement
// thresholds. Optional.
type Evaluator interface {
	Matches(p *model.Profile) []string
}

// Builder updates golden records from canonical events.
type Builder struct {
	profiles  store.ProfileStore
	evaluator Evaluator // optional
	log       zerolog.Logger
	now       func() time.Time
}

// NewBuilder constructs a Builder. evaluator may be nil.
func NewBuilder(profiles store.ProfileStore, evaluator Evaluator, log zerolog.Logger) *Builder {
	return &Builder{
		profiles:  profiles,
		evaluator: evaluator,
		log:       log.With().Str("component", "profile-builder").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// UpdateProfile applies the event to the profile and persists the
// result. It makes up to three write attempts, re-reading after each
// version conflict, before surfacing store.ErrVersionConflict.
func (b *Builder) UpdateProfile(ctx context.Context, profileID string, event *model.CanonicalEvent) (*model.Profile, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		current, err := b.profiles.Get(ctx, profileID)
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", profileID, err)
		}
		version := current.Version

		candidate := current.Clone()
		b.applyContactInfo(candidate, event)
		b.updateInteractionSummary(candidate, event)
		b.applyEnrollmentStatus(candidate, event)
		b.updateScores(candidate)
		b.updateSegments(candidate)
		mergeIdentifiers(candidate, event.Identifiers)

		err = b.profiles.Update(ctx, profileID, version, candidate)
		if errors.Is(err, store.ErrVersionConflict) {
			observability.LockConflicts.Inc()
			b.log.Warn().
				Str("profile_id", profileID).
				Int("attempt", attempt).
				Msg("optimistic lock conflict, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write profile %s: %w", profileID, err)
		}
		b.log.Debug().Str("profile_id", profileID).Int64("version", candidate.Version).Msg("profile updated")
		return candidate, nil
	}
	return nil, fmt.Errorf("update profile %s after %d attempts: %w", profileID, maxWriteAttempts, store.ErrVersionConflict)
}

// ─── Source-of-truth apply ──────────────────────────────────

// applyContactInfo overwrites personal_info only for CRM-sourced events
// and merges event-level consent most-restrictively.
func (b *Builder) applyContactInfo(p *model.Profile, event *model.CanonicalEvent) {
	if event.Source == contactInfoAuthority && !event.PersonalInfo.Empty() {
		if event.PersonalInfo.Name != "" {
			p.PersonalInfo.Name = event.PersonalInfo.Name
		}
		if event.PersonalInfo.Email != "" {
			p.PersonalInfo.Email = event.PersonalInfo.Email
		}
		if event.PersonalInfo.Phone != "" {
			p.PersonalInfo.Phone = event.PersonalInfo.Phone
		}
	}

	now := b.now()
	for ch, incoming := range event.Consent {
		existing, ok := p.ChannelConsent[ch]
		merged := incoming
		if ok {
			merged = existing.Consented && incoming
		}
		entry := existing
		entry.Consented = merged
		if entry.LegalBasis == "" {
			entry.LegalBasis = "consent"
		}
		entry.UpdatedAt = now
		p.ChannelConsent[ch] = entry
	}
}

// ─── Interaction summary ────────────────────────────────────

func (b *Builder) updateInteractionSummary(p *model.Profile, event *model.CanonicalEvent) {
	if p.InteractionSummary.PerSourceCount == nil {
		p.InteractionSummary.PerSourceCount = make(map[string]int)
	}
	p.InteractionSummary.TotalEvents++
	p.InteractionSummary.PerSourceCount[string(event.Source)]++
	if !event.Timestamp.IsZero() {
		p.InteractionSummary.LastInteractionAt = event.Timestamp
	} else {
		p.InteractionSummary.LastInteractionAt = b.now()
	}
}

// ─── Engagement score ───────────────────────────────────────

// updateScores recomputes engagement from scratch: exponential recency
// decay with a 14-day half-life blended with a capped frequency term.
func (b *Builder) updateScores(p *model.Profile) {
	recency := 0.0
	if !p.InteractionSummary.LastInteractionAt.IsZero() {
		daysAgo := b.now().Sub(p.InteractionSummary.LastInteractionAt).Seconds() / 86400
		if daysAgo < 0 {
			daysAgo = 0
		}
		recency = 100.0 * math.Exp(-0.693*daysAgo/recencyHalfLifeDays)
	}
	frequency := math.Min(100.0, float64(p.InteractionSummary.TotalEvents)*frequencyPerEvent)
	engagement := recencyWeight*recency + frequencyWeight*frequency
	p.Scores.Engagement = math.Round(engagement*100) / 100
}

// ─── Segments ───────────────────────────────────────────────

// updateSegments recomputes membership as a pure function of the
// profile: engagement thresholds plus any rule-engine matches.
func (b *Builder) updateSegments(p *model.Profile) {
	var segments []string
	for _, t := range segmentThresholds {
		if p.Scores.Engagement >= t.low && p.Scores.Engagement < t.high {
			segments = append(segments, t.name)
		}
	}
	if b.evaluator != nil {
		segments = append(segments, b.evaluator.Matches(p)...)
	}
	p.Segments = model.SortSegments(segments)
}

// ─── Identifier merge ───────────────────────────────────────

// mergeIdentifiers adds incoming identifiers whose type is not yet
// present. The first value seen per type stays primary.
func mergeIdentifiers(p *model.Profile, incoming []model.Identifier) {
	for _, id := range incoming {
		if !id.Valid() {
			continue
		}
		if !p.HasIdentifierType(id.Type) {
			p.Identifiers = append(p.Identifiers, id)
		}
	}
}

// ─── Enrollment status ──────────────────────────────────────

// applyEnrollmentStatus lets CRM move a profile through the lifecycle;
// any first identified event promotes an anonymous profile to inquiry.
func (b *Builder) applyEnrollmentStatus(p *model.Profile, event *model.CanonicalEvent) {
	if event.Source == contactInfoAuthority {
		if raw, ok := event.NormalizedData["enrollment_status"].(string); ok {
			status := model.EnrollmentStatus(raw)
			if model.ValidEnrollmentStatuses[status] {
				p.EnrollmentStatus = status
				return
			}
		}
	}
	if p.EnrollmentStatus == model.StatusAnonymous && (event.StudentID != "" || len(event.Identifiers) > 0) {
		p.EnrollmentStatus = model.StatusInquiry
	}
}
