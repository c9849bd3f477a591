// Package identity maps every inbound event to exactly one profile.
// Resolution is a deterministic cascade: exact identifier match, then
// confidence-weighted fuzzy match, then profile creation. Every merge
// decision lands in the audit log.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/observability"
	"github.com/brightpath-edu/cdp/store"
)

// ConfidenceAutoMerge is the probabilistic threshold at or above which a
// candidate is linked without operator review.
const ConfidenceAutoMerge = 0.85

// Weights of the probabilistic confidence blend.
const (
	nameWeight    = 0.6
	overlapWeight = 0.4
)

// ConsentMerger applies the most-restrictive merge on the consent
// service's own records when two profiles collapse into one.
type ConsentMerger interface {
	MergeConsent(ctx context.Context, primaryID, secondaryID string) error
}

// Resolver links events to profiles.
type Resolver struct {
	profiles store.ProfileStore
	audit    AuditLog
	consent  ConsentMerger // optional
	log      zerolog.Logger
	now      func() time.Time
}

// NewResolver builds a Resolver. consent may be nil when the consent
// service is not wired (tests, backfills).
func NewResolver(profiles store.ProfileStore, audit AuditLog, consent ConsentMerger, log zerolog.Logger) *Resolver {
	return &Resolver{
		profiles: profiles,
		audit:    audit,
		consent:  consent,
		log:      log.With().Str("component", "identity-resolver").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the profile ID the event belongs to, creating a new
// profile when no confident match exists.
func (r *Resolver) Resolve(ctx context.Context, event *model.CanonicalEvent) (string, error) {
	if id, err := r.deterministicMatch(ctx, event.Identifiers); err != nil {
		return "", err
	} else if id != "" {
		observability.IdentityMatches.WithLabelValues("deterministic").Inc()
		r.log.Debug().Str("profile_id", id).Msg("deterministic match")
		return id, nil
	}

	candidateID, confidence, err := r.probabilisticMatch(ctx, event.PersonalInfo, event.Identifiers)
	if err != nil {
		return "", err
	}
	if candidateID != "" {
		if confidence >= ConfidenceAutoMerge {
			observability.IdentityMatches.WithLabelValues("probabilistic").Inc()
			r.log.Info().
				Str("profile_id", candidateID).
				Float64("confidence", confidence).
				Msg("auto-merge probabilistic match")
			return candidateID, nil
		}
		if err := r.flagForReview(ctx, event, candidateID, confidence); err != nil {
			return "", err
		}
		r.log.Warn().
			Str("candidate_id", candidateID).
			Float64("confidence", confidence).
			Msg("low-confidence match flagged for review")
	}

	return r.createProfile(ctx, event)
}

// ─── Deterministic (exact) ──────────────────────────────────

// deterministicMatch probes the store for each identifier in the order
// the normalizer produced them. First hit wins.
func (r *Resolver) deterministicMatch(ctx context.Context, identifiers []model.Identifier) (string, error) {
	for _, id := range identifiers {
		if !id.Valid() {
			continue
		}
		p, err := r.profiles.FindByIdentifier(ctx, id.Type, id.Value)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("deterministic probe %s: %w", id.Type, err)
		}
		return p.ProfileID, nil
	}
	return "", nil
}

// ─── Probabilistic (fuzzy) ──────────────────────────────────

// probabilisticMatch scores candidate profiles sharing any identifier
// value. Confidence blends name similarity with Jaccard identifier
// overlap. Returns the best candidate and its confidence, or "" when
// prerequisites are missing.
func (r *Resolver) probabilisticMatch(ctx context.Context, info model.PersonalInfo, identifiers []model.Identifier) (string, float64, error) {
	idValues := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		if id.Value != "" {
			idValues[id.Value] = true
		}
	}
	if info.Name == "" || len(idValues) == 0 {
		return "", 0, nil
	}

	values := make([]string, 0, len(idValues))
	for v := range idValues {
		values = append(values, v)
	}
	candidates, err := r.profiles.FindByAnyIdentifierValue(ctx, values)
	if err != nil {
		return "", 0, fmt.Errorf("candidate retrieval: %w", err)
	}

	bestID, bestConfidence := "", -1.0
	for _, candidate := range candidates {
		nameScore := Ratio(strings.ToLower(info.Name), strings.ToLower(candidate.PersonalInfo.Name))
		overlap := jaccard(idValues, candidate.IdentifierValues())
		confidence := nameWeight*nameScore + overlapWeight*overlap
		if confidence > bestConfidence {
			bestID, bestConfidence = candidate.ProfileID, confidence
		}
	}
	if bestID == "" {
		return "", 0, nil
	}
	return bestID, bestConfidence, nil
}

// jaccard computes |a ∩ b| / |a ∪ b| over identifier value sets.
func jaccard(a, b map[string]bool) float64 {
	union := make(map[string]bool, len(a)+len(b))
	intersection := 0
	for v := range a {
		union[v] = true
	}
	for v := range b {
		if a[v] {
			intersection++
		}
		union[v] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

// ─── Create ─────────────────────────────────────────────────

func (r *Resolver) createProfile(ctx context.Context, event *model.CanonicalEvent) (string, error) {
	now := r.now()
	p := model.NewProfile(now)
	p.PersonalInfo = event.PersonalInfo
	for _, id := range event.Identifiers {
		if id.Valid() {
			p.Identifiers = append(p.Identifiers, id)
		}
	}
	for ch, consented := range event.Consent {
		p.ChannelConsent[ch] = model.ConsentEntry{
			Consented:  consented,
			LegalBasis: "consent",
			UpdatedAt:  now,
		}
	}

	if err := r.profiles.Insert(ctx, p); err != nil {
		return "", fmt.Errorf("create profile: %w", err)
	}
	if err := r.audit.Append(ctx, AuditEntry{
		Action:    ActionCreate,
		ProfileID: p.ProfileID,
		Timestamp: now,
	}); err != nil {
		return "", fmt.Errorf("audit create: %w", err)
	}
	observability.IdentityMatches.WithLabelValues("created").Inc()
	r.log.Info().Str("profile_id", p.ProfileID).Msg("created new profile")
	return p.ProfileID, nil
}

// ─── Review flag ────────────────────────────────────────────

func (r *Resolver) flagForReview(ctx context.Context, event *model.CanonicalEvent, candidateID string, confidence float64) error {
	return r.audit.Append(ctx, AuditEntry{
		Action:        ActionReviewFlag,
		CandidateID:   candidateID,
		Confidence:    confidence,
		EventSnapshot: event,
		Timestamp:     r.now(),
	})
}

// ─── Merge ──────────────────────────────────────────────────

// Merge collapses secondary into primary: identifier union, channel-wise
// most-restrictive consent, secondary deletion, audit entry. Called
// after manual review approval or by operator tooling.
func (r *Resolver) Merge(ctx context.Context, primaryID, secondaryID string) error {
	secondary, err := r.profiles.Get(ctx, secondaryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load secondary %s: %w", secondaryID, err)
	}

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		primary, err := r.profiles.Get(ctx, primaryID)
		if err != nil {
			return fmt.Errorf("load primary %s: %w", primaryID, err)
		}
		version := primary.Version

		merged := primary.Clone()
		for _, id := range secondary.Identifiers {
			if !merged.HasIdentifier(id.Type, id.Value) {
				merged.Identifiers = append(merged.Identifiers, id)
			}
		}
		mergeChannelConsent(merged, secondary, r.now())

		err = r.profiles.Update(ctx, primaryID, version, merged)
		if errors.Is(err, store.ErrVersionConflict) {
			observability.LockConflicts.Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("persist merge into %s: %w", primaryID, err)
		}

		if r.consent != nil {
			if err := r.consent.MergeConsent(ctx, primaryID, secondaryID); err != nil {
				return fmt.Errorf("merge consent records: %w", err)
			}
		}
		if _, err := r.profiles.Delete(ctx, secondaryID); err != nil {
			return fmt.Errorf("delete secondary %s: %w", secondaryID, err)
		}
		if err := r.audit.Append(ctx, AuditEntry{
			Action:      ActionMerge,
			PrimaryID:   primaryID,
			SecondaryID: secondaryID,
			Timestamp:   r.now(),
		}); err != nil {
			return fmt.Errorf("audit merge: %w", err)
		}
		r.log.Info().Str("primary_id", primaryID).Str("secondary_id", secondaryID).Msg("profiles merged")
		return nil
	}
	return fmt.Errorf("merge %s into %s: %w", secondaryID, primaryID, store.ErrVersionConflict)
}

// mergeChannelConsent applies the most-restrictive rule: a channel is
// consented only if BOTH sides consented.
func mergeChannelConsent(primary, secondary *model.Profile, now time.Time) {
	for _, ch := range model.Channels {
		p, pok := primary.ChannelConsent[ch]
		s, sok := secondary.ChannelConsent[ch]
		if !pok && !sok {
			continue
		}
		merged := (pok && p.Consented) && (sok && s.Consented)
		entry := p
		if !pok {
			entry = s
		}
		entry.Consented = merged
		entry.UpdatedAt = now
		primary.ChannelConsent[ch] = entry
	}
}
