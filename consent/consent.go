// Package consent manages per-student, per-channel consent with an
// append-only audit trail. Every mutation produces an audit entry
// before it is considered durable; merges apply the most-restrictive
// rule so a channel survives a merge only if both sides consented.
package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/model"
)

// CurrentTermsVersion is stamped on every new consent entry.
const CurrentTermsVersion = "v2.1"

// Source identifies where a consent change originated.
type Source string

const (
	SourceStudentPortal Source = "student_portal"
	SourceAPI           Source = "api"
	SourceImport        Source = "import"
)

// bulkCheckCacheTTL bounds staleness of the campaign pre-flight cache.
const bulkCheckCacheTTL = 5 * time.Minute

// Record is the aggregate consent state for one student.
type Record struct {
	StudentID    string                        `json:"student_id" bson:"student_id"`
	Channels     map[string]model.ConsentEntry `json:"channels" bson:"channels"`
	CreatedAt    time.Time                     `json:"created_at" bson:"created_at"`
	LastModified time.Time                     `json:"last_modified" bson:"last_modified"`
}

// AuditEntry is one append-only record of a consent change.
type AuditEntry struct {
	StudentID    string    `json:"student_id" bson:"student_id"`
	Channel      string    `json:"channel" bson:"channel"`
	OldValue     *bool     `json:"old_value" bson:"old_value"`
	NewValue     bool      `json:"new_value" bson:"new_value"`
	LegalBasis   string    `json:"legal_basis" bson:"legal_basis"`
	TermsVersion string    `json:"terms_version" bson:"terms_version"`
	Source       string    `json:"source" bson:"source"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
}

// Store persists consent records and their audit trail.
type Store interface {
	// Get returns the record for a student, or nil when absent.
	Get(ctx context.Context, studentID string) (*Record, error)
	// SetChannel upserts one channel entry on a student's record.
	SetChannel(ctx context.Context, studentID, channel string, entry model.ConsentEntry, now time.Time) error
	// Delete removes a student's record entirely.
	Delete(ctx context.Context, studentID string) error
	// AppendAudit records a consent change. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// AuditTrail returns a student's audit entries in chronological order.
	AuditTrail(ctx context.Context, studentID string) ([]AuditEntry, error)
}

// Manager is the consent service facade.
type Manager struct {
	store Store
	cache *redis.Client // optional bulk-check cache
	log   zerolog.Logger
	now   func() time.Time
}

// NewManager builds a Manager. cache may be nil.
func NewManager(store Store, cache *redis.Client, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		cache: cache,
		log:   log.With().Str("component", "consent-manager").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// GetConsent returns the full per-channel record, empty when absent.
func (m *Manager) GetConsent(ctx context.Context, studentID string) (*Record, error) {
	rec, err := m.store.Get(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("get consent %s: %w", studentID, err)
	}
	if rec == nil {
		return &Record{StudentID: studentID, Channels: make(map[string]model.ConsentEntry)}, nil
	}
	if rec.Channels == nil {
		rec.Channels = make(map[string]model.ConsentEntry)
	}
	return rec, nil
}

// UpdateConsent writes the channel entry and its audit record. The
// audit append happens first; if it fails the mutation is aborted so no
// unaudited consent state can exist. Idempotent on equal values — the
// audit entry is still written.
func (m *Manager) UpdateConsent(ctx context.Context, studentID, channel string, consented bool, legalBasis string, source Source) error {
	if !model.ValidChannel(channel) {
		return fmt.Errorf("unknown channel %q", channel)
	}

	now := m.now()
	existing, err := m.GetConsent(ctx, studentID)
	if err != nil {
		return err
	}
	var oldValue *bool
	if entry, ok := existing.Channels[channel]; ok {
		v := entry.Consented
		oldValue = &v
	}

	if err := m.store.AppendAudit(ctx, AuditEntry{
		StudentID:    studentID,
		Channel:      channel,
		OldValue:     oldValue,
		NewValue:     consented,
		LegalBasis:   legalBasis,
		TermsVersion: CurrentTermsVersion,
		Source:       string(source),
		Timestamp:    now,
	}); err != nil {
		return fmt.Errorf("audit consent change: %w", err)
	}

	entry := model.ConsentEntry{
		Consented:    consented,
		LegalBasis:   legalBasis,
		TermsVersion: CurrentTermsVersion,
		UpdatedAt:    now,
	}
	if err := m.store.SetChannel(ctx, studentID, channel, entry, now); err != nil {
		return fmt.Errorf("persist consent change: %w", err)
	}

	m.invalidateCache(ctx, studentID, channel)
	m.log.Info().
		Str("student_id", studentID).
		Str("channel", channel).
		Bool("consented", consented).
		Msg("consent updated")
	return nil
}

// CheckConsent reports whether the student consented on the channel.
// No record means no consent.
func (m *Manager) CheckConsent(ctx context.Context, studentID, channel string) (bool, error) {
	rec, err := m.GetConsent(ctx, studentID)
	if err != nil {
		return false, err
	}
	entry, ok := rec.Channels[channel]
	return ok && entry.Consented, nil
}

// MergeConsent collapses secondary's record into primary's using the
// most-restrictive rule, then deletes the secondary record. The merged
// entries carry legitimate_interest as legal basis.
func (m *Manager) MergeConsent(ctx context.Context, primaryID, secondaryID string) error {
	primary, err := m.GetConsent(ctx, primaryID)
	if err != nil {
		return err
	}
	secondary, err := m.GetConsent(ctx, secondaryID)
	if err != nil {
		return err
	}

	for _, channel := range model.Channels {
		p, pok := primary.Channels[channel]
		s, sok := secondary.Channels[channel]
		merged := (pok && p.Consented) && (sok && s.Consented)
		if err := m.UpdateConsent(ctx, primaryID, channel, merged, "legitimate_interest", SourceAPI); err != nil {
			return fmt.Errorf("merge channel %s: %w", channel, err)
		}
	}

	if err := m.store.Delete(ctx, secondaryID); err != nil {
		return fmt.Errorf("delete secondary consent %s: %w", secondaryID, err)
	}
	m.log.Info().Str("primary_id", primaryID).Str("secondary_id", secondaryID).Msg("consent records merged")
	return nil
}

// BulkCheck resolves consent for many students on one channel, for
// campaign pre-flight. Results are cached in Redis when available.
func (m *Manager) BulkCheck(ctx context.Context, studentIDs []string, channel string) (map[string]bool, error) {
	if !model.ValidChannel(channel) {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}

	out := make(map[string]bool, len(studentIDs))
	var misses []string

	if m.cache != nil {
		keys := make([]string, len(studentIDs))
		for i, id := range studentIDs {
			keys[i] = cacheKey(channel, id)
		}
		values, err := m.cache.MGet(ctx, keys...).Result()
		if err == nil {
			for i, v := range values {
				switch v {
				case "1":
					out[studentIDs[i]] = true
				case "0":
					out[studentIDs[i]] = false
				default:
					misses = append(misses, studentIDs[i])
				}
			}
		} else {
			misses = studentIDs
		}
	} else {
		misses = studentIDs
	}

	for _, id := range misses {
		consented, err := m.CheckConsent(ctx, id, channel)
		if err != nil {
			return nil, err
		}
		out[id] = consented
		if m.cache != nil {
			val := "0"
			if consented {
				val = "1"
			}
			m.cache.Set(ctx, cacheKey(channel, id), val, bulkCheckCacheTTL)
		}
	}
	return out, nil
}

// AuditTrail returns the complete chronological audit trail for a student.
func (m *Manager) AuditTrail(ctx context.Context, studentID string) ([]AuditEntry, error) {
	trail, err := m.store.AuditTrail(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("consent audit trail %s: %w", studentID, err)
	}
	return trail, nil
}

func (m *Manager) invalidateCache(ctx context.Context, studentID, channel string) {
	if m.cache == nil {
		return
	}
	m.cache.Del(ctx, cacheKey(channel, studentID))
}

func cacheKey(channel, studentID string) string {
	return "cdp:consent:" + channel + ":" + studentID
}
