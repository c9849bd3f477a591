package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/brightpath-edu/cdp/model"
)

// Audit actions recorded by the resolver.
const (
	ActionCreate     = "create"
	ActionMerge      = "merge"
	ActionReviewFlag = "review_flag"
)

// AuditEntry is one append-only record in the identity audit trail.
type AuditEntry struct {
	Action        string                `json:"action" bson:"action"`
	ProfileID     string                `json:"profile_id,omitempty" bson:"profile_id,omitempty"`
	PrimaryID     string                `json:"primary_id,omitempty" bson:"primary_id,omitempty"`
	SecondaryID   string                `json:"secondary_id,omitempty" bson:"secondary_id,omitempty"`
	CandidateID   string                `json:"candidate_id,omitempty" bson:"candidate_id,omitempty"`
	Confidence    float64               `json:"confidence,omitempty" bson:"confidence,omitempty"`
	EventSnapshot *model.CanonicalEvent `json:"event_snapshot,omitempty" bson:"event_snapshot,omitempty"`
	Timestamp     time.Time             `json:"timestamp" bson:"timestamp"`
}

// AuditLog receives resolver decisions. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// ─── Mongo implementation ───────────────────────────────────

// MongoAuditLog stores entries in a dedicated collection.
type MongoAuditLog struct {
	col *mongo.Collection
}

// NewMongoAuditLog wraps the given collection.
func NewMongoAuditLog(db *mongo.Database, collection string) *MongoAuditLog {
	return &MongoAuditLog{col: db.Collection(collection)}
}

func (l *MongoAuditLog) Append(ctx context.Context, entry AuditEntry) error {
	if _, err := l.col.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("append identity audit: %w", err)
	}
	return nil
}

// ─── In-memory implementation ───────────────────────────────

// MemoryAuditLog collects entries in memory. Used by tests.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// NewMemoryAuditLog returns an empty log.
func NewMemoryAuditLog() *MemoryAuditLog { return &MemoryAuditLog{} }

func (l *MemoryAuditLog) Append(_ context.Context, entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEntry(nil), l.entries...)
}

// ByAction filters entries by action.
func (l *MemoryAuditLog) ByAction(action string) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEntry
	for _, e := range l.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
