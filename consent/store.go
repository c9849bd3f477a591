package consent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/brightpath-edu/cdp/model"
)

// ─── Mongo implementation ───────────────────────────────────

// MongoStore keeps the current consent projection in one collection and
// the audit trail in another.
type MongoStore struct {
	consents *mongo.Collection
	audit    *mongo.Collection
}

// NewMongoStore wraps the consent collections.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		consents: db.Collection("consents"),
		audit:    db.Collection("consent_audit_log"),
	}
}

func (s *MongoStore) Get(ctx context.Context, studentID string) (*Record, error) {
	var rec Record
	err := s.consents.FindOne(ctx, bson.M{"student_id": studentID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read consent record: %w", err)
	}
	return &rec, nil
}

func (s *MongoStore) SetChannel(ctx context.Context, studentID, channel string, entry model.ConsentEntry, now time.Time) error {
	_, err := s.consents.UpdateOne(
		ctx,
		bson.M{"student_id": studentID},
		bson.M{
			"$set": bson.M{
				"channels." + channel: entry,
				"last_modified":       now,
			},
			"$setOnInsert": bson.M{"student_id": studentID, "created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert consent channel: %w", err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, studentID string) error {
	if _, err := s.consents.DeleteOne(ctx, bson.M{"student_id": studentID}); err != nil {
		return fmt.Errorf("delete consent record: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if _, err := s.audit.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("append consent audit: %w", err)
	}
	return nil
}

func (s *MongoStore) AuditTrail(ctx context.Context, studentID string) ([]AuditEntry, error) {
	cur, err := s.audit.Find(
		ctx,
		bson.M{"student_id": studentID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("read consent audit: %w", err)
	}
	var out []AuditEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode consent audit: %w", err)
	}
	return out, nil
}

// ─── In-memory implementation ───────────────────────────────

// MemoryStore backs tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	trail   []AuditEntry

	// FailAudit forces AppendAudit to error. Test hook for the
	// audit-before-durability invariant.
	FailAudit bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, studentID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[studentID]
	if !ok {
		return nil, nil
	}
	out := Record{
		StudentID:    rec.StudentID,
		Channels:     make(map[string]model.ConsentEntry, len(rec.Channels)),
		CreatedAt:    rec.CreatedAt,
		LastModified: rec.LastModified,
	}
	for k, v := range rec.Channels {
		out.Channels[k] = v
	}
	return &out, nil
}

func (s *MemoryStore) SetChannel(_ context.Context, studentID, channel string, entry model.ConsentEntry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[studentID]
	if !ok {
		rec = &Record{
			StudentID: studentID,
			Channels:  make(map[string]model.ConsentEntry),
			CreatedAt: now,
		}
		s.records[studentID] = rec
	}
	rec.Channels[channel] = entry
	rec.LastModified = now
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, studentID)
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAudit {
		return errors.New("audit store unavailable")
	}
	s.trail = append(s.trail, entry)
	return nil
}

func (s *MemoryStore) AuditTrail(_ context.Context, studentID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, e := range s.trail {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// HasRecord reports whether a record exists for the student. Test hook.
func (s *MemoryStore) HasRecord(studentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[studentID]
	return ok
}
