package processor

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/dedup"
	"github.com/brightpath-edu/cdp/identity"
	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/profile"
	"github.com/brightpath-edu/cdp/store"
)

type fixture struct {
	bus      *bus.MemoryBus
	consumer *bus.MemoryConsumer
	profiles *store.MemoryStore
	audit    *identity.MemoryAuditLog
	proc     *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.New(io.Discard)
	memBus := bus.NewMemoryBus()
	profiles := store.NewMemoryStore()
	audit := identity.NewMemoryAuditLog()
	resolver := identity.NewResolver(profiles, audit, nil, log)
	builder := profile.NewBuilder(profiles, nil, log)
	consumer := memBus.NewConsumer(bus.TopicInteractions, "cdp-stream-processor")

	proc := New(consumer, memBus, resolver, builder, profiles, dedup.NewMemory(), Options{
		MaxConcurrency: 4,
		BatchSize:      50,
		PollWait:       10 * time.Millisecond,
	}, log)
	return &fixture{bus: memBus, consumer: consumer, profiles: profiles, audit: audit, proc: proc}
}

func (f *fixture) publishEvent(t *testing.T, event *model.CanonicalEvent, key string) {
	t.Helper()
	if err := f.bus.Publish(context.Background(), bus.TopicInteractions, key, event); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (f *fixture) runOnce(t *testing.T) []bus.Message {
	t.Helper()
	ctx := context.Background()
	batch, err := f.consumer.FetchBatch(ctx, 50, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.proc.RunBatch(ctx, batch)
	if err := f.consumer.Commit(ctx, batch...); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return batch
}

func TestProcessEventEndToEnd(t *testing.T) {
	f := newFixture(t)
	event := &model.CanonicalEvent{
		EventID:     "evt-1",
		EventType:   "page_view",
		Source:      model.SourceWebsite,
		Timestamp:   time.Now().UTC(),
		Identifiers: []model.Identifier{{Type: model.IdentifierSessionID, Value: "sess-1"}},
	}
	f.publishEvent(t, event, "sess-1")
	f.runOnce(t)

	staged := f.bus.Published(bus.TopicStaging)
	if len(staged) != 1 {
		t.Fatalf("expected one staging record, got %d", len(staged))
	}
	var record StagingRecord
	if err := json.Unmarshal(staged[0].Value, &record); err != nil {
		t.Fatalf("decode staging: %v", err)
	}
	if record.ProfileID == "" || record.Event.EventID != "evt-1" {
		t.Fatalf("incomplete staging record %+v", record)
	}
	if record.ProfileSnapshot.InteractionSummary.TotalEvents != 1 {
		t.Fatalf("expected snapshot after update, got %+v", record.ProfileSnapshot.InteractionSummary)
	}
	if staged[0].Key != record.ProfileID {
		t.Fatalf("staging record must be keyed by profile_id")
	}

	// The profile exists and the offset is committed.
	if f.profiles.Count() != 1 {
		t.Fatalf("expected one profile, got %d", f.profiles.Count())
	}
	if got := f.bus.CommittedOffset(bus.TopicInteractions, "cdp-stream-processor"); got != 1 {
		t.Fatalf("expected committed offset 1, got %d", got)
	}
}

func TestUnknownSourceGoesToDLQ(t *testing.T) {
	f := newFixture(t)
	f.publishEvent(t, &model.CanonicalEvent{
		EventID:   "evt-2",
		EventType: "x",
		Source:    "carrier_pigeon",
		Timestamp: time.Now().UTC(),
	}, "k")
	f.runOnce(t)

	dlq := f.bus.Published(bus.TopicDLQ)
	if len(dlq) != 1 {
		t.Fatalf("expected one DLQ message, got %d", len(dlq))
	}
	var msg bus.DLQMessage
	if err := json.Unmarshal(dlq[0].Value, &msg); err != nil {
		t.Fatalf("decode DLQ: %v", err)
	}
	if msg.ErrorReason != "unknown_source" {
		t.Fatalf("expected unknown_source, got %s", msg.ErrorReason)
	}
	if len(f.bus.Published(bus.TopicStaging)) != 0 {
		t.Fatal("invalid events must not reach staging")
	}
	// The batch still commits.
	if got := f.bus.CommittedOffset(bus.TopicInteractions, "cdp-stream-processor"); got != 1 {
		t.Fatalf("expected committed offset 1, got %d", got)
	}
}

func TestMalformedPayloadGoesToDLQAsDeserialization(t *testing.T) {
	f := newFixture(t)
	if err := f.bus.Publish(context.Background(), bus.TopicInteractions, "k", []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.runOnce(t)

	dlq := f.bus.Published(bus.TopicDLQ)
	if len(dlq) != 1 {
		t.Fatalf("expected one DLQ message, got %d", len(dlq))
	}
	var msg bus.DLQMessage
	if err := json.Unmarshal(dlq[0].Value, &msg); err != nil {
		t.Fatalf("decode DLQ: %v", err)
	}
	if msg.ErrorReason != "deserialization" {
		t.Fatalf("expected deserialization, got %s", msg.ErrorReason)
	}
}

func TestDuplicateEventSuppressed(t *testing.T) {
	f := newFixture(t)
	event := &model.CanonicalEvent{
		EventID:     "evt-dup",
		EventType:   "page_view",
		Source:      model.SourceWebsite,
		Timestamp:   time.Now().UTC(),
		Identifiers: []model.Identifier{{Type: model.IdentifierSessionID, Value: "sess-9"}},
	}
	f.publishEvent(t, event, "sess-9")
	f.publishEvent(t, event, "sess-9")
	f.runOnce(t)

	if staged := f.bus.Published(bus.TopicStaging); len(staged) != 1 {
		t.Fatalf("expected redelivery suppressed, got %d staging records", len(staged))
	}
}

func TestSameSubjectEventsConvergeOnOneProfile(t *testing.T) {
	f := newFixture(t)
	ts := time.Now().UTC()
	for i, id := range []string{"evt-a", "evt-b", "evt-c"} {
		f.publishEvent(t, &model.CanonicalEvent{
			EventID:     id,
			EventType:   "page_view",
			Source:      model.SourceWebsite,
			Timestamp:   ts.Add(time.Duration(i) * time.Second),
			Identifiers: []model.Identifier{{Type: model.IdentifierEmail, Value: "same@x.edu"}},
		}, "same@x.edu")
	}
	f.runOnce(t)

	if f.profiles.Count() != 1 {
		t.Fatalf("expected identifier-uniqueness to hold, got %d profiles", f.profiles.Count())
	}
	staged := f.bus.Published(bus.TopicStaging)
	if len(staged) != 3 {
		t.Fatalf("expected 3 staging records, got %d", len(staged))
	}
	var last StagingRecord
	if err := json.Unmarshal(staged[2].Value, &last); err != nil {
		t.Fatalf("decode staging: %v", err)
	}
	if last.ProfileSnapshot.InteractionSummary.TotalEvents != 3 {
		t.Fatalf("expected 3 events on the profile, got %d", last.ProfileSnapshot.InteractionSummary.TotalEvents)
	}
	if last.ProfileSnapshot.Version != 3 {
		t.Fatalf("version must equal the number of writes, got %d", last.ProfileSnapshot.Version)
	}
}

func TestSegmentChangePublishedOnFirstMembership(t *testing.T) {
	f := newFixture(t)
	f.publishEvent(t, &model.CanonicalEvent{
		EventID:     "evt-seg",
		EventType:   "page_view",
		Source:      model.SourceWebsite,
		Timestamp:   time.Now().UTC(),
		Identifiers: []model.Identifier{{Type: model.IdentifierEmail, Value: "seg@x.edu"}},
	}, "seg@x.edu")
	f.runOnce(t)

	changes := f.bus.Published(bus.TopicSegmentChanges)
	if len(changes) != 1 {
		t.Fatalf("expected one segment change event, got %d", len(changes))
	}
	var change map[string]any
	if err := json.Unmarshal(changes[0].Value, &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	added, _ := change["segments_added"].([]any)
	if len(added) == 0 {
		t.Fatalf("expected segments_added populated, got %v", change)
	}
}

func TestAnalyticsOptOutSkipsStaging(t *testing.T) {
	f := newFixture(t)
	f.publishEvent(t, &model.CanonicalEvent{
		EventID:     "evt-optout",
		EventType:   "page_view",
		Source:      model.SourceWebsite,
		Timestamp:   time.Now().UTC(),
		Identifiers: []model.Identifier{{Type: model.IdentifierEmail, Value: "opt@x.edu"}},
		Consent:     map[string]bool{"analytics": false},
	}, "opt@x.edu")
	f.runOnce(t)

	if staged := f.bus.Published(bus.TopicStaging); len(staged) != 0 {
		t.Fatalf("expected consent gate to hold, got %d staging records", len(staged))
	}
	if dlq := f.bus.Published(bus.TopicDLQ); len(dlq) != 0 {
		t.Fatalf("consent gating is not an error, got %d DLQ records", len(dlq))
	}
}

func TestReasonTruncatedTo120Chars(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "abcdefgh"
	}
	if got := truncateReason(errTest(long)); len(got) != 120 {
		t.Fatalf("expected 120-char reason, got %d", len(got))
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
