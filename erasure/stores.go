package erasure

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/brightpath-edu/cdp/bus"
)

// ─── Primary profile store (MongoDB) ────────────────────────

// mongoCollections are the subject-bearing collections in the primary
// store.
var mongoCollections = []string{"profiles", "events", "consents", "consent_audit_log", "segments"}

// MongoDeleter erases the subject from every primary-store collection.
type MongoDeleter struct {
	db *mongo.Database
}

// NewMongoDeleter wraps the primary database.
func NewMongoDeleter(db *mongo.Database) *MongoDeleter { return &MongoDeleter{db: db} }

func (d *MongoDeleter) Name() string { return "mongodb" }

func (d *MongoDeleter) Timeout() time.Duration { return 0 }

func (d *MongoDeleter) filter(studentID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"student_id": studentID},
		bson.M{"profile_id": studentID},
		bson.M{"identifiers.value": studentID},
	}}
}

func (d *MongoDeleter) Delete(ctx context.Context, studentID string) (int64, error) {
	var total int64
	for _, coll := range mongoCollections {
		res, err := d.db.Collection(coll).DeleteMany(ctx, d.filter(studentID))
		if err != nil {
			return total, fmt.Errorf("delete from %s: %w", coll, err)
		}
		total += res.DeletedCount
	}
	return total, nil
}

func (d *MongoDeleter) CountResiduals(ctx context.Context, studentID string) (int64, error) {
	var total int64
	for _, coll := range mongoCollections {
		n, err := d.db.Collection(coll).CountDocuments(ctx, d.filter(studentID))
		if err != nil {
			return total, fmt.Errorf("count in %s: %w", coll, err)
		}
		total += n
	}
	return total, nil
}

// ─── Warehouse (SQL interface) ──────────────────────────────

// defaultWarehouseTables are the subject-bearing warehouse tables.
var defaultWarehouseTables = []string{
	"cdp_bronze.raw_events",
	"cdp_silver.student_profiles",
	"cdp_silver.identity_graph",
	"cdp_gold.unified_profiles",
	"cdp_gold.segment_memberships",
	"cdp_reverse_etl.salesforce_sync",
}

// WarehouseDeleter erases the subject's rows from each warehouse table
// through the warehouse's SQL interface.
type WarehouseDeleter struct {
	db     *sql.DB
	name   string
	tables []string
}

// NewWarehouseDeleter wraps a SQL connection. name is the logical store
// name in reports; nil tables uses the defaults.
func NewWarehouseDeleter(db *sql.DB, name string, tables []string) *WarehouseDeleter {
	if name == "" {
		name = "bigquery"
	}
	if tables == nil {
		tables = defaultWarehouseTables
	}
	return &WarehouseDeleter{db: db, name: name, tables: tables}
}

func (d *WarehouseDeleter) Name() string { return d.name }

func (d *WarehouseDeleter) Timeout() time.Duration { return 0 }

func (d *WarehouseDeleter) Delete(ctx context.Context, studentID string) (int64, error) {
	var total int64
	for _, table := range d.tables {
		res, err := d.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE student_id = $1", table), studentID)
		if err != nil {
			return total, fmt.Errorf("delete from %s: %w", table, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			total += affected
		}
	}
	return total, nil
}

func (d *WarehouseDeleter) CountResiduals(ctx context.Context, studentID string) (int64, error) {
	var total int64
	for _, table := range d.tables {
		var n int64
		row := d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE student_id = $1", table), studentID)
		if err := row.Scan(&n); err != nil {
			return total, fmt.Errorf("count in %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// ─── Vector index ───────────────────────────────────────────

// VectorIndexDeleter removes the subject's embeddings via the vector
// store's HTTP API, filtering on the student_id metadata field.
type VectorIndexDeleter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewVectorIndexDeleter builds the HTTP deleter.
func NewVectorIndexDeleter(baseURL, apiKey string) *VectorIndexDeleter {
	return &VectorIndexDeleter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *VectorIndexDeleter) Name() string { return "pinecone" }

func (d *VectorIndexDeleter) Timeout() time.Duration { return 0 }

func (d *VectorIndexDeleter) Delete(ctx context.Context, studentID string) (int64, error) {
	body := map[string]any{"filter": map[string]any{"student_id": map[string]any{"$eq": studentID}}}
	if err := d.post(ctx, "/vectors/delete", body, nil); err != nil {
		return 0, err
	}
	return 0, nil
}

func (d *VectorIndexDeleter) CountResiduals(ctx context.Context, studentID string) (int64, error) {
	body := map[string]any{
		"topK":   1,
		"filter": map[string]any{"student_id": map[string]any{"$eq": studentID}},
	}
	var out struct {
		Matches []json.RawMessage `json:"matches"`
	}
	if err := d.post(ctx, "/query", body, &out); err != nil {
		return 0, err
	}
	return int64(len(out.Matches)), nil
}

func (d *VectorIndexDeleter) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode vector request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build vector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector index call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector index %s returned %d: %s", path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode vector response: %w", err)
		}
	}
	return nil
}

// ─── Feature store ──────────────────────────────────────────

// FeatureStoreDeleter removes the subject's feature entity via the
// feature platform's HTTP API.
type FeatureStoreDeleter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewFeatureStoreDeleter builds the HTTP deleter.
func NewFeatureStoreDeleter(baseURL, apiKey string) *FeatureStoreDeleter {
	return &FeatureStoreDeleter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *FeatureStoreDeleter) Name() string { return "vertex_ai" }

func (d *FeatureStoreDeleter) Timeout() time.Duration { return 0 }

func (d *FeatureStoreDeleter) entityURL(studentID string) string {
	return d.baseURL + "/entityTypes/student/entities/" + studentID
}

func (d *FeatureStoreDeleter) Delete(ctx context.Context, studentID string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.entityURL(studentID), nil)
	if err != nil {
		return 0, fmt.Errorf("build feature request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feature store call: %w", err)
	}
	defer resp.Body.Close()
	// 404 means the entity never existed; the erasure goal is met.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("feature store returned %d: %s", resp.StatusCode, msg)
	}
	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	return 1, nil
}

func (d *FeatureStoreDeleter) CountResiduals(ctx context.Context, studentID string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.entityURL(studentID), nil)
	if err != nil {
		return 0, fmt.Errorf("build feature request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feature store call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("feature store returned %d: %s", resp.StatusCode, msg)
	}
	return 1, nil
}

// ─── Message bus tombstones ─────────────────────────────────

// BusTombstoneDeleter publishes null-valued tombstones keyed by the
// subject on every integration topic, so compacted topics drop the
// subject's records.
type BusTombstoneDeleter struct {
	publisher    bus.Publisher
	topics       []string
	flushTimeout time.Duration
}

// NewBusTombstoneDeleter builds the tombstone publisher. nil topics
// uses the integration topic set.
func NewBusTombstoneDeleter(publisher bus.Publisher, topics []string, flushTimeout time.Duration) *BusTombstoneDeleter {
	if topics == nil {
		topics = bus.IntegrationTopics
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}
	return &BusTombstoneDeleter{publisher: publisher, topics: topics, flushTimeout: flushTimeout}
}

func (d *BusTombstoneDeleter) Name() string { return "kafka" }

func (d *BusTombstoneDeleter) Timeout() time.Duration { return d.flushTimeout }

func (d *BusTombstoneDeleter) Delete(ctx context.Context, studentID string) (int64, error) {
	for _, topic := range d.topics {
		if err := d.publisher.Publish(ctx, topic, studentID, nil); err != nil {
			return 0, fmt.Errorf("tombstone on %s: %w", topic, err)
		}
	}
	flushCtx, cancel := context.WithTimeout(ctx, d.flushTimeout)
	defer cancel()
	if err := d.publisher.Flush(flushCtx); err != nil {
		return 0, fmt.Errorf("flush tombstones: %w", err)
	}
	return int64(len(d.topics)), nil
}

// CountResiduals always reports clear: tombstones are retention
// markers, compaction removes the records asynchronously.
func (d *BusTombstoneDeleter) CountResiduals(context.Context, string) (int64, error) {
	return 0, nil
}

// ─── External CRM ───────────────────────────────────────────

// CRMDeleter requests contact deletion in the external CRM through the
// subject's mapping row, then removes the mapping itself.
type CRMDeleter struct {
	mappings *mongo.Collection
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewCRMDeleter wraps the mapping collection and the CRM HTTP API. An
// empty baseURL skips the remote call and only clears mappings (dev).
func NewCRMDeleter(db *mongo.Database, baseURL, apiToken string) *CRMDeleter {
	return &CRMDeleter{
		mappings: db.Collection("salesforce_mappings"),
		baseURL:  baseURL,
		apiToken: apiToken,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *CRMDeleter) Name() string { return "salesforce" }

func (d *CRMDeleter) Timeout() time.Duration { return 0 }

func (d *CRMDeleter) Delete(ctx context.Context, studentID string) (int64, error) {
	var mapping struct {
		SalesforceID string `bson:"salesforce_id"`
	}
	err := d.mappings.FindOne(ctx, bson.M{"student_id": studentID}).Decode(&mapping)
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, fmt.Errorf("read CRM mapping: %w", err)
	}

	if mapping.SalesforceID != "" && d.baseURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+"/contacts/"+mapping.SalesforceID, nil)
		if err != nil {
			return 0, fmt.Errorf("build CRM request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+d.apiToken)
		resp, err := d.client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("CRM deletion call: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
			return 0, fmt.Errorf("CRM returned %d for contact %s", resp.StatusCode, mapping.SalesforceID)
		}
	}

	res, err := d.mappings.DeleteMany(ctx, bson.M{"student_id": studentID})
	if err != nil {
		return 0, fmt.Errorf("delete CRM mappings: %w", err)
	}
	return res.DeletedCount, nil
}

func (d *CRMDeleter) CountResiduals(ctx context.Context, studentID string) (int64, error) {
	n, err := d.mappings.CountDocuments(ctx, bson.M{"student_id": studentID})
	if err != nil {
		return 0, fmt.Errorf("count CRM mappings: %w", err)
	}
	return n, nil
}
