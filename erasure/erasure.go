// Package erasure orchestrates subject-erasure requests: a cascade
// hard-delete across every store behind the pipeline, with per-step
// retries, verification, and a full audit trail. The compliance SLA for
// a complete cascade is 72 hours; a partial failure is surfaced for
// operator-driven remediation, never silently retried end to end.
package erasure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/brightpath-edu/cdp/observability"
)

// maxAttempts bounds per-store retries within one cascade.
const maxAttempts = 3

// SLA is the deletion deadline communicated to subjects.
const SLA = 72 * time.Hour

// StoreDeleter erases one store's data for a subject.
type StoreDeleter interface {
	// Name identifies the store in reports ("mongodb", "kafka", ...).
	Name() string
	// Delete removes the subject's records, returning how many were
	// affected.
	Delete(ctx context.Context, studentID string) (int64, error)
	// CountResiduals re-queries the store for leftover records.
	CountResiduals(ctx context.Context, studentID string) (int64, error)
	// Timeout is the per-attempt deadline; zero uses the orchestrator
	// default.
	Timeout() time.Duration
}

// StoreResult is the outcome of one cascade step.
type StoreResult struct {
	Store           string `json:"store" bson:"store"`
	Deleted         bool   `json:"deleted" bson:"deleted"`
	Error           string `json:"error,omitempty" bson:"error,omitempty"`
	RecordsAffected int64  `json:"records_affected" bson:"records_affected"`
}

// DeletionReport is the persisted record of one cascade run.
type DeletionReport struct {
	StudentID       string        `json:"student_id" bson:"student_id"`
	StartedAt       time.Time     `json:"started_at" bson:"started_at"`
	CompletedAt     time.Time     `json:"completed_at" bson:"completed_at"`
	DurationSeconds float64       `json:"duration_seconds" bson:"duration_seconds"`
	StoreResults    []StoreResult `json:"store_results" bson:"store_results"`
	FullyDeleted    bool          `json:"fully_deleted" bson:"fully_deleted"`
}

// FailedStores lists the stores that did not complete.
func (r *DeletionReport) FailedStores() []string {
	var out []string
	for _, sr := range r.StoreResults {
		if !sr.Deleted {
			out = append(out, sr.Store)
		}
	}
	return out
}

// VerificationResult is the outcome of a post-deletion residual scan.
type VerificationResult struct {
	StudentID   string          `json:"student_id" bson:"student_id"`
	VerifiedAt  time.Time       `json:"verified_at" bson:"verified_at"`
	AllClear    bool            `json:"all_clear" bson:"all_clear"`
	StoreChecks map[string]bool `json:"store_checks" bson:"store_checks"`
}

// AuditSink persists deletion reports and verification results.
type AuditSink interface {
	SaveReport(ctx context.Context, report *DeletionReport) error
	SaveVerification(ctx context.Context, result *VerificationResult) error
}

// Orchestrator runs the cascade in store order.
type Orchestrator struct {
	deleters       []StoreDeleter
	audit          AuditSink
	defaultTimeout time.Duration
	log            zerolog.Logger

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// NewOrchestrator builds the orchestrator. Deleter order is the cascade
// order.
func NewOrchestrator(deleters []StoreDeleter, audit AuditSink, defaultTimeout time.Duration, log zerolog.Logger) *Orchestrator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Orchestrator{
		deleters:       deleters,
		audit:          audit,
		defaultTimeout: defaultTimeout,
		log:            log.With().Str("component", "erasure").Logger(),
		sleep:          time.Sleep,
	}
}

// DeleteStudent runs the full cascade and persists the report. A store
// failure does not stop the cascade; it is reported with
// fully_deleted=false for operator remediation.
func (o *Orchestrator) DeleteStudent(ctx context.Context, studentID string) (*DeletionReport, error) {
	start := time.Now()
	report := &DeletionReport{
		StudentID: studentID,
		StartedAt: start.UTC(),
	}
	o.log.Info().Str("student_id", studentID).Msg("erasure cascade started")

	for _, deleter := range o.deleters {
		result := o.deleteWithRetry(ctx, deleter, studentID)
		outcome := "deleted"
		if !result.Deleted {
			outcome = "failed"
		}
		observability.ErasureSteps.WithLabelValues(result.Store, outcome).Inc()
		report.StoreResults = append(report.StoreResults, result)
	}

	report.CompletedAt = time.Now().UTC()
	report.DurationSeconds = time.Since(start).Seconds()
	report.FullyDeleted = len(report.FailedStores()) == 0

	if err := o.audit.SaveReport(ctx, report); err != nil {
		return report, fmt.Errorf("persist deletion report: %w", err)
	}

	if report.FullyDeleted {
		o.log.Info().
			Str("student_id", studentID).
			Float64("duration_s", report.DurationSeconds).
			Msg("erasure cascade completed")
	} else {
		o.log.Error().
			Str("student_id", studentID).
			Strs("failed_stores", report.FailedStores()).
			Msg("erasure cascade partial failure")
	}
	return report, nil
}

// deleteWithRetry attempts one store up to maxAttempts times with
// 2^attempt-second backoff and a per-attempt deadline.
func (o *Orchestrator) deleteWithRetry(ctx context.Context, deleter StoreDeleter, studentID string) StoreResult {
	timeout := deleter.Timeout()
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		affected, err := deleter.Delete(stepCtx, studentID)
		cancel()
		if err == nil {
			return StoreResult{Store: deleter.Name(), Deleted: true, RecordsAffected: affected}
		}
		lastErr = err
		o.log.Warn().
			Err(err).
			Str("store", deleter.Name()).
			Str("student_id", studentID).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("erasure step failed")
		if attempt < maxAttempts {
			o.sleep(time.Duration(1<<attempt) * time.Second)
		}
	}
	return StoreResult{
		Store: deleter.Name(),
		Error: fmt.Sprintf("max retries exceeded: %v", lastErr),
	}
}

// VerifyDeletion re-queries every store for residuals. The result is
// audited whether or not it is clear.
func (o *Orchestrator) VerifyDeletion(ctx context.Context, studentID string) (*VerificationResult, error) {
	result := &VerificationResult{
		StudentID:   studentID,
		VerifiedAt:  time.Now().UTC(),
		AllClear:    true,
		StoreChecks: make(map[string]bool, len(o.deleters)),
	}

	for _, deleter := range o.deleters {
		timeout := deleter.Timeout()
		if timeout <= 0 {
			timeout = o.defaultTimeout
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		count, err := deleter.CountResiduals(stepCtx, studentID)
		cancel()
		clear := err == nil && count == 0
		result.StoreChecks[deleter.Name()] = clear
		if !clear {
			result.AllClear = false
			if err != nil {
				o.log.Warn().Err(err).Str("store", deleter.Name()).Msg("residual check failed")
			}
		}
	}

	if err := o.audit.SaveVerification(ctx, result); err != nil {
		return result, fmt.Errorf("persist verification result: %w", err)
	}
	o.log.Info().
		Str("student_id", studentID).
		Bool("all_clear", result.AllClear).
		Msg("deletion verification completed")
	return result, nil
}

// ─── Audit sinks ────────────────────────────────────────────

// MongoAuditSink stores reports in a deletion_audit collection.
type MongoAuditSink struct {
	col *mongo.Collection
}

// NewMongoAuditSink wraps the audit collection.
func NewMongoAuditSink(db *mongo.Database) *MongoAuditSink {
	return &MongoAuditSink{col: db.Collection("deletion_audit")}
}

func (s *MongoAuditSink) SaveReport(ctx context.Context, report *DeletionReport) error {
	doc := map[string]any{
		"action":        "delete",
		"student_id":    report.StudentID,
		"fully_deleted": report.FullyDeleted,
		"duration_s":    report.DurationSeconds,
		"store_results": report.StoreResults,
		"timestamp":     report.CompletedAt,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert deletion audit: %w", err)
	}
	return nil
}

func (s *MongoAuditSink) SaveVerification(ctx context.Context, result *VerificationResult) error {
	doc := map[string]any{
		"action":       "verify_deletion",
		"student_id":   result.StudentID,
		"all_clear":    result.AllClear,
		"store_checks": result.StoreChecks,
		"timestamp":    result.VerifiedAt,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert verification audit: %w", err)
	}
	return nil
}

// MemoryAuditSink collects reports in memory. Used by tests.
type MemoryAuditSink struct {
	mu            sync.Mutex
	Reports       []*DeletionReport
	Verifications []*VerificationResult
}

// NewMemoryAuditSink returns an empty sink.
func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) SaveReport(_ context.Context, report *DeletionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reports = append(s.Reports, report)
	return nil
}

func (s *MemoryAuditSink) SaveVerification(_ context.Context, result *VerificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Verifications = append(s.Verifications, result)
	return nil
}
