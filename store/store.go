// Package store provides profile persistence with optimistic locking.
// The Mongo implementation backs production; the memory implementation
// backs tests and local runs with identical compare-and-set semantics.
package store

import (
	"context"
	"errors"

	"github.com/brightpath-edu/cdp/model"
)

// ErrNotFound is returned when no profile matches the lookup.
var ErrNotFound = errors.New("profile not found")

// ErrVersionConflict is returned when a compare-and-set write loses to a
// concurrent writer. Callers retry with a fresh read.
var ErrVersionConflict = errors.New("profile version conflict")

// ProfileStore is the storage contract for golden records. Update MUST
// be an atomic compare-and-set on the version field: the write persists
// only if the stored version equals expectedVersion, and on success the
// stored version becomes expectedVersion+1.
type ProfileStore interface {
	// Get fetches a profile by its canonical ID.
	Get(ctx context.Context, profileID string) (*model.Profile, error)

	// FindByIdentifier returns the profile holding the exact (type, value)
	// pair, or ErrNotFound.
	FindByIdentifier(ctx context.Context, t model.IdentifierType, value string) (*model.Profile, error)

	// FindByAnyIdentifierValue returns every profile sharing at least one
	// of the given identifier values, regardless of identifier type.
	FindByAnyIdentifierValue(ctx context.Context, values []string) ([]*model.Profile, error)

	// FindBySegment returns up to limit profiles belonging to a segment.
	FindBySegment(ctx context.Context, segment string, limit int) ([]*model.Profile, error)

	// Insert stores a brand-new profile.
	Insert(ctx context.Context, p *model.Profile) error

	// Update persists p predicated on the stored version matching
	// expectedVersion. On success the stored document has version
	// expectedVersion+1 and a fresh updated_at. Returns
	// ErrVersionConflict when the predicate fails.
	Update(ctx context.Context, profileID string, expectedVersion int64, p *model.Profile) error

	// Delete hard-deletes a profile. Returns true when a document was removed.
	Delete(ctx context.Context, profileID string) (bool, error)
}
