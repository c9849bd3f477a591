package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/brightpath-edu/cdp/model"
)

// MongoStore persists profiles in MongoDB. Optimistic locking rides on
// FindOneAndUpdate with a version-matched filter, which MongoDB executes
// atomically per document.
type MongoStore struct {
	col *mongo.Collection
	log zerolog.Logger
}

// NewMongoStore wraps the given collection.
func NewMongoStore(db *mongo.Database, collection string, log zerolog.Logger) *MongoStore {
	return &MongoStore{
		col: db.Collection(collection),
		log: log.With().Str("component", "profile-store").Logger(),
	}
}

// EnsureIndexes creates the secondary indexes identity resolution and
// segment queries depend on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "profile_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "identifiers.type", Value: 1}, {Key: "identifiers.value", Value: 1}},
		},
		{Keys: bson.D{{Key: "identifiers.value", Value: 1}}},
		{Keys: bson.D{{Key: "personal_info.email", Value: 1}}},
		{Keys: bson.D{{Key: "segments", Value: 1}}},
	}
	if _, err := s.col.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("ensure profile indexes: %w", err)
	}
	s.log.Info().Str("collection", s.col.Name()).Msg("profile indexes ensured")
	return nil
}

func (s *MongoStore) Get(ctx context.Context, profileID string) (*model.Profile, error) {
	var p model.Profile
	err := s.col.FindOne(ctx, bson.M{"profile_id": profileID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", profileID, err)
	}
	return &p, nil
}

func (s *MongoStore) FindByIdentifier(ctx context.Context, t model.IdentifierType, value string) (*model.Profile, error) {
	filter := bson.M{"identifiers": bson.M{"$elemMatch": bson.M{"type": string(t), "value": value}}}
	var p model.Profile
	err := s.col.FindOne(ctx, filter).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by identifier %s: %w", t, err)
	}
	return &p, nil
}

func (s *MongoStore) FindByAnyIdentifierValue(ctx context.Context, values []string) ([]*model.Profile, error) {
	if len(values) == 0 {
		return nil, nil
	}
	filter := bson.M{"identifiers": bson.M{"$elemMatch": bson.M{"value": bson.M{"$in": values}}}}
	cur, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find by identifier values: %w", err)
	}
	var out []*model.Profile
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return out, nil
}

func (s *MongoStore) FindBySegment(ctx context.Context, segment string, limit int) ([]*model.Profile, error) {
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.col.Find(ctx, bson.M{"segments": segment}, opts)
	if err != nil {
		return nil, fmt.Errorf("find by segment %s: %w", segment, err)
	}
	var out []*model.Profile
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode segment members: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Insert(ctx context.Context, p *model.Profile) error {
	if _, err := s.col.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("insert profile %s: %w", p.ProfileID, err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, profileID string, expectedVersion int64, p *model.Profile) error {
	now := time.Now().UTC()
	doc := p.Clone()
	doc.Version = expectedVersion + 1
	doc.UpdatedAt = now

	res := s.col.FindOneAndUpdate(
		ctx,
		bson.M{"profile_id": profileID, "version": expectedVersion},
		bson.M{"$set": doc},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	if errors.Is(res.Err(), mongo.ErrNoDocuments) {
		// Either the profile is gone or a concurrent writer bumped the
		// version. Distinguish so the caller can retry only conflicts.
		if _, err := s.Get(ctx, profileID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if res.Err() != nil {
		return fmt.Errorf("update profile %s: %w", profileID, res.Err())
	}
	p.Version = doc.Version
	p.UpdatedAt = doc.UpdatedAt
	s.log.Debug().Str("profile_id", profileID).Int64("version", doc.Version).Msg("profile updated")
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, profileID string) (bool, error) {
	res, err := s.col.DeleteOne(ctx, bson.M{"profile_id": profileID})
	if err != nil {
		return false, fmt.Errorf("delete profile %s: %w", profileID, err)
	}
	return res.DeletedCount > 0, nil
}

// DeleteBySubject removes every profile document tied to a subject key.
func (s *MongoStore) DeleteBySubject(ctx context.Context, studentID string) (int64, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"profile_id": studentID},
		bson.M{"identifiers.value": studentID},
	}})
	if err != nil {
		return 0, fmt.Errorf("delete by subject %s: %w", studentID, err)
	}
	return res.DeletedCount, nil
}
