package sw

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoLifecycleDoc is the BSON document schema for lifecycle state.
type mongoLifecycleDoc struct {
	ID        string         `json:"_id" bson:"_id"`
	Version   string         `json:"version" bson:"version"`
	State     LifecycleState `json:"state" bson:"state"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}

// MongoLifecycleStateStore implements LifecycleStateStore backed by a
// MongoDB collection. The caller owns the mongo.Client lifecycle.
type MongoLifecycleStateStore struct {
	Collection *mongo.Collection
}

func NewMongoLifecycleStateStore(collection *mongo.Collection) *MongoLifecycleStateStore {
	return &MongoLifecycleStateStore{Collection: collection}
}

func (s *MongoLifecycleStateStore) Get(ctx context.Context, scope string) (*LifecycleStateDocument, error) {
	var doc mongoLifecycleDoc
	err := s.Collection.FindOne(ctx, bson.M{"_id": scope}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStateNotFound
		}
		return nil, err
	}
	return &LifecycleStateDocument{State: doc.State, Version: doc.Version}, nil
}

func (s *MongoLifecycleStateStore) HeadVersion(ctx context.Context, scope string) (string, error) {
	var doc struct {
		Version string `bson:"version" json:"version"`
	}
	err := s.Collection.FindOne(ctx, bson.M{"_id": scope},
		options.FindOne().SetProjection(bson.M{"version": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return doc.Version, nil
}

func (s *MongoLifecycleStateStore) UpsertIfMatch(ctx context.Context, scope string, state LifecycleState, expectedVersion string) (string, error) {
	newVersion := uuid.NewString()
	doc := mongoLifecycleDoc{
		ID:        scope,
		Version:   newVersion,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}

	if expectedVersion == "" {
		_, err := s.Collection.InsertOne(ctx, doc)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return "", ErrBlobVersionMismatch
			}
			return "", err
		}
		return newVersion, nil
	}

	res, err := s.Collection.ReplaceOne(ctx,
		bson.M{"_id": scope, "version": expectedVersion},
		doc,
	)
	if err != nil {
		return "", err
	}
	if res.MatchedCount == 0 {
		return "", ErrBlobVersionMismatch
	}
	return newVersion, nil
}

func (s *MongoLifecycleStateStore) Delete(ctx context.Context, scope string) error {
	_, err := s.Collection.DeleteOne(ctx, bson.M{"_id": scope})
	return err
}
