// Package mongostore binds core.DocumentStore to MongoDB, grounded on the
// original Python implementation's use of motor's update_one(..., upsert=True)
// against the distributed_locks and leader_election collections
// (original_source/shared/distributed_lock.py).
package mongostore

import (
	"context"
	"fmt"
	"time"

	"tradeengine/internal/core"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Store wraps a *mongo.Database as a core.DocumentStore.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger core.ILogger
}

// Connect dials MongoDB, pings it, and returns a bound Store.
func Connect(ctx context.Context, uri, database string, logger core.ILogger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	return &Store{
		client: client,
		db:     client.Database(database),
		logger: logger.WithField("component", "mongostore"),
	}, nil
}

func toBsonM(m map[string]interface{}) bson.M {
	out := bson.M{}
	for k, v := range m {
		if k == "$or" {
			if clauses, ok := v.([]map[string]interface{}); ok {
				bsonClauses := make([]bson.M, len(clauses))
				for i, c := range clauses {
					bsonClauses[i] = toBsonM(c)
				}
				out["$or"] = bsonClauses
				continue
			}
		}
		if op, ok := v.(map[string]interface{}); ok {
			out[k] = toBsonM(op)
			continue
		}
		out[k] = v
	}
	return out
}

// Upsert implements core.DocumentStore: filter AND eligibility selects the
// document to update; if none matches but eligibility is vacuously true
// (i.e. no document exists with that filter at all), a new one is inserted.
func (s *Store) Upsert(ctx context.Context, collection string, filter, eligibility, set map[string]interface{}) (*core.UpdateResult, error) {
	match := bson.M{}
	for k, v := range toBsonM(filter) {
		match[k] = v
	}
	if len(eligibility) > 0 {
		match["$and"] = []bson.M{toBsonM(eligibility)}
	}

	update := bson.M{"$set": toBsonM(set)}
	opts := options.Update().SetUpsert(true)

	res, err := s.db.Collection(collection).UpdateOne(ctx, match, update, opts)
	if err != nil {
		// A duplicate-key error here means another pod's upsert raced ours
		// and won; report it as "not acquired" rather than an infra error.
		if mongo.IsDuplicateKeyError(err) {
			return &core.UpdateResult{MatchedCount: 1}, nil
		}
		return nil, fmt.Errorf("upsert %s: %w", collection, err)
	}

	return &core.UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedID:    res.UpsertedID,
	}, nil
}

// FindOne implements core.DocumentStore.
func (s *Store) FindOne(ctx context.Context, collection string, filter map[string]interface{}, out interface{}) error {
	err := s.db.Collection(collection).FindOne(ctx, toBsonM(filter)).Decode(out)
	if err == mongo.ErrNoDocuments {
		return core.ErrNotFound
	}
	return err
}

// Find implements core.DocumentStore. out must be a pointer to a slice.
func (s *Store) Find(ctx context.Context, collection string, filter map[string]interface{}, out interface{}) error {
	cur, err := s.db.Collection(collection).Find(ctx, toBsonM(filter))
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	defer cur.Close(ctx)
	return cur.All(ctx, out)
}

// DeleteOne implements core.DocumentStore.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	res, err := s.db.Collection(collection).DeleteOne(ctx, toBsonM(filter))
	if err != nil {
		return 0, fmt.Errorf("delete one %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// DeleteMany implements core.DocumentStore.
func (s *Store) DeleteMany(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, toBsonM(filter))
	if err != nil {
		return 0, fmt.Errorf("delete many %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// Count implements core.DocumentStore.
func (s *Store) Count(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, toBsonM(filter))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Close disconnects the underlying Mongo client.
func (s *Store) Close(ctx context.Context) error {
	s.logger.Info("closing mongodb connection")
	return s.client.Disconnect(ctx)
}

var _ core.DocumentStore = (*Store)(nil)
