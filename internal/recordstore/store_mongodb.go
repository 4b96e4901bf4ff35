package recordstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoRecordDocument struct {
	Key       string `bson:"_id"`
	Encoding  string `bson:"encoding"`
	Size      int    `bson:"size"`
	UpdatedAt int64  `bson:"updated_at"`
	Data      []byte `bson:"data"`
}

// MongoDBStore stores records in MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
	opts       Options
}

// NewMongoDBStore creates collection indexes if needed.
func NewMongoDBStore(database *mongo.Database, opts Options) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	coll := database.Collection("cache_records")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create cache_records indexes: %w", err)
	}

	return &MongoDBStore{collection: coll, opts: opts}, nil
}

func prefixFilter(prefix string) bson.M {
	if prefix == "" {
		return bson.M{}
	}
	return bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
}

// Put upserts a record.
func (s *MongoDBStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, encoding, err := encodePayload(rec.Value, s.opts.threshold())
	if err != nil {
		return err
	}

	doc := mongoRecordDocument{
		Key:       rec.Key,
		Encoding:  encoding,
		Size:      len(rec.Value),
		UpdatedAt: updatedAt(rec).UnixMilli(),
		Data:      data,
	}
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": rec.Key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get returns a record by key.
func (s *MongoDBStore) Get(ctx context.Context, key string) (*Record, error) {
	var doc mongoRecordDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return doc.record()
}

func (d *mongoRecordDocument) record() (*Record, error) {
	value, err := decodePayload(d.Data, d.Encoding)
	if err != nil {
		return nil, fmt.Errorf("decode record %q: %w", d.Key, err)
	}
	return &Record{Key: d.Key, Value: value, UpdatedAt: time.UnixMilli(d.UpdatedAt).UTC()}, nil
}

// Delete removes a record.
func (s *MongoDBStore) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List returns records under prefix ordered by key.
func (s *MongoDBStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, prefixFilter(prefix), opts)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*Record
	for cursor.Next(ctx) {
		var doc mongoRecordDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode record document: %w", err)
		}
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate records cursor: %w", err)
	}
	return items, nil
}

// DeletePrefix removes records under prefix.
func (s *MongoDBStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, prefixFilter(prefix))
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return result.DeletedCount, nil
}

// Close is a no-op; Mongo client lifecycle is managed by storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
