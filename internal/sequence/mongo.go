package sequence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/seedworks/seed/internal/database"
)

// Mongo keeps sequence records in the "ids" collection.
type Mongo struct {
	col   *mongo.Collection
	clock Clock
}

// NewMongo returns a sequencer over db.ids.
func NewMongo(db *mongo.Database, clock Clock) *Mongo {
	return &Mongo{col: db.Collection(Collection), clock: clock}
}

func (m *Mongo) Ensure(ctx context.Context, names ...string) error {
	idx := mongo.IndexModel{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)}
	if _, err := m.col.Indexes().CreateOne(ctx, idx); err != nil {
		return database.MongoError(fmt.Errorf("ensure ids index: %w", err))
	}
	upsert := options.Update().SetUpsert(true)
	for _, n := range names {
		_, err := m.col.UpdateOne(ctx, bson.M{"name": n},
			bson.M{"$setOnInsert": bson.M{"name": n, "id": int64(0)}}, upsert)
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return database.MongoError(fmt.Errorf("ensure sequence %s: %w", n, err))
		}
	}
	_, err := m.col.UpdateOne(ctx, bson.M{"name": SerialRecordName},
		bson.M{"$setOnInsert": bson.M{"name": SerialRecordName, "id": int64(0), "today": m.clock.Today()}}, upsert)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return database.MongoError(fmt.Errorf("ensure serial record: %w", err))
	}
	return nil
}

func (m *Mongo) NextID(ctx context.Context, name string) (int64, error) {
	var rec Record
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.col.FindOneAndUpdate(ctx, bson.M{"name": name}, bson.M{"$inc": bson.M{"id": int64(1)}}, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, missing(name)
		}
		return 0, database.MongoError(fmt.Errorf("next id for %s: %w", name, err))
	}
	return rec.ID, nil
}

// NextSerial resets or increments with one pipeline update, so two callers
// racing across midnight cannot both observe the stale day.
func (m *Mongo) NextSerial(ctx context.Context) (string, error) {
	today := m.clock.Today()
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "id", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$today", today}}},
				bson.D{{Key: "$add", Value: bson.A{"$id", int64(1)}}},
				int64(1),
			}}}},
			{Key: "today", Value: today},
		}}},
	}
	var rec Record
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.col.FindOneAndUpdate(ctx, bson.M{"name": SerialRecordName}, update, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", missing(SerialRecordName)
		}
		return "", database.MongoError(fmt.Errorf("next serial: %w", err))
	}
	return FormatSerial(rec.Today, rec.ID), nil
}

func (m *Mongo) Raise(ctx context.Context, name string, floor int64) error {
	_, err := m.col.UpdateOne(ctx, bson.M{"name": name}, bson.M{"$max": bson.M{"id": floor}})
	if err != nil {
		return database.MongoError(fmt.Errorf("raise sequence %s: %w", name, err))
	}
	return nil
}

func (m *Mongo) Reset(ctx context.Context) error {
	if err := m.col.Drop(ctx); err != nil {
		return database.MongoError(fmt.Errorf("drop ids: %w", err))
	}
	return nil
}
