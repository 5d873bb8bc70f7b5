package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/seedworks/seed/internal/database"
	"github.com/seedworks/seed/internal/sequence"
	"github.com/seedworks/seed/pkg/logger"
)

// Server codes for an index that already exists with other options or keys.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// MongoDriver stores each registered collection in a MongoDB database.
type MongoDriver struct {
	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
	reg    registry
	seq    sequence.Sequencer
}

// NewMongoDriver uses database dbName of client. A nil sequencer keeps the
// sequence records in the same database.
func NewMongoDriver(client *mongo.Client, dbName string, seq sequence.Sequencer) *MongoDriver {
	db := client.Database(dbName)
	if seq == nil {
		seq = sequence.NewMongo(db, nil)
	}
	return &MongoDriver{client: client, db: db, reg: newRegistry(), seq: seq}
}

func (d *MongoDriver) Register(ctx context.Context, descs ...Descriptor) error {
	d.mu.Lock()
	names, err := d.reg.add(descs)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.seq.Ensure(ctx, names...)
}

func (d *MongoDriver) Collection(name string) (Adapter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	desc, ok := d.reg.descs[name]
	if !ok {
		return nil, unknownCollection(name)
	}
	return &MongoCollection{col: d.db.Collection(name), desc: desc, seq: d.seq}, nil
}

func (d *MongoDriver) Descriptors() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg.list()
}

func (d *MongoDriver) InitIndexes(ctx context.Context) error {
	for _, desc := range d.Descriptors() {
		name := desc.CollectionName()
		for _, idx := range desc.Indexes {
			model, ok := indexModel(idx)
			if !ok {
				continue
			}
			_, err := d.db.Collection(name).Indexes().CreateOne(ctx, model)
			if err == nil {
				continue
			}
			var ce mongo.CommandError
			if errors.As(err, &ce) && (ce.Code == codeIndexOptionsConflict || ce.Code == codeIndexKeySpecsConflict) {
				logger.Warnf("store: %s: index on %s conflicts with an existing index, skipping: %v", name, idx.Field, err)
				continue
			}
			return database.MongoError(fmt.Errorf("create index %s.%s: %w", name, idx.Field, err))
		}
	}
	return nil
}

func indexModel(idx IndexSpec) (mongo.IndexModel, bool) {
	opts := options.Index()
	switch {
	case idx.ExpireAfter > 0:
		opts.SetExpireAfterSeconds(int32(idx.ExpireAfter.Seconds()))
	case idx.Unique:
		opts.SetUnique(true)
	default:
		return mongo.IndexModel{}, false
	}
	return mongo.IndexModel{Keys: bson.D{{Key: idx.Field, Value: 1}}, Options: opts}, true
}

func (d *MongoDriver) Migrate(ctx context.Context) error {
	descs := d.Descriptors()
	if err := d.Register(ctx, descs...); err != nil {
		return err
	}
	if err := d.InitIndexes(ctx); err != nil {
		return err
	}
	for _, desc := range descs {
		name := desc.CollectionName()
		var top struct {
			ID int64 `bson:"_id"`
		}
		opts := options.FindOne().SetSort(bson.D{{Key: IDField, Value: -1}}).SetProjection(bson.M{IDField: 1})
		err := d.db.Collection(name).FindOne(ctx, bson.M{}, opts).Decode(&top)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return database.MongoError(fmt.Errorf("find max id in %s: %w", name, err))
		}
		if err := d.seq.Raise(ctx, name, top.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *MongoDriver) Drop(ctx context.Context) error {
	for _, desc := range d.Descriptors() {
		if err := d.db.Collection(desc.CollectionName()).Drop(ctx); err != nil {
			return database.MongoError(fmt.Errorf("drop %s: %w", desc.CollectionName(), err))
		}
	}
	return d.seq.Reset(ctx)
}

func (d *MongoDriver) Sequencer() sequence.Sequencer { return d.seq }

func (d *MongoDriver) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// MongoCollection adapts one *mongo.Collection.
type MongoCollection struct {
	col  *mongo.Collection
	desc Descriptor
	seq  sequence.Sequencer
}

func (m *MongoCollection) Name() string           { return m.desc.CollectionName() }
func (m *MongoCollection) Descriptor() Descriptor { return m.desc }

func (m *MongoCollection) Query(ctx context.Context, q Query) (Cursor, error) {
	filter := bsonFilter(q.Filter)
	opts := options.Find().SetSort(bsonSort(q.Sort))
	if p := bsonProjection(q.Projection); p != nil {
		opts.SetProjection(p)
	}
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cur, err := m.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, database.MongoError(fmt.Errorf("find in %s: %w", m.Name(), err))
	}
	return &mongoCursor{cur: cur, col: m.col, filter: filter}, nil
}

func (m *MongoCollection) Get(ctx context.Context, id any, proj Projection) (Document, error) {
	n, err := CoerceID(id)
	if err != nil {
		return nil, err
	}
	opts := options.FindOne()
	if p := bsonProjection(proj); p != nil {
		opts.SetProjection(p)
	}
	var raw bson.M
	err = m.col.FindOne(ctx, bson.M{IDField: n}, opts).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, database.MongoError(fmt.Errorf("get %s %d: %w", m.Name(), n, err))
	}
	return fromBSON(raw), nil
}

func (m *MongoCollection) Create(ctx context.Context, doc Document) (Document, error) {
	out, err := prepareCreate(ctx, m.seq, m.desc, doc)
	if err != nil {
		return nil, err
	}
	if _, err := m.col.InsertOne(ctx, bson.M(out)); err != nil {
		return nil, database.MongoError(fmt.Errorf("insert into %s: %w", m.Name(), err))
	}
	return out, nil
}

// Update applies $set and $unset in one findAndModify.
func (m *MongoCollection) Update(ctx context.Context, id any, set Document, unset []string, proj Projection) (Document, error) {
	n, err := CoerceID(id)
	if err != nil {
		return nil, err
	}
	set = cleanSet(set)
	unset = cleanUnset(unset)
	if len(set) == 0 && len(unset) == 0 {
		return m.Get(ctx, n, proj)
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = bson.M(set)
	}
	if len(unset) > 0 {
		fields := bson.M{}
		for _, f := range unset {
			fields[f] = ""
		}
		update["$unset"] = fields
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if p := bsonProjection(proj); p != nil {
		opts.SetProjection(p)
	}
	var raw bson.M
	err = m.col.FindOneAndUpdate(ctx, bson.M{IDField: n}, update, opts).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, database.MongoError(fmt.Errorf("update %s %d: %w", m.Name(), n, err))
	}
	return fromBSON(raw), nil
}

func (m *MongoCollection) Delete(ctx context.Context, id any) (bool, error) {
	n, err := CoerceID(id)
	if err != nil {
		return false, err
	}
	res, err := m.col.DeleteOne(ctx, bson.M{IDField: n})
	if err != nil {
		return false, database.MongoError(fmt.Errorf("delete %s %d: %w", m.Name(), n, err))
	}
	return res.DeletedCount == 1, nil
}

func (m *MongoCollection) Count(ctx context.Context, filter Document) (int64, error) {
	n, err := m.col.CountDocuments(ctx, bsonFilter(filter))
	if err != nil {
		return 0, database.MongoError(fmt.Errorf("count %s: %w", m.Name(), err))
	}
	return n, nil
}

type mongoCursor struct {
	cur    *mongo.Cursor
	col    *mongo.Collection
	filter bson.M
	doc    Document
	err    error
}

func (c *mongoCursor) Next(ctx context.Context) bool {
	if !c.cur.Next(ctx) {
		return false
	}
	var raw bson.M
	if err := c.cur.Decode(&raw); err != nil {
		c.err = err
		return false
	}
	c.doc = fromBSON(raw)
	return true
}

func (c *mongoCursor) Document() Document { return c.doc }

func (c *mongoCursor) Err() error {
	if c.err != nil {
		return database.MongoError(c.err)
	}
	if err := c.cur.Err(); err != nil {
		return database.MongoError(err)
	}
	return nil
}

func (c *mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

func (c *mongoCursor) Count(ctx context.Context) (int64, error) {
	n, err := c.col.CountDocuments(ctx, c.filter)
	if err != nil {
		return 0, database.MongoError(fmt.Errorf("count %s: %w", c.col.Name(), err))
	}
	return n, nil
}

func bsonFilter(f Document) bson.M {
	out := bson.M{}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func bsonSort(fields []SortField) bson.D {
	out := bson.D{}
	for _, f := range withIDTieBreak(fields) {
		dir := 1
		if f.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: f.Field, Value: dir})
	}
	return out
}

func bsonProjection(p Projection) bson.M {
	if len(p) == 0 {
		return nil
	}
	out := bson.M{}
	for k, keep := range p {
		if keep {
			out[k] = 1
		} else {
			out[k] = 0
		}
	}
	return out
}

// fromBSON converts driver values into plain maps and slices.
func fromBSON(raw bson.M) Document {
	if raw == nil {
		return nil
	}
	out := make(Document, len(raw))
	for k, v := range raw {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return map[string]any(fromBSON(t))
	case bson.D:
		return map[string]any(fromBSON(t.Map()))
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	}
	return v
}
