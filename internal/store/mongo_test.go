package store

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/internal/sequence"
)

func mongoWidgets(mt *mtest.T) (*MongoDriver, Adapter) {
	mt.Helper()
	d := NewMongoDriver(mt.Client, mt.DB.Name(), sequence.NewMemory(nil))
	require.NoError(mt, d.Register(context.Background(), widgets))
	a, err := d.Collection(widgets.CollectionName())
	require.NoError(mt, err)
	mt.ClearEvents()
	return d, a
}

// sortKeys returns the sort document of a command as ordered key/direction pairs.
func sortKeys(mt *mtest.T, cmd bson.Raw, field string) [][2]any {
	mt.Helper()
	var sortDoc bson.D
	require.NoError(mt, bson.Unmarshal(cmd.Lookup(field).Document(), &sortDoc))
	out := make([][2]any, 0, len(sortDoc))
	for _, e := range sortDoc {
		out = append(out, [2]any{e.Key, cast.ToInt(e.Value)})
	}
	return out
}

func TestMongoCollection(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ns := func(mt *mtest.T) string { return mt.DB.Name() + "." + widgets.CollectionName() }

	mt.Run("query pages in id order by default", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch,
			bson.D{{Key: "_id", Value: int32(3)}, {Key: "name", Value: "c"}, {Key: "size", Value: int32(5)}},
		))

		docs := collect(mt.T, mustQuery(mt, a, Query{Skip: 2, Limit: 2}))
		require.Len(mt, docs, 1)
		assert.Equal(mt, int64(3), docs[0][IDField])
		assert.Equal(mt, int64(5), docs[0]["size"])

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		require.Equal(mt, "find", evt.CommandName)
		assert.Equal(mt, [][2]any{{"_id", 1}}, sortKeys(mt, evt.Command, "sort"))
		assert.Equal(mt, int64(2), evt.Command.Lookup("skip").Int64())
		assert.Equal(mt, int64(2), evt.Command.Lookup("limit").Int64())
	})

	mt.Run("query breaks sort ties on id", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))

		collect(mt.T, mustQuery(mt, a, Query{Sort: []SortField{{Field: "color", Desc: true}}}))

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, [][2]any{{"color", -1}, {"_id", 1}}, sortKeys(mt, evt.Command, "sort"))
	})

	mt.Run("explicit id sort is not duplicated", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))

		collect(mt.T, mustQuery(mt, a, Query{Sort: []SortField{{Field: IDField, Desc: true}}}))

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, [][2]any{{"_id", -1}}, sortKeys(mt, evt.Command, "sort"))
	})

	mt.Run("query failures are database errors", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad value"}))

		_, err := a.Query(context.Background(), Query{})
		require.Error(mt, err)
		assert.True(mt, errors.Is(err, apperr.KindDatabase))
	})

	mt.Run("get of a missing id returns nil", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))

		doc, err := a.Get(context.Background(), "9", nil)
		require.NoError(mt, err)
		assert.Nil(mt, doc)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, int64(9), evt.Command.Lookup("filter", "_id").Int64())
	})

	mt.Run("update sends set and unset in one command", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "_id", Value: int32(4)},
			{Key: "name", Value: "b"},
		}}))

		doc, err := a.Update(context.Background(), 4, Document{"name": "b", IDField: 99}, []string{"color"}, nil)
		require.NoError(mt, err)
		assert.Equal(mt, Document{IDField: int64(4), "name": "b"}, doc)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		require.Equal(mt, "findAndModify", evt.CommandName)
		assert.Equal(mt, int64(4), evt.Command.Lookup("query", "_id").Int64())
		assert.Equal(mt, "b", evt.Command.Lookup("update", "$set", "name").StringValue())
		assert.Equal(mt, "", evt.Command.Lookup("update", "$unset", "color").StringValue())
		_, err = evt.Command.LookupErr("update", "$set", "_id")
		assert.Error(mt, err, "_id must never be set")
	})

	mt.Run("empty update reads the current record", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch,
			bson.D{{Key: "_id", Value: int32(4)}, {Key: "name", Value: "b"}},
		))

		doc, err := a.Update(context.Background(), 4, Document{IDField: 5}, []string{IDField}, nil)
		require.NoError(mt, err)
		assert.Equal(mt, "b", doc["name"])

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "find", evt.CommandName)
	})

	mt.Run("update rejects a non-integer id", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		_, err := a.Update(context.Background(), "abc", Document{"name": "b"}, nil, nil)
		require.Error(mt, err)
		assert.True(mt, errors.Is(err, apperr.KindInvalidIdentity))
		assert.Nil(mt, mt.GetStartedEvent())
	})

	mt.Run("delete reports whether a record was removed", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(0)}),
		)

		ok, err := a.Delete(context.Background(), 4)
		require.NoError(mt, err)
		assert.True(mt, ok)

		ok, err = a.Delete(context.Background(), 4)
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("duplicate keys are write errors", func(mt *mtest.T) {
		_, a := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key"}))

		_, err := a.Create(context.Background(), Document{"name": "a"})
		require.Error(mt, err)
		assert.True(mt, errors.Is(err, apperr.KindStorageWrite))
	})
}

func TestMongoDriver(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("index conflicts are skipped", func(mt *mtest.T) {
		d, _ := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: codeIndexOptionsConflict, Name: "IndexOptionsConflict", Message: "index exists with different options",
		}))
		require.NoError(mt, d.InitIndexes(context.Background()))

		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: codeIndexKeySpecsConflict, Name: "IndexKeySpecsConflict", Message: "index exists with different keys",
		}))
		require.NoError(mt, d.InitIndexes(context.Background()))
	})

	mt.Run("other index failures are returned", func(mt *mtest.T) {
		d, _ := mongoWidgets(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad index"}))

		err := d.InitIndexes(context.Background())
		require.Error(mt, err)
		assert.True(mt, errors.Is(err, apperr.KindDatabase))
	})

	mt.Run("migrate raises sequences to the highest stored id", func(mt *mtest.T) {
		d, _ := mongoWidgets(mt)
		ns := mt.DB.Name() + "." + widgets.CollectionName()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{{Key: "_id", Value: int32(9)}}),
		)
		require.NoError(mt, d.Migrate(context.Background()))

		createIdx := mt.GetStartedEvent()
		require.NotNil(mt, createIdx)
		assert.Equal(mt, "createIndexes", createIdx.CommandName)
		find := mt.GetStartedEvent()
		require.NotNil(mt, find)
		assert.Equal(mt, [][2]any{{"_id", -1}}, sortKeys(mt, find.Command, "sort"))

		id, err := d.Sequencer().NextID(context.Background(), widgets.CollectionName())
		require.NoError(mt, err)
		assert.Equal(mt, int64(10), id)
	})

	mt.Run("migrate of an empty collection leaves the sequence alone", func(mt *mtest.T) {
		d, _ := mongoWidgets(mt)
		ns := mt.DB.Name() + "." + widgets.CollectionName()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
		)
		require.NoError(mt, d.Migrate(context.Background()))

		id, err := d.Sequencer().NextID(context.Background(), widgets.CollectionName())
		require.NoError(mt, err)
		assert.Equal(mt, int64(1), id)
	})
}

func TestFromBSON(t *testing.T) {
	doc := fromBSON(bson.M{
		"_id":  int32(7),
		"tags": bson.A{int32(1), "x"},
		"dim":  bson.D{{Key: "w", Value: int32(2)}},
		"meta": bson.M{"n": int32(3)},
	})
	assert.Equal(t, int64(7), doc["_id"])
	assert.Equal(t, []any{int64(1), "x"}, doc["tags"])
	assert.Equal(t, map[string]any{"w": int64(2)}, doc["dim"])
	assert.Equal(t, map[string]any{"n": int64(3)}, doc["meta"])
	assert.Nil(t, fromBSON(nil))
}

func mustQuery(mt *mtest.T, a Adapter, q Query) Cursor {
	mt.Helper()
	cur, err := a.Query(context.Background(), q)
	require.NoError(mt, err)
	return cur
}
