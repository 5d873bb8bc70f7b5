package sequence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoSequencer(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("next id returns the incremented counter", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "value", Value: bson.D{{Key: "name", Value: "widgets"}, {Key: "id", Value: int64(7)}}},
		))
		s := NewMongo(mt.DB, nil)
		id, err := s.NextID(context.Background(), "widgets")
		require.NoError(t, err)
		require.Equal(t, int64(7), id)
	})

	mt.Run("next serial formats the stored day and counter", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "value", Value: bson.D{
				{Key: "name", Value: SerialRecordName},
				{Key: "id", Value: int64(12)},
				{Key: "today", Value: "20261019"},
			}},
		))
		s := NewMongo(mt.DB, nil)
		serial, err := s.NextSerial(context.Background())
		require.NoError(t, err)
		require.Equal(t, "202610190012", serial)
	})

	mt.Run("command failures are classified", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Message: "bad value",
			Name:    "BadValue",
		}))
		s := NewMongo(mt.DB, nil)
		_, err := s.NextID(context.Background(), "widgets")
		require.Error(t, err)
	})
}
