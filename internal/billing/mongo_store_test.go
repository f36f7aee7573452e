package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/vnmchuo/penny-counter/internal/pricing"
)

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	mt.Run("load state", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name())
		ns := func(coll string) string { return mt.DB.Name() + "." + coll }

		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateCursorResponse(0, ns(counterCollection), mtest.FirstBatch, bson.D{
				{Key: "_id", Value: globalCounterID},
				{Key: "count", Value: int64(1500)},
				{Key: "record_counter", Value: int64(5)},
				{Key: "created_at", Value: t0},
				{Key: "updated_at", Value: t1},
			}),
			mtest.CreateCursorResponse(0, ns(receiptCollection), mtest.FirstBatch, bson.D{
				{Key: "_id", Value: "acme"},
				{Key: "receipts", Value: int32(2)},
				{Key: "tokens", Value: int64(10)},
				{Key: "cost", Value: 0.02},
				{Key: "first_seen", Value: t0},
				{Key: "last_seen", Value: t1},
				{Key: "max_sequence", Value: int64(7)},
			}),
			mtest.CreateCursorResponse(0, ns(tenantCounterCollection), mtest.FirstBatch, bson.D{
				{Key: "_id", Value: "batch"},
				{Key: "receipts", Value: int64(1488)},
				{Key: "created_at", Value: t0},
				{Key: "updated_at", Value: t1},
			}),
		)

		snap, err := store.LoadState(context.Background())
		require.NoError(mt, err)
		assert.Equal(mt, int64(1500), snap.Count)
		// A stored record outran the counter document.
		assert.Equal(mt, int64(7), snap.RecordCounter)
		require.Len(mt, snap.Tenants, 2)

		acme := snap.Tenants[0]
		assert.Equal(mt, "acme", acme.TenantID)
		assert.Equal(mt, int64(2), acme.TotalReceipts)
		assert.Equal(mt, int64(10), acme.TotalTokens)
		assert.InDelta(mt, 0.02, acme.TotalCostCents, 1e-9)
		assert.True(mt, acme.PeriodEnd.Equal(t1))

		assert.Equal(mt, "batch", snap.Tenants[1].TenantID)
		assert.Equal(mt, int64(1488), snap.Tenants[1].TotalReceipts)
	})

	mt.Run("load state error", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name())
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 13, Name: "Unauthorized", Message: "not authorized",
		}))

		_, err := store.LoadState(context.Background())
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "failed to create counter document")
	})

	mt.Run("insert duplicate is ignored", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name())
		op := Operation{ReceiptID: "RCP-1", TenantID: "acme", OperationType: "sign", ResourceType: "receipt"}
		rec := NewUsageRecord(1, t0, pricing.TierFree, op, Cost{})

		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index: 0, Code: 11000, Message: "E11000 duplicate key error",
		}))
		assert.NoError(mt, store.InsertRecord(context.Background(), rec))
	})

	mt.Run("increments", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name())
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		require.NoError(mt, store.IncrementCount(context.Background(), 1, 8))
		require.NoError(mt, store.IncrementTenant(context.Background(), "batch", 250))
	})

	mt.Run("increment error", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name())
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 2, Name: "BadValue", Message: "bad update",
		}))

		err := store.IncrementTenant(context.Background(), "batch", 250)
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "failed to increment tenant counter")
	})
}
