package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	counterCollection       = "counter"
	receiptCollection       = "receipts"
	tenantCounterCollection = "tenant_counters"

	globalCounterID = "global"
)

type counterDoc struct {
	ID            string    `bson:"_id"`
	Count         int64     `bson:"count"`
	RecordCounter int64     `bson:"record_counter"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type tenantCounterDoc struct {
	TenantID  string    `bson:"_id"`
	Receipts  int64     `bson:"receipts"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type tenantAggregate struct {
	TenantID    string    `bson:"_id"`
	Receipts    int64     `bson:"receipts"`
	Tokens      int64     `bson:"tokens"`
	Cost        float64   `bson:"cost"`
	FirstSeen   time.Time `bson:"first_seen"`
	LastSeen    time.Time `bson:"last_seen"`
	MaxSequence int64     `bson:"max_sequence"`
}

type MongoStore struct {
	client   *mongo.Client
	counter  *mongo.Collection
	receipts *mongo.Collection
	tenants  *mongo.Collection
	now      func() time.Time
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		counter:  db.Collection(counterCollection),
		receipts: db.Collection(receiptCollection),
		tenants:  db.Collection(tenantCounterCollection),
		now:      time.Now,
	}
}

func (s *MongoStore) LoadState(ctx context.Context) (*Snapshot, error) {
	now := s.now().UTC()
	_, err := s.counter.UpdateOne(ctx,
		bson.M{"_id": globalCounterID},
		bson.M{"$setOnInsert": bson.M{
			"count":          int64(0),
			"record_counter": int64(0),
			"created_at":     now,
			"updated_at":     now,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter document: %w", err)
	}

	var doc counterDoc
	if err := s.counter.FindOne(ctx, bson.M{"_id": globalCounterID}).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to read counter document: %w", err)
	}

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$tenant_id"},
			{Key: "receipts", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "tokens", Value: bson.D{{Key: "$sum", Value: "$tokens_processed"}}},
			{Key: "cost", Value: bson.D{{Key: "$sum", Value: "$total_cost_cents"}}},
			{Key: "first_seen", Value: bson.D{{Key: "$min", Value: "$timestamp"}}},
			{Key: "last_seen", Value: bson.D{{Key: "$max", Value: "$timestamp"}}},
			{Key: "max_sequence", Value: bson.D{{Key: "$max", Value: "$sequence"}}},
		}}},
	}
	cur, err := s.receipts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate receipts: %w", err)
	}
	var aggs []tenantAggregate
	if err := cur.All(ctx, &aggs); err != nil {
		return nil, fmt.Errorf("failed to decode receipt aggregates: %w", err)
	}

	cur, err = s.tenants.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant counters: %w", err)
	}
	var counters []tenantCounterDoc
	if err := cur.All(ctx, &counters); err != nil {
		return nil, fmt.Errorf("failed to decode tenant counters: %w", err)
	}

	// A record can land without its counter update; never hand its id out again.
	recordCounter := doc.RecordCounter
	for _, a := range aggs {
		recordCounter = max(recordCounter, a.MaxSequence)
	}

	return &Snapshot{
		Count:         doc.Count,
		RecordCounter: recordCounter,
		Tenants:       mergeTenantTotals(aggs, counters),
	}, nil
}

// mergeTenantTotals combines per-record aggregates with batch counters into
// one TenantUsage per tenant, sorted by tenant id.
func mergeTenantTotals(aggs []tenantAggregate, counters []tenantCounterDoc) []*TenantUsage {
	byID := make(map[string]*TenantUsage, len(aggs)+len(counters))
	get := func(id string, first, last time.Time) *TenantUsage {
		t, ok := byID[id]
		if !ok {
			t = &TenantUsage{TenantID: id, PeriodStart: first, PeriodEnd: last}
			byID[id] = t
		}
		if first.Before(t.PeriodStart) {
			t.PeriodStart = first
		}
		if last.After(t.PeriodEnd) {
			t.PeriodEnd = last
		}
		return t
	}

	for _, a := range aggs {
		t := get(a.TenantID, a.FirstSeen, a.LastSeen)
		t.TotalReceipts += a.Receipts
		t.TotalOperations += a.Receipts
		t.TotalTokens += a.Tokens
		t.TotalCostCents += a.Cost
	}
	for _, c := range counters {
		t := get(c.TenantID, c.CreatedAt, c.UpdatedAt)
		t.TotalReceipts += c.Receipts
		t.TotalOperations += c.Receipts
	}

	out := make([]*TenantUsage, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (s *MongoStore) InsertRecord(ctx context.Context, rec *UsageRecord) error {
	_, err := s.receipts.InsertOne(ctx, rec)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *MongoStore) IncrementCount(ctx context.Context, n int64, recordSeq int64) error {
	now := s.now().UTC()
	_, err := s.counter.UpdateOne(ctx,
		bson.M{"_id": globalCounterID},
		bson.M{
			"$inc":         bson.M{"count": n},
			"$max":         bson.M{"record_counter": recordSeq},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to increment counter: %w", err)
	}
	return nil
}

func (s *MongoStore) IncrementTenant(ctx context.Context, tenantID string, n int64) error {
	now := s.now().UTC()
	_, err := s.tenants.UpdateOne(ctx,
		bson.M{"_id": tenantID},
		bson.M{
			"$inc":         bson.M{"receipts": n},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to increment tenant counter: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
