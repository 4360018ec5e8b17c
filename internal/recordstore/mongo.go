package recordstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"datacore/internal/apperr"
	"datacore/internal/coerce"
	"datacore/internal/domain"
)

// MongoStore keeps one collection per model with a unique index on record_id.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database

	mu      sync.RWMutex
	schemas map[string]*domain.ModelSchema
}

// OpenMongo connects to uri. The password replaces an Atlas placeholder.
func OpenMongo(ctx context.Context, uri, dbName, password string) (*MongoStore, error) {
	uri, dbName = BuildMongoURI(uri, dbName, password)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(dbName), schemas: map[string]*domain.ModelSchema{}}, nil
}

func (m *MongoStore) EnsureModel(ctx context.Context, schema *domain.ModelSchema) error {
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: domain.RecordIDField, Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := m.db.Collection(schema.Name).Indexes().CreateOne(ctx, idx); err != nil {
		return fmt.Errorf("index %s.record_id: %w", schema.Name, err)
	}
	m.mu.Lock()
	m.schemas[schema.Name] = schema
	m.mu.Unlock()
	return nil
}

func (m *MongoStore) collection(model string) (*mongo.Collection, *domain.ModelSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sch, ok := m.schemas[model]
	if !ok {
		return nil, nil, apperr.NotFound("model %q not initialised", model)
	}
	return m.db.Collection(model), sch, nil
}

func (m *MongoStore) Get(ctx context.Context, model, id string) (Record, error) {
	coll, sch, err := m.collection(model)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	err = coll.FindOne(ctx, bson.M{domain.RecordIDField: id},
		options.FindOne().SetProjection(bson.M{"_id": 0})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("%s record %s", model, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", model, id, err)
	}
	return fromStore(sch, coerce.NormalizeDocument(doc)), nil
}

func (m *MongoStore) Query(ctx context.Context, model string, fields []string, offset, limit int) ([]Record, error) {
	coll, sch, err := m.collection(model)
	if err != nil {
		return nil, err
	}
	proj := bson.M{"_id": 0}
	for _, f := range projection(sch, fields) {
		proj[f] = 1
	}
	opts := options.Find().
		SetProjection(proj).
		SetSort(bson.D{{Key: domain.RecordIDField, Value: 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
		opts.SetBatchSize(int32(limit))
	}

	cursor, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", model, err)
	}
	defer cursor.Close(ctx)

	var out []Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", model, err)
		}
		out = append(out, fromStore(sch, coerce.NormalizeDocument(doc)))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor %s: %w", model, err)
	}
	return out, nil
}

func (m *MongoStore) Upsert(ctx context.Context, model, id string, rec Record) error {
	coll, _, err := m.collection(model)
	if err != nil {
		return err
	}
	doc, err := toDocument(id, rec)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", model, id, err)
	}
	_, err = coll.UpdateOne(ctx,
		bson.M{domain.RecordIDField: id},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", model, id, err)
	}
	return nil
}

func (m *MongoStore) InsertIfAbsent(ctx context.Context, model, id string, rec Record) (bool, error) {
	coll, _, err := m.collection(model)
	if err != nil {
		return false, err
	}
	doc, err := toDocument(id, rec)
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", model, id, err)
	}
	res, err := coll.UpdateOne(ctx,
		bson.M{domain.RecordIDField: id},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", model, id, err)
	}
	return res.UpsertedCount == 1, nil
}

func (m *MongoStore) Count(ctx context.Context, model string) (int64, error) {
	coll, _, err := m.collection(model)
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", model, err)
	}
	return n, nil
}

func (m *MongoStore) ListIDs(ctx context.Context, model string) ([]string, error) {
	coll, _, err := m.collection(model)
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetProjection(bson.M{"_id": 0, domain.RecordIDField: 1}).
		SetSort(bson.D{{Key: domain.RecordIDField, Value: 1}}).
		SetBatchSize(5000)
	cursor, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list ids %s: %w", model, err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var row struct {
			RecordID string `bson:"record_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode id %s: %w", model, err)
		}
		ids = append(ids, row.RecordID)
	}
	return ids, cursor.Err()
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// toDocument converts a record into BSON, storing decimals as Decimal128.
func toDocument(id string, rec Record) (bson.M, error) {
	doc := make(bson.M, len(rec)+1)
	for k, v := range rec {
		if strings.HasPrefix(k, "$") || k == "_id" {
			continue
		}
		if d, ok := v.(decimal.Decimal); ok {
			d128, err := bson.ParseDecimal128(d.String())
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			v = d128
		}
		doc[k] = v
	}
	doc[domain.RecordIDField] = id
	return doc, nil
}
