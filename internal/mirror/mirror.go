package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the document-store copy of submission JSON, keyed by instance id.
type Store interface {
	Upsert(ctx context.Context, instanceID uint, doc map[string]any) error
	Delete(ctx context.Context, instanceID uint) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

const instancesCollection = "instances"

// MongoStore mirrors submissions into the "instances" collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(instancesCollection),
	}, nil
}

func (s *MongoStore) Upsert(ctx context.Context, instanceID uint, doc map[string]any) error {
	record := bson.M{}
	for k, v := range doc {
		record[k] = v
	}
	record["_id"] = int64(instanceID)

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": int64(instanceID)}, record, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert mirror document %d: %w", instanceID, err)
	}
	return nil
}

// Delete removes the mirror document. A missing document is not an error.
func (s *MongoStore) Delete(ctx context.Context, instanceID uint) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": int64(instanceID)}); err != nil {
		return fmt.Errorf("failed to delete mirror document %d: %w", instanceID, err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// MemoryStore keeps mirror documents in a map. Used in tests and when no
// MONGO_URI is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[uint]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[uint]map[string]any)}
}

func (m *MemoryStore) Upsert(ctx context.Context, instanceID uint, doc map[string]any) error {
	copied := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		copied[k] = v
	}
	copied["_id"] = int64(instanceID)

	m.mu.Lock()
	m.docs[instanceID] = copied
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, instanceID uint) error {
	m.mu.Lock()
	delete(m.docs, instanceID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error  { return nil }
func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// Get returns the stored document, if any.
func (m *MemoryStore) Get(instanceID uint) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[instanceID]
	return doc, ok
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// New returns a MongoStore when uri is set, a MemoryStore otherwise.
func New(ctx context.Context, uri, database string) (Store, error) {
	if uri == "" {
		return NewMemoryStore(), nil
	}
	return NewMongoStore(ctx, uri, database)
}
