package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kjstillabower/telemetry-ingest-service/internal/models"
)

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
}

// MongoStore writes readings with InsertOne into database.collection.
// The driver's client pools connections and is safe for concurrent use.
type MongoStore struct {
	client    *mongo.Client
	db        *mongo.Database
	closeOnce sync.Once
	closeErr  error
}

// NewMongoStore connects to MongoDB and verifies the connection with a ping.
// A failure here is a startup failure.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "sensors"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(cfg.Database)}, nil
}

// Insert implements Store.
func (s *MongoStore) Insert(ctx context.Context, collection string, r models.Reading) error {
	doc := bson.M(r.Document())
	_, err := s.db.Collection(collection).InsertOne(ctx, doc)
	return wrap("insert", collection, err)
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	return wrap("ping", "", s.client.Ping(ctx, readpref.Primary()))
}

// Close disconnects the client once; later calls return the first result.
func (s *MongoStore) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = wrap("close", "", s.client.Disconnect(ctx))
	})
	return s.closeErr
}

// Backend implements Store.
func (s *MongoStore) Backend() string {
	return "mongo"
}
