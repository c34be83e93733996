//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kjstillabower/telemetry-ingest-service/internal/store"
)

// MongoURI returns MONGO_URI or skips the test.
func MongoURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping integration test")
	}
	return uri
}

// PostgresDSN returns POSTGRES_DSN or skips the test.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set, skipping integration test")
	}
	return dsn
}

// UniqueName returns prefix plus a random suffix usable as a database, table or collection name.
func UniqueName(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// OpenMongo connects a MongoStore to a throwaway database that is dropped on cleanup.
func OpenMongo(t *testing.T) (*store.MongoStore, string) {
	t.Helper()
	uri := MongoURI(t)
	database := UniqueName("sensors_it")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := store.NewMongoStore(ctx, store.MongoConfig{URI: uri, Database: database, ConnectTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewMongoStore() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		withMongo(t, uri, func(c *mongo.Client) {
			_ = c.Database(database).Drop(ctx)
		})
		_ = st.Close(ctx)
	})
	return st, database
}

// MongoDocuments returns every document of database.collection.
func MongoDocuments(t *testing.T, database, collection string) []bson.M {
	t.Helper()
	var docs []bson.M
	withMongo(t, MongoURI(t), func(c *mongo.Client) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cur, err := c.Database(database).Collection(collection).Find(ctx, bson.M{})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if err := cur.All(ctx, &docs); err != nil {
			t.Fatalf("decode: %v", err)
		}
	})
	return docs
}

func withMongo(t *testing.T, uri string, fn func(*mongo.Client)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect: %v", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()
	fn(client)
}

// OpenPostgres connects a PostgresStore. Tables created under the returned
// collection name are dropped on cleanup.
func OpenPostgres(t *testing.T) (*store.PostgresStore, string) {
	t.Helper()
	dsn := PostgresDSN(t)
	collection := UniqueName("loft_it")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{DSN: dsn, MaxConns: 2})
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		withPostgres(t, dsn, func(pool *pgxpool.Pool) {
			_, _ = pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{collection}.Sanitize()))
		})
		_ = st.Close(ctx)
	})
	return st, collection
}

// PostgresDocuments returns the JSON documents stored in table, oldest first.
func PostgresDocuments(t *testing.T, table string) []map[string]any {
	t.Helper()
	var docs []map[string]any
	withPostgres(t, PostgresDSN(t), func(pool *pgxpool.Pool) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rows, err := pool.Query(ctx, fmt.Sprintf("SELECT doc FROM %s ORDER BY id", pgx.Identifier{table}.Sanitize()))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		defer rows.Close()
		for rows.Next() {
			var doc map[string]any
			if err := rows.Scan(&doc); err != nil {
				t.Fatalf("scan: %v", err)
			}
			docs = append(docs, doc)
		}
		if err := rows.Err(); err != nil {
			t.Fatalf("rows: %v", err)
		}
	})
	return docs
}

func withPostgres(t *testing.T, dsn string, fn func(*pgxpool.Pool)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	defer pool.Close()
	fn(pool)
}
