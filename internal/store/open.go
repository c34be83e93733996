package store

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string // "mongo", "postgres" or "memory"
	Mongo    MongoConfig
	Postgres PostgresConfig
}

// Open establishes the backend's long-lived connection.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "mongo":
		return NewMongoStore(ctx, opts.Mongo)
	case "postgres":
		return NewPostgresStore(ctx, opts.Postgres)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
	}
}
