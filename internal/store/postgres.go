package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/telemetry-ingest-service/internal/models"
)

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// PostgresStore keeps one JSONB document table per collection.
// Tables are created on first insert.
type PostgresStore struct {
	pool      *pgxpool.Pool
	ensured   sync.Map // collection -> struct{}
	closeOnce sync.Once
}

// NewPostgresStore opens a connection pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context, collection string) error {
	if _, ok := s.ensured.Load(collection); ok {
		return nil
	}
	table := pgx.Identifier{collection}.Sanitize()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, table))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	s.ensured.Store(collection, struct{}{})
	return nil
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, collection string, r models.Reading) error {
	if err := s.ensureTable(ctx, collection); err != nil {
		return wrap("insert", collection, err)
	}
	doc, err := json.Marshal(r.Document())
	if err != nil {
		return wrap("insert", collection, fmt.Errorf("encode document: %w", err))
	}
	table := pgx.Identifier{collection}.Sanitize()
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (time, doc) VALUES ($1, $2::jsonb)`, table),
		r.Time, string(doc))
	return wrap("insert", collection, err)
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping", "", s.pool.Ping(ctx))
}

// Close closes the pool once.
func (s *PostgresStore) Close(ctx context.Context) error {
	s.closeOnce.Do(s.pool.Close)
	return nil
}

// Backend implements Store.
func (s *PostgresStore) Backend() string {
	return "postgres"
}
