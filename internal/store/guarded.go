package store

import (
	"context"
	"time"

	"github.com/kjstillabower/telemetry-ingest-service/internal/circuitbreaker"
	"github.com/kjstillabower/telemetry-ingest-service/internal/models"
	"github.com/kjstillabower/telemetry-ingest-service/internal/observability"
)

// GuardedStore wraps a Store with a circuit breaker and insert metrics.
// When the breaker is open, inserts fail fast instead of waiting on an
// unreachable database.
type GuardedStore struct {
	next    Store
	breaker *circuitbreaker.CircuitBreaker
}

// Guarded returns next wrapped with breaker. A nil breaker only adds metrics.
func Guarded(next Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

// Insert implements Store.
func (g *GuardedStore) Insert(ctx context.Context, collection string, r models.Reading) error {
	start := time.Now()
	var err error
	if g.breaker != nil {
		err = g.breaker.Call(ctx, func(ctx context.Context) error {
			return g.next.Insert(ctx, collection, r)
		})
	} else {
		err = g.next.Insert(ctx, collection, r)
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.StoreInsertDuration.WithLabelValues(g.next.Backend(), status).Observe(time.Since(start).Seconds())
	return wrap("insert", collection, err)
}

// Ping implements Store. It bypasses the breaker so health checks see the real state.
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}

// Close implements Store.
func (g *GuardedStore) Close(ctx context.Context) error {
	return g.next.Close(ctx)
}

// Backend implements Store.
func (g *GuardedStore) Backend() string {
	return g.next.Backend()
}
