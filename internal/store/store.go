// Package store persists validated readings into a document database.
// Every backend is safe for concurrent use by request handlers and owns one
// long-lived connection (pool) that is closed exactly once.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kjstillabower/telemetry-ingest-service/internal/models"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("store closed")

// Store is the boundary for all writes to the document database.
type Store interface {
	// Insert writes one reading as a new document into collection. Duplicates
	// are not detected; every call produces a document.
	Insert(ctx context.Context, collection string, r models.Reading) error
	// Ping checks connectivity. Used for health checks.
	Ping(ctx context.Context) error
	// Close releases the connection. Safe to call more than once.
	Close(ctx context.Context) error
	// Backend names the implementation for logs and metrics.
	Backend() string
}

// Error reports a failed store operation.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Collection: collection, Err: err}
}
