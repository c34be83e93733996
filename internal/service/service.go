package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/telemetry-ingest-service/internal/ingest"
	"github.com/kjstillabower/telemetry-ingest-service/internal/models"
	"github.com/kjstillabower/telemetry-ingest-service/internal/observability"
	"github.com/kjstillabower/telemetry-ingest-service/internal/store"
	"github.com/kjstillabower/telemetry-ingest-service/internal/traffic"
	"github.com/kjstillabower/telemetry-ingest-service/internal/validation"
)

// DefaultMaxBodyBytes caps a request body when no limit is configured.
const DefaultMaxBodyBytes int64 = 64 << 10

// IngestService runs one POST through validation and into the store. It
// holds no per-request state and is safe for concurrent use.
type IngestService struct {
	validator    *validation.Validator
	store        store.Store
	tracker      *traffic.Tracker
	maxBodyBytes int64
}

// NewIngestService creates an IngestService. maxBodyBytes <= 0 selects
// DefaultMaxBodyBytes. tracker may be nil.
func NewIngestService(validator *validation.Validator, st store.Store, tracker *traffic.Tracker, maxBodyBytes int64) *IngestService {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &IngestService{
		validator:    validator,
		store:        st,
		tracker:      tracker,
		maxBodyBytes: maxBodyBytes,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// Ingest validates the body posted to path and persists the resulting reading
// in the route's collection. The path is checked before the body is read, so
// unknown routes are rejected regardless of payload. Every failure is an
// *ingest.Error; nothing is written unless validation passed.
func (s *IngestService) Ingest(ctx context.Context, path string, body io.Reader) (models.Reading, error) {
	start := time.Now()
	logger := loggerFromContext(ctx)

	rs, err := s.validator.CheckPath(path)
	if err != nil {
		return models.Reading{}, s.reject(path, err)
	}

	raw, err := s.readBody(path, body)
	if err != nil {
		return models.Reading{}, s.reject(path, err)
	}

	reading, err := s.validator.ValidateBody(rs, raw)
	if err != nil {
		return models.Reading{}, s.reject(path, err)
	}

	if err := s.store.Insert(ctx, rs.Collection, reading); err != nil {
		s.record(traffic.StoreFailed)
		observability.RecordRejected(path, ingest.KindStoreError.String())
		return models.Reading{}, &ingest.Error{Kind: ingest.KindStoreError, Path: path, Err: err}
	}

	s.record(traffic.Stored)
	observability.RecordStored(path)
	if logger != nil {
		logger.Debug("reading persisted",
			zap.String("route", path),
			zap.String("collection", rs.Collection),
			zap.Time("readingTime", reading.Time),
			zap.Duration("duration", time.Since(start)))
	}
	return reading, nil
}

// Ping reports whether the store is reachable.
func (s *IngestService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// readBody reads at most maxBodyBytes. One extra byte is read so an exact-limit
// body is accepted and anything larger is reported as BodyTooLarge.
func (s *IngestService) readBody(path string, body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, s.maxBodyBytes+1))
	if err != nil {
		return nil, &ingest.Error{Kind: ingest.KindMalformedBody, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(raw)) > s.maxBodyBytes {
		return nil, &ingest.Error{Kind: ingest.KindBodyTooLarge, Path: path, Limit: s.maxBodyBytes}
	}
	return raw, nil
}

func (s *IngestService) reject(path string, err error) error {
	s.record(traffic.Rejected)
	observability.RecordRejected(path, ingest.KindOf(err).String())
	return err
}

func (s *IngestService) record(o traffic.Outcome) {
	if s.tracker != nil {
		s.tracker.Record(o)
	}
}
