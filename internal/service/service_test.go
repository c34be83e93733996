package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/telemetry-ingest-service/internal/ingest"
	"github.com/kjstillabower/telemetry-ingest-service/internal/schema"
	"github.com/kjstillabower/telemetry-ingest-service/internal/store"
	"github.com/kjstillabower/telemetry-ingest-service/internal/traffic"
	"github.com/kjstillabower/telemetry-ingest-service/internal/validation"
)

const loftPath = "/loftBMEData"

const validBody = `{"time":"2024-01-01T00:00:00Z","temperature":20.5,"pressure":1013.2,"humidity":55,"gas":12000}`

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type panicReader struct{ t *testing.T }

func (r panicReader) Read([]byte) (int, error) {
	r.t.Fatal("body must not be read for an unknown route")
	return 0, io.EOF
}

func newTestService(t *testing.T, maxBody int64) (*IngestService, *store.MemoryStore, *traffic.Tracker) {
	t.Helper()
	reg, err := schema.NewRegistry(schema.LoftBME(loftPath, "loft"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	mem := store.NewMemoryStore()
	tracker := traffic.NewTracker(time.Minute)
	return NewIngestService(validation.New(reg, validation.Options{}), mem, tracker, maxBody), mem, tracker
}

func kindOf(t *testing.T, err error) ingest.Kind {
	t.Helper()
	var ie *ingest.Error
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v (%T), want *ingest.Error", err, err)
	}
	return ie.Kind
}

func TestIngest_StoresValidReading(t *testing.T) {
	svc, mem, tracker := newTestService(t, 0)

	r, err := svc.Ingest(context.Background(), loftPath, strings.NewReader(validBody))
	if err != nil {
		t.Fatalf("Ingest() err = %v", err)
	}
	if r.Collection != "loft" {
		t.Errorf("Collection = %q, want loft", r.Collection)
	}
	if mem.Count("loft") != 1 {
		t.Fatalf("Count(loft) = %d, want 1", mem.Count("loft"))
	}
	doc := mem.Documents("loft")[0]
	if doc["temperature"] != 20.5 || doc["gas"] != int64(12000) {
		t.Errorf("stored doc = %v", doc)
	}
	if got, ok := doc["time"].(time.Time); !ok || !got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("stored time = %v, want 2024-01-01T00:00:00Z", doc["time"])
	}
	if c := tracker.Counts(time.Minute); c.Stored != 1 {
		t.Errorf("tracker Stored = %d, want 1", c.Stored)
	}
}

func TestIngest_DuplicatesAreStoredTwice(t *testing.T) {
	svc, mem, _ := newTestService(t, 0)
	for i := 0; i < 2; i++ {
		if _, err := svc.Ingest(context.Background(), loftPath, strings.NewReader(validBody)); err != nil {
			t.Fatalf("Ingest() #%d err = %v", i, err)
		}
	}
	if mem.Count("loft") != 2 {
		t.Errorf("Count(loft) = %d, want 2", mem.Count("loft"))
	}
}

func TestIngest_UnknownRouteSkipsBody(t *testing.T) {
	svc, mem, tracker := newTestService(t, 0)

	_, err := svc.Ingest(context.Background(), "/garageData", panicReader{t})
	if got := kindOf(t, err); got != ingest.KindUnknownRoute {
		t.Errorf("Kind = %v, want unknown_route", got)
	}
	if mem.Count("loft") != 0 {
		t.Error("nothing should be stored for an unknown route")
	}
	if c := tracker.Counts(time.Minute); c.Rejected != 1 {
		t.Errorf("tracker Rejected = %d, want 1", c.Rejected)
	}
}

func TestIngest_ValidationFailuresStoreNothing(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ingest.Kind
	}{
		{"malformed", `{"time":`, ingest.KindMalformedBody},
		{"missing", `{"time":"2024-01-01T00:00:00Z"}`, ingest.KindMissingFields},
		{"type mismatch", `{"time":"2024-01-01T00:00:00Z","temperature":"warm","pressure":1013.2,"humidity":55,"gas":12000}`, ingest.KindTypeMismatch},
		{"bad timestamp", `{"time":"yesterday","temperature":20.5,"pressure":1013.2,"humidity":55,"gas":12000}`, ingest.KindBadTimestamp},
		{"out of range", `{"time":"2024-01-01T00:00:00Z","temperature":120,"pressure":1013.2,"humidity":55,"gas":12000}`, ingest.KindOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mem, _ := newTestService(t, 0)
			_, err := svc.Ingest(context.Background(), loftPath, strings.NewReader(tt.body))
			if got := kindOf(t, err); got != tt.want {
				t.Errorf("Kind = %v, want %v", got, tt.want)
			}
			if mem.Count("loft") != 0 {
				t.Error("rejected reading must not be stored")
			}
		})
	}
}

func TestIngest_BodyLimit(t *testing.T) {
	limit := int64(len(validBody))

	svc, mem, _ := newTestService(t, limit)
	if _, err := svc.Ingest(context.Background(), loftPath, strings.NewReader(validBody)); err != nil {
		t.Fatalf("body at exactly the limit: err = %v", err)
	}
	if mem.Count("loft") != 1 {
		t.Errorf("Count(loft) = %d, want 1", mem.Count("loft"))
	}

	svc, mem, _ = newTestService(t, limit-1)
	_, err := svc.Ingest(context.Background(), loftPath, strings.NewReader(validBody))
	if got := kindOf(t, err); got != ingest.KindBodyTooLarge {
		t.Errorf("Kind = %v, want body_too_large", got)
	}
	var ie *ingest.Error
	errors.As(err, &ie)
	if ie.Limit != limit-1 {
		t.Errorf("Limit = %d, want %d", ie.Limit, limit-1)
	}
	if mem.Count("loft") != 0 {
		t.Error("oversized body must not be stored")
	}
}

func TestIngest_ReadError(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	_, err := svc.Ingest(context.Background(), loftPath, errReader{errors.New("connection reset")})
	if got := kindOf(t, err); got != ingest.KindMalformedBody {
		t.Errorf("Kind = %v, want malformed_body", got)
	}
}

func TestIngest_StoreFailure(t *testing.T) {
	svc, mem, tracker := newTestService(t, 0)
	cause := errors.New("no reachable servers")
	mem.FailWith(cause)

	_, err := svc.Ingest(context.Background(), loftPath, strings.NewReader(validBody))
	if got := kindOf(t, err); got != ingest.KindStoreError {
		t.Fatalf("Kind = %v, want store_error", got)
	}
	if !errors.Is(err, cause) {
		t.Error("store error should wrap the driver cause")
	}
	if strings.Contains(err.Error(), "no reachable servers") {
		t.Errorf("Error() = %q leaks driver detail", err.Error())
	}
	failed, attempts := tracker.StoreErrorRate(time.Minute)
	if failed != 1 || attempts != 1 {
		t.Errorf("StoreErrorRate() = (%d, %d), want (1, 1)", failed, attempts)
	}
}

func TestIngest_LogsFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := context.WithValue(context.Background(), "logger", zap.New(core))
	svc, _, _ := newTestService(t, 0)

	if _, err := svc.Ingest(ctx, loftPath, strings.NewReader(validBody)); err != nil {
		t.Fatalf("Ingest() err = %v", err)
	}
	entries := logs.FilterMessage("reading persisted").All()
	if len(entries) != 1 {
		t.Fatalf("got %d 'reading persisted' entries, want 1", len(entries))
	}
	if entries[0].ContextMap()["collection"] != "loft" {
		t.Errorf("collection field = %v, want loft", entries[0].ContextMap()["collection"])
	}
}

func TestPing(t *testing.T) {
	svc, mem, _ := newTestService(t, 0)
	if err := svc.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
	mem.FailWith(errors.New("down"))
	if err := svc.Ping(context.Background()); err == nil {
		t.Error("Ping() = nil, want error")
	}
}
