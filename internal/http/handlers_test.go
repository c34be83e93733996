package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/telemetry-ingest-service/internal/ingest"
	"github.com/kjstillabower/telemetry-ingest-service/internal/lifecycle"
	"github.com/kjstillabower/telemetry-ingest-service/internal/schema"
	"github.com/kjstillabower/telemetry-ingest-service/internal/service"
	"github.com/kjstillabower/telemetry-ingest-service/internal/store"
	"github.com/kjstillabower/telemetry-ingest-service/internal/traffic"
	"github.com/kjstillabower/telemetry-ingest-service/internal/validation"
)

const loftPath = "/loftBMEData"

const validBody = `{"time":"2024-01-01T00:00:00Z","temperature":20.5,"pressure":1013.2,"humidity":55,"gas":12000}`

type testEnv struct {
	handler     *Handler
	router      http.Handler
	store       *store.MemoryStore
	coordinator *lifecycle.Coordinator
	tracker     *traffic.Tracker
	logs        *observer.ObservedLogs
}

type envOptions struct {
	healthConfig *HealthConfig
	limiter      *rate.Limiter
	admin        bool
	maxBody      int64
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	reg, err := schema.NewRegistry(schema.LoftBME(loftPath, "loft"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	mem := store.NewMemoryStore()
	tracker := traffic.NewTracker(time.Minute)
	coordinator := lifecycle.NewCoordinator()
	svc := service.NewIngestService(validation.New(reg, validation.Options{}), mem, tracker, opts.maxBody)
	h := NewHandler(svc, coordinator, tracker, opts.healthConfig, logger)
	router := NewRouter(h, RouterOptions{
		Logger:       logger,
		Limiter:      opts.limiter,
		Tracker:      tracker,
		InFlight:     &InFlightTracker{},
		AdminEnabled: opts.admin,
	})
	return &testEnv{handler: h, router: router, store: mem, coordinator: coordinator, tracker: tracker, logs: logs}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// TestIngest_ValidReadingStored verifies a well-formed reading is stored with
// floats and an integer gas value, and answered with 200 OK.
func TestIngest_ValidReadingStored(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do("POST", loftPath, validBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != textContentType {
		t.Errorf("Content-Type = %q, want %q", ct, textContentType)
	}
	docs := env.store.Documents("loft")
	if len(docs) != 1 {
		t.Fatalf("stored %d docs, want 1", len(docs))
	}
	doc := docs[0]
	if doc["temperature"] != 20.5 || doc["pressure"] != 1013.2 || doc["humidity"] != 55.0 {
		t.Errorf("float fields = %v/%v/%v", doc["temperature"], doc["pressure"], doc["humidity"])
	}
	if doc["gas"] != int64(12000) {
		t.Errorf("gas = %v (%T), want int64 12000", doc["gas"], doc["gas"])
	}
	if len(env.logs.FilterMessage("reading stored").FilterLevelExact(zapcore.DebugLevel).All()) != 1 {
		t.Error("expected one debug 'reading stored' entry")
	}
}

// TestIngest_PressureOutOfRange verifies the bound violation is reported and nothing is stored.
func TestIngest_PressureOutOfRange(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := strings.Replace(validBody, `"pressure":1013.2`, `"pressure":1500`, 1)

	w := env.do("POST", loftPath, body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	got := w.Body.String()
	if !strings.Contains(got, "pressure") || !strings.Contains(got, "1100") || !strings.Contains(got, "1500") {
		t.Errorf("body = %q, want pressure bound and value", got)
	}
	if env.store.Count("loft") != 0 {
		t.Error("out-of-range reading must not be stored")
	}
	entries := env.logs.FilterMessage("reading rejected").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("want one warn 'reading rejected', got %d", len(entries))
	}
	if entries[0].ContextMap()["kind"] != "out_of_range" {
		t.Errorf("kind = %v, want out_of_range", entries[0].ContextMap()["kind"])
	}
}

// TestIngest_MissingGas verifies the missing field is named.
func TestIngest_MissingGas(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := `{"time":"2024-01-01T00:00:00Z","temperature":20.5,"pressure":1013.2,"humidity":55}`

	w := env.do("POST", loftPath, body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Missing field(s): gas") {
		t.Errorf("body = %q, want gas named as missing", w.Body.String())
	}
	if env.store.Count("loft") != 0 {
		t.Error("incomplete reading must not be stored")
	}
}

// TestIngest_StoreFailure verifies a failing store yields 500 and an error log.
func TestIngest_StoreFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.store.FailWith(errors.New("server selection timeout"))

	w := env.do("POST", loftPath, validBody)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "server selection timeout") {
		t.Errorf("body %q leaks the driver error", w.Body.String())
	}
	env.store.FailWith(nil)
	if env.store.Count("loft") != 0 {
		t.Error("nothing should be stored when the store fails")
	}
	entries := env.logs.FilterMessage("reading not stored").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("want one error-level 'reading not stored', got %d", len(entries))
	}
	if entries[0].ContextMap()["kind"] != "store_error" {
		t.Errorf("kind = %v, want store_error", entries[0].ContextMap()["kind"])
	}
}

// TestIngest_UnknownPathForbidden verifies 403 for unregistered paths regardless of body.
func TestIngest_UnknownPathForbidden(t *testing.T) {
	bodies := []string{validBody, "", "not json", `{"a":1}`}
	for _, body := range bodies {
		env := newTestEnv(t, envOptions{})
		w := env.do("POST", "/garageData", body)
		if w.Code != http.StatusForbidden {
			t.Errorf("body %q: status = %d, want 403", body, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"/garageData" not allowed`) {
			t.Errorf("body %q: response = %q", body, w.Body.String())
		}
	}
}

// TestIngest_DuplicatePostsStoredTwice verifies there is no deduplication.
func TestIngest_DuplicatePostsStoredTwice(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for i := 0; i < 2; i++ {
		if w := env.do("POST", loftPath, validBody); w.Code != http.StatusOK {
			t.Fatalf("POST #%d status = %d", i, w.Code)
		}
	}
	if got := env.store.Count("loft"); got != 2 {
		t.Errorf("Count(loft) = %d, want 2", got)
	}
}

// TestIngest_BodyTooLarge verifies oversized bodies are refused with 413.
func TestIngest_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, envOptions{maxBody: 16})

	w := env.do("POST", loftPath, validBody)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if env.store.Count("loft") != 0 {
		t.Error("oversized body must not be stored")
	}
}

// TestIngest_GetNotAllowed verifies ingestion only answers POST.
func TestIngest_GetNotAllowed(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do("GET", loftPath, "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind ingest.Kind
		want int
	}{
		{ingest.KindUnknownRoute, http.StatusForbidden},
		{ingest.KindMalformedBody, http.StatusBadRequest},
		{ingest.KindMissingFields, http.StatusBadRequest},
		{ingest.KindTypeMismatch, http.StatusBadRequest},
		{ingest.KindBadTimestamp, http.StatusBadRequest},
		{ingest.KindOutOfRange, http.StatusBadRequest},
		{ingest.KindBodyTooLarge, http.StatusRequestEntityTooLarge},
		{ingest.KindStoreError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return resp
}

func TestHandler_GetHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{healthConfig: &HealthConfig{StartTime: time.Now()}})

	w := env.do("GET", "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decodeHealth(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if resp["service"] != "telemetry-ingest-service" {
		t.Errorf("service = %v", resp["service"])
	}
	checks, _ := resp["checks"].(map[string]interface{})
	if checks["store"] != "healthy" {
		t.Errorf("checks.store = %v, want healthy", checks["store"])
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.coordinator.Trigger("signal terminated")

	w := env.do("GET", "/health", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	resp := decodeHealth(t, w)
	if resp["status"] != "shutting-down" {
		t.Errorf("status = %v, want shutting-down", resp["status"])
	}
	if resp["reason"] != "signal terminated" {
		t.Errorf("reason = %v, want signal terminated", resp["reason"])
	}
}

func TestHandler_GetHealth_StoreUnreachable(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.store.FailWith(errors.New("down"))

	w := env.do("GET", "/health", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	resp := decodeHealth(t, w)
	if resp["status"] != "degraded" || resp["reason"] != "store_unreachable" {
		t.Errorf("status/reason = %v/%v, want degraded/store_unreachable", resp["status"], resp["reason"])
	}
}

func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	env := newTestEnv(t, envOptions{healthConfig: &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}})
	env.tracker.Record(traffic.Stored)
	env.tracker.Record(traffic.StoreFailed)
	env.tracker.Record(traffic.Rejected)

	w := env.do("GET", "/health", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if resp := decodeHealth(t, w); resp["reason"] != "error_rate_breach" {
		t.Errorf("reason = %v, want error_rate_breach", resp["reason"])
	}
}

func TestHandler_GetHealth_NotDegraded_BelowErrorThreshold(t *testing.T) {
	env := newTestEnv(t, envOptions{healthConfig: &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}})
	env.tracker.Record(traffic.Stored)
	env.tracker.Record(traffic.Stored)
	env.tracker.Record(traffic.StoreFailed)
	for i := 0; i < 10; i++ {
		env.tracker.Record(traffic.Rejected)
	}

	if w := env.do("GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandler_GetHealth_Overloaded(t *testing.T) {
	env := newTestEnv(t, envOptions{healthConfig: &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 10,
		RateLimitRPS:         1,
	}})
	for i := 0; i < 7; i++ {
		env.tracker.Record(traffic.Denied)
	}

	w := env.do("GET", "/health", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if resp := decodeHealth(t, w); resp["status"] != "overloaded" {
		t.Errorf("status = %v, want overloaded", resp["status"])
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do("GET", "/health", "")
	env.store.FailWith(errors.New("down"))
	env.do("GET", "/health", "")

	entries := env.logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("got %d transition entries, want 1", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["previous_status"] != "healthy" || ctx["current_status"] != "degraded" {
		t.Errorf("transition = %v -> %v", ctx["previous_status"], ctx["current_status"])
	}
}

func TestHandler_AdminShutdown(t *testing.T) {
	env := newTestEnv(t, envOptions{admin: true})

	w := env.do("POST", "/admin/shutdown", "")

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if w.Body.String() != "shutting down" {
		t.Errorf("body = %q", w.Body.String())
	}
	if !env.coordinator.Triggered() || env.coordinator.Reason() != "admin" {
		t.Errorf("coordinator triggered=%v reason=%q", env.coordinator.Triggered(), env.coordinator.Reason())
	}

	if w := env.do("POST", "/admin/shutdown", ""); w.Code != http.StatusAccepted {
		t.Errorf("second call status = %d, want 202", w.Code)
	}
	if n := len(env.logs.FilterMessage("shutdown requested via admin endpoint").All()); n != 1 {
		t.Errorf("logged %d shutdown requests, want 1", n)
	}
}

func TestHandler_AdminShutdown_DisabledIsUnknownRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do("POST", "/admin/shutdown", "")

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if env.coordinator.Triggered() {
		t.Error("coordinator must not be triggered when admin is disabled")
	}
}
