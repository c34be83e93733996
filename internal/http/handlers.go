package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/telemetry-ingest-service/internal/ingest"
	"github.com/kjstillabower/telemetry-ingest-service/internal/lifecycle"
	"github.com/kjstillabower/telemetry-ingest-service/internal/observability"
	"github.com/kjstillabower/telemetry-ingest-service/internal/service"
	"github.com/kjstillabower/telemetry-ingest-service/internal/traffic"
)

const textContentType = "text/plain; charset=utf-8"

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	PingTimeout          time.Duration
	StartTime            time.Time
}

// Handler holds dependencies for HTTP handlers. Nothing here is global; each
// server builds its own.
type Handler struct {
	ingest           *service.IngestService
	coordinator      *lifecycle.Coordinator
	tracker          *traffic.Tracker
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker and healthConfig may be nil.
func NewHandler(
	ingestService *service.IngestService,
	coordinator *lifecycle.Coordinator,
	tracker *traffic.Tracker,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ingest:       ingestService,
		coordinator:  coordinator,
		tracker:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// requestLogger returns the correlation-scoped logger when present.
func (h *Handler) requestLogger(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return h.logger
}

// Ingest handles POST to any path. Exactly one response is written: 200 "OK"
// once the reading is stored, otherwise the mapped status and the error text.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	path := r.URL.Path

	reading, err := h.ingest.Ingest(r.Context(), path, r.Body)
	if err != nil {
		h.writeIngestError(w, logger, path, err)
		return
	}
	logger.Debug("reading stored",
		zap.String("path", path),
		zap.String("collection", reading.Collection),
		zap.Time("readingTime", reading.Time))
	writeText(w, http.StatusOK, "OK")
}

// StatusFor maps an ingestion failure kind to its HTTP status.
func StatusFor(kind ingest.Kind) int {
	switch kind {
	case ingest.KindUnknownRoute:
		return http.StatusForbidden
	case ingest.KindMalformedBody, ingest.KindMissingFields, ingest.KindTypeMismatch,
		ingest.KindBadTimestamp, ingest.KindOutOfRange:
		return http.StatusBadRequest
	case ingest.KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeIngestError logs the failure at the severity its kind warrants and
// writes the plain-text diagnostic.
func (h *Handler) writeIngestError(w http.ResponseWriter, logger *zap.Logger, path string, err error) {
	var ie *ingest.Error
	if !errors.As(err, &ie) {
		ie = &ingest.Error{Kind: ingest.KindStoreError, Path: path, Err: err}
	}
	status := StatusFor(ie.Kind)
	fields := []zap.Field{
		zap.String("path", path),
		zap.String("kind", ie.Kind.String()),
		zap.Int("status", status),
	}
	if ie.Field != "" {
		fields = append(fields, zap.String("field", ie.Field))
	}
	if len(ie.Missing) > 0 {
		fields = append(fields, zap.Strings("missing", ie.Missing))
	}
	if len(ie.Violations) > 0 {
		violations := make([]string, len(ie.Violations))
		for i, v := range ie.Violations {
			violations[i] = v.String()
		}
		fields = append(fields, zap.Strings("violations", violations))
	}

	if ie.Kind == ingest.KindStoreError {
		logger.Error("reading not stored", append(fields, zap.Error(ie.Err))...)
	} else {
		logger.Warn("reading rejected", append(fields, zap.String("reason", ie.Error()))...)
	}
	writeText(w, status, ie.Error())
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, storeErr := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"store": "healthy"}
	if storeErr != nil {
		checks["store"] = "unhealthy"
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptime"] = time.Since(h.healthConfig.StartTime).Truncate(time.Second).String()
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > store unreachable > overloaded > store error rate > healthy.
// The store ping error is returned for the checks map; it is nil when the ping
// was skipped or succeeded.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, error) {
	if h.coordinator != nil && h.coordinator.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, h.coordinator.Reason()}, nil
	}

	pingCtx := ctx
	if h.healthConfig != nil && h.healthConfig.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, h.healthConfig.PingTimeout)
		defer cancel()
	}
	if err := h.ingest.Ping(pingCtx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}, err
	}
	if h.healthConfig == nil || h.tracker == nil {
		return healthResult{"healthy", http.StatusOK, ""}, nil
	}

	if h.healthConfig.OverloadWindow > 0 && h.healthConfig.RateLimitRPS > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(h.tracker.Counts(h.healthConfig.OverloadWindow).Denied) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}, nil
		}
	}

	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		failed, attempts := h.tracker.StoreErrorRate(h.healthConfig.DegradedWindow)
		if attempts > 0 {
			pct := float64(failed) * 100 / float64(attempts)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}, nil
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}, nil
}

// AdminShutdown handles POST /admin/shutdown. It triggers the same coordinator
// as SIGTERM; the response is written before the listener closes.
func (h *Handler) AdminShutdown(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<10))
	if h.coordinator == nil {
		writeText(w, http.StatusServiceUnavailable, "shutdown not available")
		return
	}
	if h.coordinator.Trigger("admin") {
		h.requestLogger(r).Info("shutdown requested via admin endpoint")
	}
	writeText(w, http.StatusAccepted, "shutting down")
}

// writeText writes a plain-text response with the specified HTTP status code.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", textContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
