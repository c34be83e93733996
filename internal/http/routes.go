package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/telemetry-ingest-service/internal/observability"
	"github.com/kjstillabower/telemetry-ingest-service/internal/traffic"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter // nil disables rate limiting
	Tracker        *traffic.Tracker
	InFlight       *InFlightTracker
	RequestTimeout time.Duration
	AdminEnabled   bool
}

// NewRouter wires the handler's endpoints. Fixed endpoints are registered
// first; every other POST falls through to ingestion, which decides between
// a registered route and 403.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	if opts.InFlight != nil {
		router.Use(opts.InFlight.Middleware)
	}

	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")
	if opts.AdminEnabled {
		router.HandleFunc("/admin/shutdown", h.AdminShutdown).Methods("POST")
	}

	var ingest http.Handler = http.HandlerFunc(h.Ingest)
	ingest = TimeoutMiddleware(opts.RequestTimeout)(ingest)
	ingest = RateLimitMiddleware(opts.Limiter, opts.Tracker)(ingest)
	router.PathPrefix("/").Methods("POST").Handler(ingest)

	return router
}
