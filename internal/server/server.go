// Package server owns the listener and the ordered shutdown of everything
// behind it: stop accepting, drain in-flight requests, close the store,
// flush logs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/telemetry-ingest-service/internal/config"
	httphandler "github.com/kjstillabower/telemetry-ingest-service/internal/http"
	"github.com/kjstillabower/telemetry-ingest-service/internal/lifecycle"
	"github.com/kjstillabower/telemetry-ingest-service/internal/observability"
	"github.com/kjstillabower/telemetry-ingest-service/internal/schema"
	"github.com/kjstillabower/telemetry-ingest-service/internal/service"
	"github.com/kjstillabower/telemetry-ingest-service/internal/store"
	"github.com/kjstillabower/telemetry-ingest-service/internal/traffic"
	"github.com/kjstillabower/telemetry-ingest-service/internal/validation"
)

// Server is one ingestion endpoint bound to a store. Construct with New; Run
// may be called once.
type Server struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       store.Store
	registry    *schema.Registry
	coordinator *lifecycle.Coordinator
	inFlight    *httphandler.InFlightTracker
	tracker     *traffic.Tracker
	handler     http.Handler

	ready chan struct{}
	addr  net.Addr
}

// New wires the handler stack. The store must already be connected; the
// server takes ownership and closes it during shutdown.
func New(cfg *config.Config, logger *zap.Logger, st store.Store, registry *schema.Registry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	observability.SetTrackedRoutes(registry.Paths())

	tracker := traffic.NewTracker(maxDuration(cfg.DegradedWindow, cfg.OverloadWindow))
	coordinator := lifecycle.NewCoordinator()
	inFlight := &httphandler.InFlightTracker{}

	validator := validation.New(registry, validation.Options{NormalizeSingleQuotes: cfg.NormalizeSingleQuotes})
	ingestService := service.NewIngestService(validator, st, tracker, cfg.MaxBodyBytes)
	h := httphandler.NewHandler(ingestService, coordinator, tracker, &httphandler.HealthConfig{
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		PingTimeout:          cfg.HealthPingTimeout,
		StartTime:            time.Now(),
	}, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(h, httphandler.RouterOptions{
		Logger:         logger,
		Limiter:        limiter,
		Tracker:        tracker,
		InFlight:       inFlight,
		RequestTimeout: cfg.RequestTimeout,
		AdminEnabled:   cfg.AdminEnabled,
	})

	return &Server{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		registry:    registry,
		coordinator: coordinator,
		inFlight:    inFlight,
		tracker:     tracker,
		handler:     router,
		ready:       make(chan struct{}),
	}
}

// Coordinator returns the shutdown coordinator. Triggering it stops Run.
func (s *Server) Coordinator() *lifecycle.Coordinator {
	return s.coordinator
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Run binds the listener and serves until SIGINT, SIGTERM, SIGHUP, the admin
// endpoint, ctx cancellation or a serve failure triggers shutdown. It returns
// nil after a clean shutdown; bind and serve failures are returned. Shutdown
// hook failures are logged, not returned, so a signal always ends in success.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	stopSignals := lifecycle.NotifySignals(s.coordinator, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stopSignals()

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.logger.Named("http")),
	}
	s.registerShutdownHooks(srv)

	s.addr = ln.Addr()
	close(s.ready)
	s.logger.Info("server starting",
		zap.String("addr", ln.Addr().String()),
		zap.String("store", s.store.Backend()),
		zap.Strings("routes", s.registry.Paths()),
		zap.Strings("collections", s.registry.Collections()),
		zap.Bool("admin", s.cfg.AdminEnabled))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	var runErr error
	select {
	case <-s.coordinator.Done():
	case <-ctx.Done():
		s.coordinator.Trigger("context canceled")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
		s.coordinator.Trigger("serve stopped")
	}
	s.logger.Info("graceful shutdown triggered", zap.String("reason", s.coordinator.Reason()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationOr(s.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := s.coordinator.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// registerShutdownHooks installs the teardown sequence on the coordinator.
func (s *Server) registerShutdownHooks(srv *http.Server) {
	s.coordinator.OnShutdown("http", func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return err
		}
		return nil
	})
	s.coordinator.OnShutdown("inflight", func(ctx context.Context) error {
		remaining := s.inFlight.Count()
		if remaining == 0 {
			return nil
		}
		s.logger.Info("waiting for in-flight requests", zap.Int64("count", remaining))
		waitCtx, cancel := context.WithTimeout(ctx, durationOr(s.cfg.ShutdownInFlightTimeout, 5*time.Second))
		defer cancel()
		if err := s.inFlight.WaitForZero(waitCtx, s.cfg.ShutdownInFlightCheckInterval); err != nil {
			s.logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", s.inFlight.Count()))
		}
		return nil
	})
	s.coordinator.OnShutdown("store", func(ctx context.Context) error {
		return s.store.Close(ctx)
	})
	s.coordinator.OnShutdown("telemetry", func(ctx context.Context) error {
		s.logger.Info("shutdown complete")
		return observability.FlushTelemetry(ctx, s.logger)
	})
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
