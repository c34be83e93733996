package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kjstillabower/telemetry-ingest-service/internal/circuitbreaker"
	"github.com/kjstillabower/telemetry-ingest-service/internal/config"
	"github.com/kjstillabower/telemetry-ingest-service/internal/observability"
	"github.com/kjstillabower/telemetry-ingest-service/internal/schema"
	"github.com/kjstillabower/telemetry-ingest-service/internal/server"
	"github.com/kjstillabower/telemetry-ingest-service/internal/store"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	registry, err := schema.NewRegistry(cfg.Routes...)
	if err != nil {
		logger.Fatal("routes", zap.Error(err))
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.MongoConnectTimeout)
	st, err := store.Open(connectCtx, store.Options{
		Backend: cfg.StoreBackend,
		Mongo: store.MongoConfig{
			URI:            cfg.MongoURI,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: cfg.MongoConnectTimeout,
			MaxPoolSize:    cfg.MongoMaxPoolSize,
		},
		Postgres: store.PostgresConfig{
			DSN:      cfg.PostgresDSN,
			MaxConns: cfg.PostgresMaxConns,
		},
	})
	cancel()
	if err != nil {
		logger.Fatal("store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	logger.Info("store connected", zap.String("backend", st.Backend()))

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			OpenTimeout:      cfg.CircuitBreakerTimeout,
			Component:        "store",
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), float64(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues("store").Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	srv := server.New(cfg, logger, store.Guarded(st, breaker), registry)
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server", zap.Error(err))
		_ = st.Close(context.Background())
		_ = observability.FlushTelemetry(context.Background(), logger)
		os.Exit(1)
	}
	os.Exit(0)
}
