// Command sensorsim posts synthetic BME680 readings to the ingestion service,
// following the same contract as the field sensors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/telemetry-ingest-service/internal/observability"
	"github.com/kjstillabower/telemetry-ingest-service/internal/producer"
)

func main() {
	url := pflag.StringP("url", "u", "http://localhost:8080/loftBMEData", "ingestion endpoint")
	interval := pflag.DurationP("interval", "i", producer.DefaultInterval, "time between successful posts")
	retry := pflag.Duration("retry-delay", time.Second, "time between failed attempts")
	nodes := pflag.IntP("nodes", "n", 1, "number of simulated sensors")
	seed := pflag.Int64("seed", time.Now().UnixNano(), "random seed for the first sensor")
	pflag.Parse()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.FlushTelemetry(context.Background(), logger) }()

	if *nodes < 1 {
		logger.Fatal("nodes must be at least 1", zap.Int("nodes", *nodes))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sensorsim starting", zap.String("url", *url), zap.Duration("interval", *interval), zap.Int("nodes", *nodes))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *nodes; i++ {
		nodeLogger := logger.With(zap.Int("node", i))
		var last producer.Status
		p := producer.New(producer.Config{
			URL:        *url,
			Interval:   *interval,
			RetryDelay: *retry,
			OnStatus: func(s producer.Status) {
				if s != last {
					nodeLogger.Info("status", zap.Stringer("status", s))
					last = s
				}
			},
		}, producer.NewSyntheticSensor(*seed+int64(i)), nodeLogger)
		g.Go(func() error { return p.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sensorsim stopped", zap.Error(err))
		return
	}
	logger.Info("sensorsim stopped")
}
