// Package producer is the sensor side of the ingestion contract: read, stamp
// with UTC time, POST as JSON, and keep going whatever the server says.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/telemetry-ingest-service/internal/schema"
)

// DefaultInterval is the reporting cadence. The BME680 needs about 10.8s to
// refresh every value, so anything shorter repeats readings.
const DefaultInterval = 15 * time.Second

// Status is the producer's health indicator, the equivalent of a status LED.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusFailing
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// StatusError is returned by Post when the server answers with anything but 200.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest returned %d: %s", e.Code, e.Body)
}

// Config configures a Producer.
type Config struct {
	URL        string        // full ingestion URL, e.g. http://host:8080/loftBMEData
	Interval   time.Duration // between successful posts; DefaultInterval if 0
	RetryDelay time.Duration // after a failed post; constant, no backoff; 1s if 0
	Timeout    time.Duration // per POST; 10s if 0
	Client     *http.Client
	OnStatus   func(Status) // called after every attempt
	now        func() time.Time
}

// Producer posts sensor samples to the ingestion service forever.
type Producer struct {
	cfg    Config
	sensor Sensor
	logger *zap.Logger
}

// New returns a Producer reading from sensor.
func New(cfg Config, sensor Sensor, logger *zap.Logger) *Producer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{cfg: cfg, sensor: sensor, logger: logger}
}

// FormatTime renders t the way the ingestion service requires: UTC, whole
// seconds, literal Z.
func FormatTime(t time.Time) string {
	return t.UTC().Format(schema.TimeLayout)
}

// Payload builds the JSON document for one sample taken at t.
func Payload(s Sample, t time.Time) map[string]any {
	return map[string]any{
		"time":        FormatTime(t),
		"temperature": s.Temperature,
		"pressure":    s.Pressure,
		"humidity":    s.Humidity,
		"gas":         s.Gas,
	}
}

// Run reads and posts until ctx is done. Failures never stop the loop; the
// next attempt follows after RetryDelay. Returns ctx.Err().
func (p *Producer) Run(ctx context.Context) error {
	for {
		wait := p.cfg.Interval
		if err := p.Once(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("post failed, retrying", zap.Error(err), zap.Duration("retry_in", p.cfg.RetryDelay))
			wait = p.cfg.RetryDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Once takes one sample and posts it, reporting the outcome through OnStatus.
func (p *Producer) Once(ctx context.Context) error {
	sample, err := p.sensor.Read(ctx)
	if err != nil {
		p.report(StatusFailing)
		return fmt.Errorf("read sensor: %w", err)
	}
	now := p.cfg.now()
	p.logger.Debug("sample",
		zap.String("time", FormatTime(now)),
		zap.Float64("temperature", sample.Temperature),
		zap.Float64("humidity", sample.Humidity),
		zap.Float64("pressure", sample.Pressure),
		zap.Int64("gas", sample.Gas))

	if err := p.Post(ctx, Payload(sample, now)); err != nil {
		p.report(StatusFailing)
		return err
	}
	p.report(StatusOK)
	return nil
}

// Post sends one JSON document. Any status other than 200 is a *StatusError.
func (p *Producer) Post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.New().String())

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", p.cfg.URL, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	return nil
}

func (p *Producer) report(s Status) {
	if p.cfg.OnStatus != nil {
		p.cfg.OnStatus(s)
	}
}
