package producer

import (
	"context"
	"math/rand"
	"sync"
)

// Sample is one sensor reading, before a timestamp is attached.
type Sample struct {
	Temperature float64 // C
	Pressure    float64 // hPa
	Humidity    float64 // %
	Gas         int64   // Ohms
}

// Sensor produces samples. Read may block while the sensor settles.
type Sensor interface {
	Read(ctx context.Context) (Sample, error)
}

// SyntheticSensor random-walks a BME680-like environment. Values stay inside
// the operational ranges the ingestion service enforces.
type SyntheticSensor struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last Sample
}

// NewSyntheticSensor returns a sensor seeded with seed, starting from a
// typical indoor reading.
func NewSyntheticSensor(seed int64) *SyntheticSensor {
	return &SyntheticSensor{
		rng:  rand.New(rand.NewSource(seed)),
		last: Sample{Temperature: 19.5, Pressure: 1013.25, Humidity: 48, Gas: 12000},
	}
}

// Read implements Sensor.
func (s *SyntheticSensor) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last.Temperature = walk(s.rng, s.last.Temperature, 0.5, -40, 85)
	s.last.Pressure = walk(s.rng, s.last.Pressure, 0.8, 300, 1100)
	s.last.Humidity = walk(s.rng, s.last.Humidity, 1.5, 0, 100)
	s.last.Gas = int64(walk(s.rng, float64(s.last.Gas), 400, 1000, 500000))
	return s.last, nil
}

// walk moves v by at most step in either direction, clamped to [lo, hi].
func walk(rng *rand.Rand, v, step, lo, hi float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
