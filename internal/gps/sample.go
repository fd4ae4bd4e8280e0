// Package gps produces timestamped coordinate samples from a positioning
// provider: a serial NMEA receiver or a simulated track.
package gps

import (
	"context"
	"errors"
	"time"
)

// ErrSampleUnavailable is returned when no position fix has been obtained yet.
var ErrSampleUnavailable = errors.New("gps: no sample available")

// Sample is a single position fix. Altitude and speed are nil when the
// receiver did not report them; nil is distinct from zero.
type Sample struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	AltitudeMeters *float64
	SpeedMps       *float64
	TimestampMs    int64
}

// Float returns a pointer to v, for the optional Sample fields.
func Float(v float64) *float64 {
	return &v
}

// Provider is the positioning capability consumed by the Sampler.
type Provider interface {
	// Name describes the provider for logs.
	Name() string
	// CurrentFix returns a single fix. It may fail, and it returns
	// ctx.Err() if ctx ends before a fix is available.
	CurrentFix(ctx context.Context) (Sample, error)
	// Watch delivers a fix roughly every interval until ctx is cancelled,
	// then closes the channel.
	Watch(ctx context.Context, interval time.Duration) (<-chan Sample, error)
	// Close releases the underlying device.
	Close() error
}
