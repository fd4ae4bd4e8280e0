package gps

import (
	"context"
	"math"
	"sync"
	"time"
)

// DemoProvider generates a simulated track circling a fixed point, for
// running without a receiver.
type DemoProvider struct {
	CenterLat float64
	CenterLon float64
	// Radius of the circle in degrees.
	Radius float64

	now func() time.Time

	mu   sync.Mutex
	step int
}

// NewDemoProvider returns a provider circling Toronto at roughly 500 m.
func NewDemoProvider() *DemoProvider {
	return &DemoProvider{
		CenterLat: 43.6532,
		CenterLon: -79.3832,
		Radius:    0.005,
		now:       time.Now,
	}
}

func (d *DemoProvider) Name() string { return "Demo GPS (Simulated)" }
func (d *DemoProvider) Close() error { return nil }

func (d *DemoProvider) CurrentFix(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	s, _ := d.next()
	return s, nil
}

func (d *DemoProvider) Watch(ctx context.Context, interval time.Duration) (<-chan Sample, error) {
	return watchFixes(ctx, interval, d.next), nil
}

func (d *DemoProvider) next() (Sample, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.step++
	t := float64(d.step) * 0.1

	return Sample{
		Latitude:       d.CenterLat + d.Radius*math.Sin(t),
		Longitude:      d.CenterLon + d.Radius*math.Cos(t),
		AccuracyMeters: 4,
		AltitudeMeters: Float(76),
		SpeedMps:       Float(13.9),
		TimestampMs:    d.now().UnixMilli(),
	}, true
}
