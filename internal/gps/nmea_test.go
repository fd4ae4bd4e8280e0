package gps

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"
)

const (
	ggaFix    = "$GPGGA,123519.00,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*69"
	rmcFix    = "$GPRMC,123519.00,A,4807.038,N,01131.000,E,022.4,084.4,230324,003.1,W*4F"
	rmcVoid   = "$GPRMC,123520.00,V,4807.038,N,01131.000,E,022.4,084.4,230324,003.1,W*52"
	rmcSouthW = "$GNRMC,123521.00,A,4807.038,S,01131.000,W,000.0,084.4,230324,003.1,W*51"
)

func newTestNMEA(lines ...string) *NMEAProvider {
	src := io.NopCloser(strings.NewReader(strings.Join(lines, "\r\n") + "\r\n"))
	return NewNMEAProvider("test", src)
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestNMEAProviderRMCWithGGA(t *testing.T) {
	p := newTestNMEA(ggaFix, rmcFix)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := p.CurrentFix(ctx)
	if err != nil {
		t.Fatalf("CurrentFix() error = %v", err)
	}

	if !approx(s.Latitude, 48.1173) {
		t.Errorf("Latitude = %v, want 48.1173", s.Latitude)
	}
	if !approx(s.Longitude, 11.0+31.0/60.0) {
		t.Errorf("Longitude = %v, want %v", s.Longitude, 11.0+31.0/60.0)
	}
	if !approx(s.AccuracyMeters, 4.5) {
		t.Errorf("AccuracyMeters = %v, want 4.5 (HDOP 0.9 x 5)", s.AccuracyMeters)
	}
	if s.AltitudeMeters == nil || !approx(*s.AltitudeMeters, 545.4) {
		t.Errorf("AltitudeMeters = %v, want 545.4", s.AltitudeMeters)
	}
	if s.SpeedMps == nil || !approx(*s.SpeedMps, 22.4*knotsToMps) {
		t.Errorf("SpeedMps = %v, want %v", s.SpeedMps, 22.4*knotsToMps)
	}
	want := time.Date(2024, time.March, 23, 12, 35, 19, 0, time.UTC).UnixMilli()
	if s.TimestampMs != want {
		t.Errorf("TimestampMs = %d, want %d", s.TimestampMs, want)
	}
}

func TestNMEAProviderWithoutGGA(t *testing.T) {
	p := newTestNMEA(rmcSouthW)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := p.CurrentFix(ctx)
	if err != nil {
		t.Fatalf("CurrentFix() error = %v", err)
	}
	if s.Latitude >= 0 || s.Longitude >= 0 {
		t.Errorf("position = (%v, %v), want southern and western hemisphere", s.Latitude, s.Longitude)
	}
	if s.AltitudeMeters != nil {
		t.Errorf("AltitudeMeters = %v, want nil without GGA", *s.AltitudeMeters)
	}
	if s.AccuracyMeters != defaultAccuracyMeters {
		t.Errorf("AccuracyMeters = %v, want %v", s.AccuracyMeters, defaultAccuracyMeters)
	}
}

func TestNMEAProviderIgnoresVoidAndGarbage(t *testing.T) {
	p := newTestNMEA("garbage", "$GPRMC,bad*00", rmcVoid)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.CurrentFix(ctx)
	if err == nil {
		t.Fatal("CurrentFix() should fail when the stream ends without a valid fix")
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("CurrentFix() error = %v, want wrapped io.EOF", err)
	}
}

func TestNMEAProviderCurrentFixHonorsContext(t *testing.T) {
	r, w := io.Pipe()
	p := NewNMEAProvider("pipe", r)
	defer func() {
		w.Close()
		p.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.CurrentFix(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CurrentFix() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNMEAProviderCloseIsIdempotent(t *testing.T) {
	p := newTestNMEA(rmcFix)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
