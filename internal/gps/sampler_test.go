package gps

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockProvider returns scripted fixes and forwards samples pushed on feed
// to watchers.
type mockProvider struct {
	fix    Sample
	fixErr error
	feed   chan Sample
	watchN int
}

func newMockProvider() *mockProvider {
	return &mockProvider{feed: make(chan Sample)}
}

func (m *mockProvider) Name() string { return "mock" }
func (m *mockProvider) Close() error { return nil }

func (m *mockProvider) CurrentFix(ctx context.Context) (Sample, error) {
	if m.fixErr != nil {
		return Sample{}, m.fixErr
	}
	return m.fix, nil
}

func (m *mockProvider) Watch(ctx context.Context, interval time.Duration) (<-chan Sample, error) {
	m.watchN++
	out := make(chan Sample)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-m.feed:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func TestSamplerLatestBeforeFix(t *testing.T) {
	s := NewSampler(newMockProvider(), time.Second)
	if _, err := s.Latest(); !errors.Is(err, ErrSampleUnavailable) {
		t.Errorf("Latest() error = %v, want ErrSampleUnavailable", err)
	}
}

func TestSamplerRefresh(t *testing.T) {
	p := newMockProvider()
	p.fix = Sample{Latitude: 37.5, Longitude: -122.3, AccuracyMeters: 5, TimestampMs: 1000}
	s := NewSampler(p, time.Second)

	got, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got.Latitude != 37.5 {
		t.Errorf("Refresh() latitude = %v, want 37.5", got.Latitude)
	}
	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.TimestampMs != 1000 {
		t.Errorf("Latest().TimestampMs = %d, want 1000", latest.TimestampMs)
	}
}

func TestSamplerRefreshFailureKeepsPrevious(t *testing.T) {
	p := newMockProvider()
	p.fix = Sample{Latitude: 1, TimestampMs: 1}
	s := NewSampler(p, time.Second)
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	p.fixErr = errors.New("no satellites")
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() should fail when the provider fails")
	}
	latest, err := s.Latest()
	if err != nil || latest.TimestampMs != 1 {
		t.Errorf("Latest() = %+v, %v; want previous sample", latest, err)
	}
}

func TestSamplerWatch(t *testing.T) {
	p := newMockProvider()
	s := NewSampler(p, time.Second)

	if err := s.StartWatching(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("StartWatching() error = %v", err)
	}
	if !s.Watching() {
		t.Error("Watching() = false after StartWatching")
	}

	p.feed <- Sample{Latitude: 10, TimestampMs: 42}

	deadline := time.Now().Add(time.Second)
	for {
		if got, err := s.Latest(); err == nil && got.TimestampMs == 42 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watched sample never became the latest")
		}
		time.Sleep(time.Millisecond)
	}

	s.StopWatching()
	s.StopWatching()
	if s.Watching() {
		t.Error("Watching() = true after StopWatching")
	}
}

func TestSamplerStartWatchingReplacesSubscription(t *testing.T) {
	p := newMockProvider()
	s := NewSampler(p, time.Second)
	defer s.StopWatching()

	for i := 0; i < 2; i++ {
		if err := s.StartWatching(context.Background(), time.Millisecond); err != nil {
			t.Fatalf("StartWatching() error = %v", err)
		}
	}
	if p.watchN != 2 {
		t.Errorf("Watch called %d times, want 2", p.watchN)
	}
}
