package gps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sampler caches the most recent fix from a Provider. The transmission
// scheduler reads Latest on every cycle and never waits for a fix.
type Sampler struct {
	provider   Provider
	fixTimeout time.Duration

	mu     sync.Mutex
	latest *Sample
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler wraps provider. fixTimeout bounds one-shot fixes
// (default 10s).
func NewSampler(provider Provider, fixTimeout time.Duration) *Sampler {
	if fixTimeout <= 0 {
		fixTimeout = 10 * time.Second
	}
	return &Sampler{provider: provider, fixTimeout: fixTimeout}
}

// Refresh requests a one-shot fix and stores it as the latest sample.
func (s *Sampler) Refresh(ctx context.Context) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fixTimeout)
	defer cancel()

	sample, err := s.provider.CurrentFix(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("gps: current fix from %s: %w", s.provider.Name(), err)
	}
	s.store(sample)
	return sample, nil
}

// StartWatching subscribes to the provider at interval, replacing any
// existing subscription.
func (s *Sampler) StartWatching(ctx context.Context, interval time.Duration) error {
	s.StopWatching()

	ctx, cancel := context.WithCancel(ctx)
	ch, err := s.provider.Watch(ctx, interval)
	if err != nil {
		cancel()
		return fmt.Errorf("gps: watch %s: %w", s.provider.Name(), err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for sample := range ch {
			s.store(sample)
		}
	}()
	slog.Info("[GPS] watching", "provider", s.provider.Name(), "interval", interval)
	return nil
}

// StopWatching cancels the subscription. Safe to call when not watching.
func (s *Sampler) StopWatching() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Watching reports whether a subscription is active.
func (s *Sampler) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Latest returns the most recent sample, or ErrSampleUnavailable.
func (s *Sampler) Latest() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Sample{}, ErrSampleUnavailable
	}
	return *s.latest, nil
}

func (s *Sampler) store(sample Sample) {
	s.mu.Lock()
	s.latest = &sample
	s.mu.Unlock()
}
