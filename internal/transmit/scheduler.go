// Package transmit drives the periodic sample, encode and send cycle
// through whichever BLE session is active.
package transmit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gps-relay/internal/ble/protocol"
	"github.com/chaz8081/gps-relay/internal/event"
	"github.com/chaz8081/gps-relay/internal/gps"
)

var (
	// ErrAlreadyRunning is returned by Start when the scheduler is running.
	ErrAlreadyRunning = errors.New("transmit: already running")
	// ErrNotRunning is returned by Reschedule when the scheduler is stopped.
	ErrNotRunning = errors.New("transmit: not running")
	// ErrNoTransport means no session is selected to carry payloads.
	ErrNoTransport = errors.New("transmit: no active transport")
)

// Sampler supplies the most recent position fix without blocking.
type Sampler interface {
	Latest() (gps.Sample, error)
}

// Transport is the send primitive of a BLE session.
type Transport interface {
	WireFormat() protocol.WireFormat
	Send(data []byte) bool
}

// Scheduler owns the single transmission ticker.
type Scheduler struct {
	sampler  Sampler
	deviceID string
	active   func() Transport

	mu       sync.Mutex
	running  bool
	interval time.Duration
	ticker   *time.Ticker
	stop     chan struct{}
	done     chan struct{}

	// cycleMu keeps cycles from overlapping.
	cycleMu sync.Mutex
	emit    event.Emitter
	count   atomic.Uint64
}

// New creates a scheduler. active is consulted on every cycle so that the
// payload goes to whichever session is selected at that moment.
func New(sampler Sampler, deviceID string, active func() Transport, listener event.Listener) *Scheduler {
	return &Scheduler{
		sampler:  sampler,
		deviceID: deviceID,
		active:   active,
		emit:     event.Emitter{Source: event.SourceScheduler, Prefix: "[TX]", Listener: listener},
	}
}

// Start runs one cycle immediately and then one every interval. It fails
// with ErrAlreadyRunning instead of creating a second ticker.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("transmit: invalid interval %v", interval)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.interval = interval
	s.ticker = time.NewTicker(interval)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.ticker, s.stop, s.done)
	s.mu.Unlock()

	s.cycleMu.Lock()
	s.emit.Info("transmission started", "interval", interval)
	s.cycleMu.Unlock()

	s.cycle()
	return nil
}

func (s *Scheduler) loop(ticker *time.Ticker, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.cycle()
		}
	}
}

// Stop cancels the ticker and waits for an in-flight cycle to finish.
// Calling Stop when not running is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done

	s.cycleMu.Lock()
	s.emit.Info("transmission stopped", "sent", s.count.Load())
	s.cycleMu.Unlock()
}

// Reschedule changes the interval of a running scheduler in place. The
// next cycle fires one new interval from now; no second ticker exists at
// any point.
func (s *Scheduler) Reschedule(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("transmit: invalid interval %v", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.ticker.Reset(interval)
	s.interval = interval
	return nil
}

// Running reports whether the ticker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval returns the current interval, or zero when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return s.interval
}

// Count returns how many payloads were handed to a transport successfully.
func (s *Scheduler) Count() uint64 {
	return s.count.Load()
}

// ResetCount zeroes the transmitted count.
func (s *Scheduler) ResetCount() {
	s.count.Store(0)
}

// cycle samples, encodes and sends once. Failures are reported as events
// and never stop the scheduler.
func (s *Scheduler) cycle() {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	sample, err := s.sampler.Latest()
	if err != nil {
		s.emit.Warn("skipping cycle, no position fix yet", "error", err)
		return
	}

	var t Transport
	if s.active != nil {
		t = s.active()
	}
	if t == nil {
		s.emit.Warn("skipping cycle", "error", ErrNoTransport)
		return
	}

	data, err := protocol.Encode(sample, s.deviceID)
	if err != nil {
		s.emit.Error(err)
		return
	}
	if !t.Send(t.WireFormat().Wrap(data)) {
		s.emit.Warn("send failed", "format", t.WireFormat())
		return
	}

	n := s.count.Add(1)
	ev := event.New(event.KindTransmitted, event.SourceScheduler)
	ev.Data = data
	ev.Count = n
	s.emit.Emit(ev)
	s.emit.Info("sent", "count", n, "lat", sample.Latitude, "lon", sample.Longitude)
}
