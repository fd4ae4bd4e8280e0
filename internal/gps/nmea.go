package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

const (
	knotsToMps = 0.514444
	// hdopToMeters approximates horizontal accuracy for a consumer receiver.
	hdopToMeters = 5.0
	// Reported when no GGA sentence has supplied an HDOP yet.
	defaultAccuracyMeters = 25.0
)

// NMEAConfig holds configuration for the serial NMEA provider.
type NMEAConfig struct {
	Port     string
	BaudRate int
}

// NMEAProvider reads NMEA 0183 sentences from a GPS receiver. RMC sentences
// carry position, speed and validity; GGA sentences carry altitude and HDOP.
// Only valid RMC fixes become samples.
type NMEAProvider struct {
	name string
	src  io.ReadCloser
	now  func() time.Time

	mu      sync.Mutex
	last    *Sample
	updated chan struct{}
	hdop    float64
	alt     *float64
	err     error
	done    chan struct{}
	closed  bool
}

// OpenNMEA opens the serial port and starts reading sentences.
func OpenNMEA(cfg NMEAConfig) (*NMEAProvider, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("gps: open %s: %w", cfg.Port, err)
	}
	slog.Info("[GPS] serial port opened", "port", cfg.Port, "baud", cfg.BaudRate)
	return NewNMEAProvider("NMEA "+cfg.Port, port), nil
}

// NewNMEAProvider reads sentences from src until it returns an error or the
// provider is closed.
func NewNMEAProvider(name string, src io.ReadCloser) *NMEAProvider {
	p := &NMEAProvider{
		name:    name,
		src:     src,
		now:     time.Now,
		updated: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *NMEAProvider) Name() string { return p.name }

func (p *NMEAProvider) readLoop() {
	defer close(p.done)

	scanner := bufio.NewScanner(p.src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			slog.Debug("[GPS] skipping sentence", "error", err)
			continue
		}
		switch sentence.DataType() {
		case nmea.TypeRMC:
			p.handleRMC(sentence.(nmea.RMC))
		case nmea.TypeGGA:
			p.handleGGA(sentence.(nmea.GGA))
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	p.mu.Lock()
	p.err = err
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		slog.Warn("[GPS] sentence stream ended", "provider", p.name, "error", err)
	}
}

func (p *NMEAProvider) handleGGA(m nmea.GGA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.FixQuality == nmea.Invalid {
		return
	}
	p.hdop = m.HDOP
	alt := m.Altitude
	p.alt = &alt
}

func (p *NMEAProvider) handleRMC(m nmea.RMC) {
	if m.Validity != nmea.ValidRMC {
		return
	}

	ts := p.now()
	if m.Date.Valid && m.Time.Valid {
		ts = time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
			m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acc := defaultAccuracyMeters
	if p.hdop > 0 {
		acc = p.hdop * hdopToMeters
	}
	s := Sample{
		Latitude:       m.Latitude,
		Longitude:      m.Longitude,
		AccuracyMeters: acc,
		SpeedMps:       Float(m.Speed * knotsToMps),
		TimestampMs:    ts.UnixMilli(),
	}
	if p.alt != nil {
		s.AltitudeMeters = Float(*p.alt)
	}
	p.last = &s
	close(p.updated)
	p.updated = make(chan struct{})
}

// CurrentFix returns the most recent valid fix, waiting for the first one
// if none has been received yet.
func (p *NMEAProvider) CurrentFix(ctx context.Context) (Sample, error) {
	for {
		p.mu.Lock()
		last, updated, err := p.last, p.updated, p.err
		p.mu.Unlock()

		if last != nil {
			return *last, nil
		}
		if err != nil {
			return Sample{}, fmt.Errorf("gps: %s: %w", p.name, err)
		}
		select {
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		case <-updated:
		case <-p.done:
		}
	}
}

func (p *NMEAProvider) Watch(ctx context.Context, interval time.Duration) (<-chan Sample, error) {
	return watchFixes(ctx, interval, p.latest), nil
}

func (p *NMEAProvider) latest() (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Sample{}, false
	}
	return *p.last, true
}

// Close stops reading and closes the underlying port.
func (p *NMEAProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.src.Close()
	<-p.done
	return err
}
