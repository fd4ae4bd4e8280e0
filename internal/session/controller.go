// Package session owns the selected BLE role and the transmission
// scheduler, and fans their events out to observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gps-relay/internal/ble"
	"github.com/chaz8081/gps-relay/internal/config"
	"github.com/chaz8081/gps-relay/internal/event"
	"github.com/chaz8081/gps-relay/internal/gps"
	"github.com/chaz8081/gps-relay/internal/transmit"
)

var (
	// ErrModeChangeBlocked is returned by SetMode while transmitting.
	ErrModeChangeBlocked = errors.New("session: stop transmission before changing mode")
	// ErrWrongMode is returned for a role operation outside its mode.
	ErrWrongMode = errors.New("session: operation not valid in current mode")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: controller closed")
)

// Mode selects which BLE role is active.
type Mode string

const (
	ModeAdvertise Mode = "advertise" // GATT peripheral
	ModeScan      Mode = "scan"      // GATT central
)

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAdvertise, ModeScan:
		return m, nil
	default:
		return "", fmt.Errorf("session: unknown mode %q", s)
	}
}

// Peripheral is the GATT server role as the controller drives it.
type Peripheral interface {
	transmit.Transport
	Start(ctx context.Context) error
	Stop()
	State() ble.PeripheralState
	Peers() []string
	Close() error
}

// Central is the GATT client role as the controller drives it.
type Central interface {
	transmit.Transport
	StartScan(ctx context.Context, timeout time.Duration) error
	StopScan()
	Connect(ctx context.Context, address string) error
	Disconnect()
	Verify(ctx context.Context) bool
	Subscribe() error
	State() ble.CentralState
	Peer() string
	Devices() []ble.Device
	ResetDevices()
	Close() error
}

// Sampler is the position source the controller starts and stops.
type Sampler interface {
	Refresh(ctx context.Context) (gps.Sample, error)
	StartWatching(ctx context.Context, interval time.Duration) error
	StopWatching()
	Latest() (gps.Sample, error)
}

// Factory builds both role sessions reporting to listener.
type Factory func(listener event.Listener) (Peripheral, Central)

// Options configures a Controller.
type Options struct {
	Mode        Mode
	Interval    time.Duration
	ScanTimeout time.Duration
	AlertTTL    time.Duration // lifetime of transient alerts
	LogLines    int           // size of the recent-log ring
	EventBuffer int           // capacity of the Events channel
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Mode:        ModeAdvertise,
		Interval:    config.DefaultIntervalMs * time.Millisecond,
		ScanTimeout: 15 * time.Second,
		AlertTTL:    5 * time.Second,
		LogLines:    50,
		EventBuffer: 64,
	}
}

// Controller keeps exactly one role selected, blocks mode switches while
// transmitting, and runs the transmission start sequence.
type Controller struct {
	peripheral Peripheral
	central    Central
	sampler    Sampler
	scheduler  *transmit.Scheduler
	deviceID   string
	opts       Options

	// ctx scopes the position watch; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes controller operations.
	opMu   sync.Mutex
	closed bool

	modeMu   sync.RWMutex
	mode     Mode
	interval atomic.Int64

	emit event.Emitter

	// evMu guards the fields below and orders fan-out.
	evMu      sync.Mutex
	logs      *logRing
	alert     *Alert
	listeners []event.Listener
	events    chan event.Event
	dropped   int
	evClosed  bool
	now       func() time.Time
}

// New creates a controller. build is called once with the controller's
// event listener.
func New(sampler Sampler, deviceID string, build Factory, opts Options) (*Controller, error) {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Interval == 0 {
		opts.Interval = def.Interval
	}
	if err := validateInterval(opts.Interval); err != nil {
		return nil, err
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.AlertTTL <= 0 {
		opts.AlertTTL = def.AlertTTL
	}
	if opts.LogLines <= 0 {
		opts.LogLines = def.LogLines
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sampler:  sampler,
		deviceID: deviceID,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		mode:     opts.Mode,
		logs:     newLogRing(opts.LogLines),
		events:   make(chan event.Event, opts.EventBuffer),
		now:      time.Now,
	}
	c.interval.Store(int64(opts.Interval))
	c.emit = event.Emitter{Source: event.SourceController, Prefix: "[CTRL]", Listener: c.handle}
	c.peripheral, c.central = build(c.handle)
	c.scheduler = transmit.New(sampler, deviceID, c.active, c.handle)
	return c, nil
}

// Mode returns the selected role.
func (c *Controller) Mode() Mode {
	c.modeMu.RLock()
	defer c.modeMu.RUnlock()
	return c.mode
}

// active is consulted by the scheduler on every cycle.
func (c *Controller) active() transmit.Transport {
	if c.Mode() == ModeScan {
		return c.central
	}
	return c.peripheral
}

// SetMode selects a role. It fails with ErrModeChangeBlocked while the
// scheduler runs, leaving both sessions untouched. Switching tears down
// the previous role and clears discovered devices.
func (c *Controller) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.scheduler.Running() {
		c.emit.Warn("mode change blocked while transmitting", "mode", m)
		return ErrModeChangeBlocked
	}

	old := c.Mode()
	if old == m {
		return nil
	}
	switch old {
	case ModeAdvertise:
		c.peripheral.Stop()
	case ModeScan:
		c.central.Disconnect()
	}
	c.central.ResetDevices()

	c.modeMu.Lock()
	c.mode = m
	c.modeMu.Unlock()
	c.emit.Info("mode changed", "from", old, "to", m)
	return nil
}

// StartAdvertising starts the peripheral role.
func (c *Controller) StartAdvertising(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeAdvertise); err != nil {
		return err
	}
	if err := c.peripheral.Start(ctx); err != nil {
		return err
	}
	c.clearAlert()
	return nil
}

// StopAdvertising stops the peripheral role.
func (c *Controller) StopAdvertising() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeAdvertise); err != nil {
		return err
	}
	c.peripheral.Stop()
	return nil
}

// StartScan starts a central scan. timeout <= 0 uses Options.ScanTimeout.
func (c *Controller) StartScan(ctx context.Context, timeout time.Duration) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeScan); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = c.opts.ScanTimeout
	}
	return c.central.StartScan(ctx, timeout)
}

// StopScan stops a central scan.
func (c *Controller) StopScan() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeScan); err != nil {
		return err
	}
	c.central.StopScan()
	return nil
}

// Connect connects the central to address.
func (c *Controller) Connect(ctx context.Context, address string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeScan); err != nil {
		return err
	}
	if err := c.central.Connect(ctx, address); err != nil {
		return err
	}
	c.clearAlert()
	return nil
}

// Disconnect drops the central link.
func (c *Controller) Disconnect() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeScan); err != nil {
		return err
	}
	c.central.Disconnect()
	return nil
}

// Verify runs the PING/PONG check on the central link.
func (c *Controller) Verify(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeScan); err != nil {
		return false, err
	}
	ok := c.central.Verify(ctx)
	if ok {
		c.clearAlert()
	}
	return ok, nil
}

// Subscribe enables the central receive path.
func (c *Controller) Subscribe() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeScan); err != nil {
		return err
	}
	return c.central.Subscribe()
}

// ScanAndConnect scans until a peer with address target is found (any
// filtered peer when target is empty), then connects to it. It returns
// the device it connected to.
func (c *Controller) ScanAndConnect(ctx context.Context, target string) (ble.Device, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.require(ModeScan); err != nil {
		return ble.Device{}, err
	}
	if err := c.central.StartScan(ctx, c.opts.ScanTimeout); err != nil {
		return ble.Device{}, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d, ok := pick(c.central.Devices(), target); ok {
			if err := c.central.Connect(ctx, d.Address); err != nil {
				return ble.Device{}, err
			}
			c.clearAlert()
			return d, nil
		}
		if c.central.State() != ble.CentralScanning {
			err := fmt.Errorf("%w: no relay peer found", ble.ErrConnectionFailed)
			if target != "" {
				err = fmt.Errorf("%w: %s not found", ble.ErrConnectionFailed, target)
			}
			c.emit.Error(err)
			return ble.Device{}, err
		}
		select {
		case <-ctx.Done():
			c.central.StopScan()
			return ble.Device{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func pick(devices []ble.Device, target string) (ble.Device, bool) {
	for _, d := range devices {
		if target == "" || strings.EqualFold(d.Address, target) {
			return d, true
		}
	}
	return ble.Device{}, false
}

// StartTransmission takes a one-shot fix, starts watching position at the
// interval, zeroes the transmitted count and starts the scheduler, which
// sends once immediately.
func (c *Controller) StartTransmission(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.scheduler.Running() {
		return transmit.ErrAlreadyRunning
	}

	interval := c.Interval()
	if _, err := c.sampler.Refresh(ctx); err != nil {
		c.emit.Warn("no initial position fix", "error", err)
	}
	if err := c.sampler.StartWatching(c.ctx, interval); err != nil {
		c.emit.Error(err)
		return err
	}
	c.scheduler.ResetCount()
	if err := c.scheduler.Start(interval); err != nil {
		c.sampler.StopWatching()
		return err
	}
	return nil
}

// StopTransmission stops the scheduler and the position watch. Safe to
// call when not transmitting.
func (c *Controller) StopTransmission() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.scheduler.Stop()
	c.sampler.StopWatching()
}

// SetInterval changes the transmission interval. The duty-cycle bounds
// are enforced here as well as in config. A running scheduler is
// rescheduled in place.
func (c *Controller) SetInterval(d time.Duration) error {
	if err := validateInterval(d); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.interval.Store(int64(d))
	if c.scheduler.Running() {
		if err := c.scheduler.Reschedule(d); err != nil {
			return err
		}
		if err := c.sampler.StartWatching(c.ctx, d); err != nil {
			c.emit.Error(err)
		}
	}
	c.emit.Info("interval set", "interval", d)
	return nil
}

func validateInterval(d time.Duration) error {
	ms := d.Milliseconds()
	if time.Duration(ms)*time.Millisecond != d {
		return fmt.Errorf("%w: %v is not a whole number of milliseconds", config.ErrIntervalOutOfRange, d)
	}
	return config.ValidateInterval(int(ms))
}

// Interval returns the configured transmission interval.
func (c *Controller) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Transmitting reports whether the scheduler is running.
func (c *Controller) Transmitting() bool {
	return c.scheduler.Running()
}

// Count returns the transmitted count since the last StartTransmission.
func (c *Controller) Count() uint64 {
	return c.scheduler.Count()
}

// Events returns the event stream. Events are dropped with a warning when
// the buffer is full. The channel is closed by Close.
func (c *Controller) Events() <-chan event.Event {
	return c.events
}

// AddListener registers l to receive every event synchronously. l must
// not block or call back into the controller.
func (c *Controller) AddListener(l event.Listener) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Close stops transmission and tears down both sessions. Safe to call
// more than once.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.scheduler.Stop()
	c.sampler.StopWatching()
	err := errors.Join(c.peripheral.Close(), c.central.Close())
	c.cancel()
	c.emit.Info("closed")

	c.evMu.Lock()
	c.evClosed = true
	close(c.events)
	c.evMu.Unlock()
	return err
}

// require checks the controller is open and in mode m (caller must hold opMu).
func (c *Controller) require(m Mode) error {
	if c.closed {
		return ErrClosed
	}
	if cur := c.Mode(); cur != m {
		return fmt.Errorf("%w: %s requires %s mode", ErrWrongMode, cur, m)
	}
	return nil
}

// handle is the listener given to every component.
func (c *Controller) handle(ev event.Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.evClosed {
		return
	}

	c.record(ev)
	for _, l := range c.listeners {
		l(ev)
	}
	select {
	case c.events <- ev:
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			slog.Warn("[CTRL] event buffer full, dropping events", "dropped", c.dropped)
		}
	}
}
