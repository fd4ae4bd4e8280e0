package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/gps-relay/internal/ble/protocol"
	"github.com/chaz8081/gps-relay/internal/event"
)

// CentralState is the link lifecycle of a Central.
type CentralState int

const (
	CentralDisconnected CentralState = iota
	CentralScanning
	CentralConnecting
	CentralConnected
)

func (s CentralState) String() string {
	switch s {
	case CentralDisconnected:
		return "disconnected"
	case CentralScanning:
		return "scanning"
	case CentralConnecting:
		return "connecting"
	case CentralConnected:
		return "connected"
	default:
		return fmt.Sprintf("CentralState(%d)", int(s))
	}
}

// CentralOptions configures the central role.
type CentralOptions struct {
	ScanTimeout           time.Duration // auto-stop for StartScan when no timeout is given
	ConnectTimeout        time.Duration // bound on link establishment
	VerifySettle          time.Duration // wait between writing PING and reading the reply; zero skips it, negative uses the default
	RequireBLEPermissions bool          // ask for scan/connect on top of location
}

// DefaultCentralOptions returns sensible defaults for production use.
func DefaultCentralOptions() CentralOptions {
	return CentralOptions{
		ScanTimeout:           15 * time.Second,
		ConnectTimeout:        10 * time.Second,
		VerifySettle:          200 * time.Millisecond,
		RequireBLEPermissions: true,
	}
}

// Central runs the GATT client role: scan for relay peers, connect to one,
// verify it with PING/PONG and write payloads to its GPS characteristic.
type Central struct {
	adapter  Adapter
	prompter PermissionPrompter
	opts     CentralOptions
	devices  *DeviceSet

	// opMu serializes every state-changing operation.
	opMu sync.Mutex

	// mu guards the fields below and orders event emission. Radio callbacks
	// take only mu.
	mu      sync.Mutex
	emit    event.Emitter
	state   CentralState
	enabled bool
	closed  bool

	scanGen    uint64
	scanCancel context.CancelFunc
	scanTimer  *time.Timer
	scanDone   chan struct{}

	conn Connection
	char Characteristic
	peer string
}

// NewCentral creates a central session. listener may be nil.
func NewCentral(adapter Adapter, prompter PermissionPrompter, opts CentralOptions, listener event.Listener) *Central {
	def := DefaultCentralOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.VerifySettle < 0 {
		opts.VerifySettle = def.VerifySettle
	}
	return &Central{
		adapter:  adapter,
		prompter: prompter,
		opts:     opts,
		devices:  NewDeviceSet(),
		emit:     event.Emitter{Source: event.SourceCentral, Prefix: "[BLE Central]", Listener: listener},
	}
}

// State returns the current state.
func (c *Central) State() CentralState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the address of the connected peer, or "".
func (c *Central) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Devices returns the filtered peers found by the current or last scan.
func (c *Central) Devices() []Device {
	return c.devices.Devices()
}

// ResetDevices empties the discovered-device set.
func (c *Central) ResetDevices() {
	c.devices.Reset()
}

// WireFormat reports how payloads are encoded for writes.
func (c *Central) WireFormat() protocol.WireFormat { return protocol.Base64 }

// ready checks permissions and enables the adapter once.
func (c *Central) ready(ctx context.Context) error {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if enabled {
		return nil
	}

	perms := rolePermissions(c.opts.RequireBLEPermissions, PermissionBluetoothScan, PermissionBluetoothConnect)
	if err := requestPermissions(ctx, c.prompter, perms...); err != nil {
		return err
	}
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", ErrRadioUnavailable, err)
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

// StartScan clears the discovered devices and scans for relay peers until
// timeout elapses (ScanTimeout when timeout <= 0) or StopScan is called.
// A scan already in progress is stopped first.
func (c *Central) StartScan(ctx context.Context, timeout time.Duration) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch st := c.State(); {
	case c.isClosed():
		return ErrClosed
	case st == CentralConnecting || st == CentralConnected:
		return fmt.Errorf("ble: cannot scan while %s", st)
	}
	if err := c.ready(ctx); err != nil {
		c.mu.Lock()
		c.emit.Error(err)
		c.mu.Unlock()
		return err
	}

	c.stopScan()
	c.devices.Reset()
	if timeout <= 0 {
		timeout = c.opts.ScanTimeout
	}

	scanCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.scanGen++
	gen := c.scanGen
	c.scanCancel = cancel
	c.scanDone = done
	c.scanTimer = time.AfterFunc(timeout, func() { c.scanTimedOut(gen) })
	c.setState(CentralScanning)
	c.emit.Info("scan started", "timeout", timeout)
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.adapter.Scan(scanCtx, func(d Device) { c.onDiscovered(gen, d) })
		c.scanEnded(gen, err)
	}()
	return nil
}

// StopScan ends a running scan. Safe to call when not scanning.
func (c *Central) StopScan() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopScan()
}

// stopScan cancels the current scan and waits for it to wind down
// (caller must hold opMu).
func (c *Central) stopScan() {
	c.mu.Lock()
	cancel, done, timer := c.scanCancel, c.scanDone, c.scanTimer
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	timer.Stop()
	cancel()
	<-done
}

func (c *Central) scanTimedOut(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.scanGen || c.scanCancel == nil {
		return
	}
	c.emit.Info("scan timed out", "devices", c.devices.Len())
	c.scanCancel()
}

func (c *Central) scanEnded(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.scanGen {
		return
	}
	c.scanTimer.Stop()
	c.scanCancel()
	c.scanCancel = nil
	c.scanTimer = nil
	c.scanDone = nil

	if err != nil && !errors.Is(err, context.Canceled) {
		c.emit.Error(fmt.Errorf("%w: scan: %v", ErrRadioUnavailable, err))
	}
	if c.state == CentralScanning {
		c.setState(CentralDisconnected)
		c.emit.Info("scan stopped", "devices", c.devices.Len())
	}
}

func (c *Central) onDiscovered(gen uint64, d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.scanGen || c.state != CentralScanning {
		return
	}
	if !protocol.MatchesName(d.Name) {
		c.emit.Debug("ignoring device", "name", d.Name, "address", d.Address)
		return
	}
	if !c.devices.Add(d) {
		return
	}
	ev := event.New(event.KindPeerDiscovered, event.SourceCentral)
	ev.Peer = d.Address
	ev.Name = d.Name
	ev.RSSI = d.RSSI
	c.emit.Emit(ev)
	c.emit.Info("found device", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
}

// Connect stops any scan, connects to address and discovers the GPS
// characteristic. On failure the session is Disconnected and the error
// wraps ErrConnectionFailed.
func (c *Central) Connect(ctx context.Context, address string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	c.stopScan()
	if err := c.ready(ctx); err != nil {
		c.mu.Lock()
		c.emit.Error(err)
		c.mu.Unlock()
		return err
	}
	c.disconnect()

	c.mu.Lock()
	c.peer = address
	c.setState(CentralConnecting)
	c.emit.Info("connecting", "address", address)
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, err := c.adapter.Connect(cctx, address)
	if err != nil {
		return c.connectFailed(fmt.Errorf("%w: %s: %v", ErrConnectionFailed, address, err))
	}
	conn.OnDisconnect(func() { c.linkLost(conn) })

	char, err := conn.DiscoverCharacteristic(protocol.ServiceUUID, protocol.CharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return c.connectFailed(fmt.Errorf("%w: %s: discover GPS characteristic: %v", ErrConnectionFailed, address, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A drop during discovery fired linkLost before c.conn was set.
	if !conn.IsConnected() {
		_ = conn.Disconnect()
		err := fmt.Errorf("%w: %s: link dropped during discovery", ErrConnectionFailed, address)
		c.peer = ""
		c.setState(CentralDisconnected)
		c.emit.Error(err)
		return err
	}
	c.conn = conn
	c.char = char
	c.setState(CentralConnected)
	c.emit.Info("connected", "address", address)
	return nil
}

func (c *Central) connectFailed(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = ""
	c.setState(CentralDisconnected)
	c.emit.Error(err)
	return err
}

// linkLost handles a drop reported by the radio for conn.
func (c *Central) linkLost(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.emit.Warn("link lost", "address", c.peer)
	c.clearLink()
}

// Disconnect tears down the link best-effort. It always ends in
// CentralDisconnected.
func (c *Central) Disconnect() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopScan()
	c.disconnect()
}

func (c *Central) disconnect() {
	c.mu.Lock()
	conn, peer := c.conn, c.peer
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			c.emit.Debug("disconnect", "address", peer, "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != nil && c.conn == conn {
		c.emit.Info("disconnected", "address", peer)
	}
	c.clearLink()
}

// clearLink forgets the connection (caller must hold mu).
func (c *Central) clearLink() {
	c.conn = nil
	c.char = nil
	c.peer = ""
	if c.state != CentralScanning {
		c.setState(CentralDisconnected)
	}
}

// Verify writes PING, waits for the peer to settle and reads the
// characteristic back. It reports whether the peer answered exactly PONG
// and never changes the connection state.
func (c *Central) Verify(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	char, peer, st := c.char, c.peer, c.state
	c.mu.Unlock()
	if st != CentralConnected {
		return false
	}

	if err := char.Write(protocol.PingToken); err != nil {
		c.warn("verify: PING write failed", "address", peer, "error", err)
		return false
	}

	if c.opts.VerifySettle > 0 {
		t := time.NewTimer(c.opts.VerifySettle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			c.warn("verify: cancelled", "address", peer)
			return false
		case <-t.C:
		}
	}

	resp, err := char.Read()
	if err != nil {
		c.warn("verify: read failed", "address", peer, "error", err)
		return false
	}
	if !protocol.IsPong(resp) {
		c.warn("verify: unexpected response", "address", peer, "response", string(resp))
		return false
	}

	c.mu.Lock()
	c.emit.Info("verified", "address", peer)
	c.mu.Unlock()
	return true
}

// Send writes data to the connected peer without acknowledgment. On a
// write failure it probes the link and drops to Disconnected if the link
// is gone. It returns false on any failure.
func (c *Central) Send(data []byte) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	conn, char, peer, st := c.conn, c.char, c.peer, c.state
	c.mu.Unlock()
	if st != CentralConnected {
		return false
	}

	err := char.Write(data)
	if err == nil {
		return true
	}

	alive := conn.IsConnected()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit.Error(fmt.Errorf("%w: %s: %v", ErrWriteFailed, peer, err))
	if !alive && c.conn == conn {
		c.emit.Warn("link is dead, disconnecting", "address", peer)
		c.clearLink()
	}
	return false
}

// Subscribe enables notifications from the connected peer. Each
// notification is decoded as a base64 payload and reported as
// KindDataReceived; malformed notifications are logged and dropped.
func (c *Central) Subscribe() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	conn, char, st := c.conn, c.char, c.state
	c.mu.Unlock()
	if st != CentralConnected {
		return ErrNotConnected
	}

	err := char.Subscribe(func(data []byte) { c.onNotification(conn, data) })
	if err != nil {
		err = fmt.Errorf("ble: subscribe: %w", err)
		c.mu.Lock()
		c.emit.Error(err)
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.emit.Info("subscribed to notifications", "address", c.peer)
	c.mu.Unlock()
	return nil
}

func (c *Central) onNotification(conn Connection, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if protocol.IsPing(data) || protocol.IsPong(data) {
		return
	}

	payload, err := protocol.DecodeBase64(data)
	if err != nil {
		c.emit.Warn("dropping notification", "address", c.peer, "error", err)
		return
	}
	canonical, err := protocol.EncodePayload(payload)
	if err != nil {
		c.emit.Warn("dropping notification", "address", c.peer, "error", err)
		return
	}
	ev := event.New(event.KindDataReceived, event.SourceCentral)
	ev.Peer = c.peer
	ev.Name = payload.ID
	ev.Data = canonical
	c.emit.Emit(ev)
}

// Close stops scanning, drops the link and detaches the listener. Safe to
// call more than once, and on a session that was never used.
func (c *Central) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isClosed() {
		return nil
	}
	c.stopScan()
	c.disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.emit.Listener = nil
	return nil
}

func (c *Central) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Central) warn(msg string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit.Warn(msg, args...)
}

// setState records s and reports the transition (caller must hold mu).
func (c *Central) setState(s CentralState) {
	if c.state == s {
		return
	}
	c.state = s
	c.emit.State(s)
}
