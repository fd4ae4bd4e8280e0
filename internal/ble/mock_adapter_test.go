package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/chaz8081/gps-relay/internal/ble/protocol"
	"github.com/chaz8081/gps-relay/internal/event"
)

// mockCharacteristic records writes, returns a scripted read value and
// allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	readVal  []byte
	readErr  error
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.readVal, nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	gpsChar      *mockCharacteristic
	discoverErr  error
	disconnectCb func()
	disconnected bool
	alive        bool

	// dropOnDiscover simulates the link dropping mid-discovery.
	dropOnDiscover bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{gpsChar: &mockCharacteristic{}, alive: true}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if c.dropOnDiscover {
		c.SimulateDisconnect()
	}
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	if serviceUUID != protocol.ServiceUUID || charUUID != protocol.CharUUID {
		return nil, fmt.Errorf("mock: unknown characteristic %s/%s", serviceUUID, charUUID)
	}
	return c.gpsChar, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.alive = false
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *mockConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *mockConnection) setAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = alive
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	c.alive = false
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the central-role radio. Scan reports the scripted
// devices and then blocks until cancelled.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	enableErr  error
	connectErr error
	scans      int
	connection *mockConnection // prepared for the next Connect
	connected  []string
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:    devices,
		connection: newMockConnection(),
	}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(ctx context.Context, found func(Device)) error {
	a.mu.Lock()
	a.scans++
	devices := append([]Device(nil), a.devices...)
	a.mu.Unlock()

	for _, d := range devices {
		found(d)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, address string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	a.connected = append(a.connected, address)
	return a.connection, nil
}

// latestConnection returns the connection handed out by Connect (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func (a *mockAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// mockPeripheralAdapter simulates the GATT server radio.
type mockPeripheralAdapter struct {
	mu           sync.Mutex
	enableErr    error
	advertiseErr error
	notifyErr    error
	advertises   int
	stops        int
	advertising  bool
	opts         AdvertiseOptions
	notified     [][]byte
	value        []byte
	handler      func(peer string, connected bool)

	// connectOnAdvertise reports a central connecting as Advertise returns.
	connectOnAdvertise string
}

func (a *mockPeripheralAdapter) Enable() error { return a.enableErr }

func (a *mockPeripheralAdapter) Advertise(opts AdvertiseOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advertiseErr != nil {
		return a.advertiseErr
	}
	a.advertises++
	a.advertising = true
	a.opts = opts
	if a.connectOnAdvertise != "" && a.handler != nil {
		a.handler(a.connectOnAdvertise, true)
	}
	return nil
}

func (a *mockPeripheralAdapter) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	a.advertising = false
	return nil
}

func (a *mockPeripheralAdapter) Notify(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.notifyErr != nil {
		return a.notifyErr
	}
	a.notified = append(a.notified, append([]byte(nil), data...))
	return nil
}

func (a *mockPeripheralAdapter) SetValue(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = append([]byte(nil), data...)
	return nil
}

func (a *mockPeripheralAdapter) SetConnectHandler(h func(peer string, connected bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// SimulateConnect fires the connect handler as the radio would.
func (a *mockPeripheralAdapter) SimulateConnect(peer string, connected bool) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(peer, connected)
	}
}

// SimulateWrite delivers a central's write to the registered callback.
func (a *mockPeripheralAdapter) SimulateWrite(peer string, data []byte) {
	a.mu.Lock()
	onWrite := a.opts.OnWrite
	a.mu.Unlock()
	if onWrite != nil {
		onWrite(peer, data)
	}
}

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) listen(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofKind(k event.Kind) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []string {
	var out []string
	for _, ev := range r.ofKind(event.KindState) {
		out = append(out, ev.State)
	}
	return out
}

var errMock = errors.New("mock failure")

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockPeripheralAdapterImplementsInterface(t *testing.T) {
	var _ PeripheralAdapter = (*mockPeripheralAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
