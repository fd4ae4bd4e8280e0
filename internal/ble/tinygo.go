package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// Radio wraps tinygo-org/bluetooth. It serves both roles from the one
// host adapter because the library has a single adapter-level connect
// handler: Radio owns it and routes each event either to a central
// connection it opened or to the peripheral handler.
//
// On macOS device addresses are CoreBluetooth UUIDs rather than MACs; the
// Address strings used throughout carry whichever the platform reports.
type Radio struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	enabled     bool
	connections map[string]*tinygoConnection // central links keyed by address
	peerHandler func(peer string, connected bool)

	gatt gattServer
}

// NewRadio returns a Radio on the default host adapter.
func NewRadio() *Radio {
	return &Radio{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

// Enable powers on the adapter once and installs the connect handler.
func (r *Radio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}
	if err := r.adapter.Enable(); err != nil {
		return err
	}
	r.adapter.SetConnectHandler(r.onConnect)
	r.enabled = true
	return nil
}

func (r *Radio) onConnect(device bluetooth.Device, connected bool) {
	addr := device.Address.String()

	r.mu.Lock()
	conn, isCentralLink := r.connections[addr]
	if isCentralLink && !connected {
		delete(r.connections, addr)
	}
	handler := r.peerHandler
	r.mu.Unlock()

	if isCentralLink {
		if !connected {
			conn.markDisconnected()
		}
		return
	}
	if handler != nil {
		handler(addr, connected)
	}
}

// SetConnectHandler registers the peripheral-role connect callback.
func (r *Radio) SetConnectHandler(handler func(peer string, connected bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerHandler = handler
}

func (r *Radio) Scan(ctx context.Context, found func(Device)) error {
	if ctx.Err() != nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.adapter.StopScan()
		case <-done:
		}
	}()

	err := r.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (r *Radio) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be cancelled; drop a late success.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, res.err)
		}
		conn := &tinygoConnection{device: res.device, connected: true}

		// Keyed by the parsed form so onConnect's device.Address.String()
		// finds it whatever case the caller used.
		r.mu.Lock()
		r.connections[addr.String()] = conn
		r.mu.Unlock()

		return conn, nil
	}
}

// Compile-time checks that Radio serves both roles.
var (
	_ Adapter           = (*Radio)(nil)
	_ PeripheralAdapter = (*Radio)(nil)
)

func parseUUID(s string) (bluetooth.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %q: %w", s, err)
	}
	return bluetooth.NewUUID(u), nil
}

type tinygoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	connected    bool
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := parseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chrUUID, err := parseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinygoCharacteristic{char: chars[0]}, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *tinygoConnection) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// maxAttributeLen is the largest GATT attribute value.
const maxAttributeLen = 512

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxAttributeLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
