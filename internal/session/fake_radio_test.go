package session

import (
	"context"
	"sync"

	"github.com/chaz8081/gps-relay/internal/ble"
)

// fakeRadio implements both radio roles with a single relay peer whose
// characteristic answers reads with reply.
type fakeRadio struct {
	mu          sync.Mutex
	devices     []ble.Device
	enableErr   error
	connectErr  error
	reply       []byte
	writes      [][]byte
	notified    [][]byte
	advertising bool
	advertises  int
	handler     func(string, bool)
	conn        *fakeConn
}

func newFakeRadio(devices ...ble.Device) *fakeRadio {
	return &fakeRadio{devices: devices, reply: []byte("PONG")}
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) Scan(ctx context.Context, found func(ble.Device)) error {
	r.mu.Lock()
	devices := append([]ble.Device(nil), r.devices...)
	r.mu.Unlock()
	for _, d := range devices {
		found(d)
	}
	<-ctx.Done()
	return nil
}

func (r *fakeRadio) Connect(_ context.Context, address string) (ble.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	r.conn = &fakeConn{radio: r, alive: true}
	return r.conn, nil
}

func (r *fakeRadio) Advertise(ble.AdvertiseOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = true
	r.advertises++
	return nil
}

func (r *fakeRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	return nil
}

func (r *fakeRadio) Notify(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, append([]byte(nil), data...))
	return nil
}

func (r *fakeRadio) SetValue([]byte) error { return nil }

func (r *fakeRadio) SetConnectHandler(h func(string, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *fakeRadio) isAdvertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

func (r *fakeRadio) notifications() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notified)
}

func (r *fakeRadio) written() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.writes...)
}

type fakeConn struct {
	radio *fakeRadio
	mu    sync.Mutex
	alive bool
	onOff func()
}

func (c *fakeConn) DiscoverCharacteristic(string, string) (ble.Characteristic, error) {
	return fakeChar{radio: c.radio}, nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	return nil
}

func (c *fakeConn) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOff = cb
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

type fakeChar struct {
	radio *fakeRadio
}

func (ch fakeChar) Write(data []byte) error {
	ch.radio.mu.Lock()
	defer ch.radio.mu.Unlock()
	ch.radio.writes = append(ch.radio.writes, append([]byte(nil), data...))
	return nil
}

func (ch fakeChar) Read() ([]byte, error) {
	ch.radio.mu.Lock()
	defer ch.radio.mu.Unlock()
	return ch.radio.reply, nil
}

func (ch fakeChar) Subscribe(func([]byte)) error { return nil }

var (
	_ ble.Adapter           = (*fakeRadio)(nil)
	_ ble.PeripheralAdapter = (*fakeRadio)(nil)
)
