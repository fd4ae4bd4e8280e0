package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/chaz8081/gps-relay/internal/ble/protocol"
	"github.com/chaz8081/gps-relay/internal/event"
)

// PeripheralState is the advertising lifecycle of a Peripheral.
type PeripheralState int

const (
	PeripheralStopped PeripheralState = iota
	PeripheralStarting
	PeripheralAdvertising
)

func (s PeripheralState) String() string {
	switch s {
	case PeripheralStopped:
		return "stopped"
	case PeripheralStarting:
		return "starting"
	case PeripheralAdvertising:
		return "advertising"
	default:
		return fmt.Sprintf("PeripheralState(%d)", int(s))
	}
}

// PeripheralOptions configures the peripheral role.
type PeripheralOptions struct {
	LocalName             string // advertised local name
	RequireBLEPermissions bool   // ask for advertise/connect/scan on top of location
}

// DefaultPeripheralOptions returns sensible defaults.
func DefaultPeripheralOptions() PeripheralOptions {
	return PeripheralOptions{
		LocalName:             protocol.DeviceName,
		RequireBLEPermissions: true,
	}
}

// Peripheral runs the GATT server role: it advertises the GPS service,
// tracks connected centrals and pushes payloads as notifications.
type Peripheral struct {
	adapter  PeripheralAdapter
	prompter PermissionPrompter
	opts     PeripheralOptions

	// opMu serializes Start, Stop, Send and Close.
	opMu sync.Mutex

	// mu guards the fields below and orders event emission.
	mu     sync.Mutex
	emit   event.Emitter
	state  PeripheralState
	peers  mapset.Set // of string addresses
	hooked bool
	closed bool
}

// NewPeripheral creates a peripheral session. listener may be nil.
func NewPeripheral(adapter PeripheralAdapter, prompter PermissionPrompter, opts PeripheralOptions, listener event.Listener) *Peripheral {
	if opts.LocalName == "" {
		opts.LocalName = protocol.DeviceName
	}
	return &Peripheral{
		adapter:  adapter,
		prompter: prompter,
		opts:     opts,
		emit:     event.Emitter{Source: event.SourcePeripheral, Prefix: "[BLE]", Listener: listener},
		peers:    mapset.NewSet(),
	}
}

// State returns the current state.
func (p *Peripheral) State() PeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Peers returns the addresses of connected centrals, sorted.
func (p *Peripheral) Peers() []string {
	var out []string
	for _, v := range p.peers.ToSlice() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

// WireFormat reports how payloads are encoded for notifications.
func (p *Peripheral) WireFormat() protocol.WireFormat { return protocol.JSON }

// Start checks permissions, enables the radio and starts advertising.
// Calling Start while already advertising is a no-op.
func (p *Peripheral) Start(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state == PeripheralAdvertising {
		p.mu.Unlock()
		return nil
	}
	p.setState(PeripheralStarting)
	p.mu.Unlock()

	perms := rolePermissions(p.opts.RequireBLEPermissions,
		PermissionBluetoothScan, PermissionBluetoothConnect, PermissionBluetoothAdvertise)
	if err := requestPermissions(ctx, p.prompter, perms...); err != nil {
		return p.fail(err)
	}
	if err := p.adapter.Enable(); err != nil {
		return p.fail(fmt.Errorf("%w: enable adapter: %v", ErrRadioUnavailable, err))
	}

	p.mu.Lock()
	if !p.hooked {
		p.adapter.SetConnectHandler(p.onConnect)
		p.hooked = true
	}
	p.mu.Unlock()

	err := p.adapter.Advertise(AdvertiseOptions{
		LocalName:   p.opts.LocalName,
		ServiceUUID: protocol.ServiceUUID,
		CharUUID:    protocol.CharUUID,
		OnWrite:     p.onWrite,
	})
	if err != nil {
		return p.fail(fmt.Errorf("%w: advertise: %v", ErrRadioUnavailable, err))
	}

	p.mu.Lock()
	p.setState(PeripheralAdvertising)
	p.emit.Info("advertising", "name", p.opts.LocalName, "service", protocol.ServiceUUID)
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) fail(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers.Clear()
	p.setState(PeripheralStopped)
	p.emit.Error(err)
	return err
}

// Stop tears down advertising and forgets connected peers. It always
// ends in PeripheralStopped.
func (p *Peripheral) Stop() {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.stop()
}

func (p *Peripheral) stop() {
	if p.State() == PeripheralStopped {
		return
	}
	err := p.adapter.StopAdvertising()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.emit.Warn("stop advertising failed", "error", err)
	}
	p.peers.Clear()
	p.setState(PeripheralStopped)
	p.emit.Info("advertising stopped")
}

// Send notifies subscribed centrals with data. It returns false without
// changing state if the peripheral is not advertising or the notify fails.
func (p *Peripheral) Send(data []byte) bool {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.State() != PeripheralAdvertising {
		return false
	}
	if err := p.adapter.Notify(data); err != nil {
		p.mu.Lock()
		p.emit.Error(fmt.Errorf("%w: %v", ErrNotifyFailed, err))
		p.mu.Unlock()
		return false
	}
	return true
}

// Close stops the session and unregisters radio callbacks. Safe to call
// more than once, and on a session that was never started.
func (p *Peripheral) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hooked {
		p.adapter.SetConnectHandler(nil)
		p.hooked = false
	}
	p.closed = true
	p.emit.Listener = nil
	return nil
}

func (p *Peripheral) onConnect(peer string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// The radio may report a central between Advertise returning and the
	// move to Advertising.
	if p.state == PeripheralStopped {
		return
	}

	if connected {
		if !p.peers.Add(peer) {
			return
		}
		ev := event.New(event.KindPeerConnected, event.SourcePeripheral)
		ev.Peer = peer
		p.emit.Emit(ev)
		p.emit.Info("central connected", "peer", peer, "peers", p.peers.Cardinality())
		return
	}

	if !p.peers.Contains(peer) {
		return
	}
	p.peers.Remove(peer)
	ev := event.New(event.KindPeerDisconnected, event.SourcePeripheral)
	ev.Peer = peer
	p.emit.Emit(ev)
	p.emit.Info("central disconnected", "peer", peer, "peers", p.peers.Cardinality())
}

// onWrite answers PING with PONG and decodes anything else as a payload.
func (p *Peripheral) onWrite(peer string, data []byte) {
	if protocol.IsPing(data) {
		err := p.adapter.SetValue(protocol.PongToken)

		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.emit.Warn("answering PING failed", "peer", peer, "error", err)
			return
		}
		p.emit.Info("PING received, PONG ready", "peer", peer)
		return
	}

	payload, err := protocol.DecodeAny(data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.emit.Warn("dropping write", "peer", peer, "error", err)
		return
	}
	canonical, err := protocol.EncodePayload(payload)
	if err != nil {
		p.emit.Warn("dropping write", "peer", peer, "error", err)
		return
	}
	ev := event.New(event.KindDataReceived, event.SourcePeripheral)
	ev.Peer = peer
	ev.Name = payload.ID
	ev.Data = canonical
	p.emit.Emit(ev)
}

// setState records s and reports the transition (caller must hold mu).
func (p *Peripheral) setState(s PeripheralState) {
	if p.state == s {
		return
	}
	p.state = s
	p.emit.State(s)
}
