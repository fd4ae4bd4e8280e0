// Package event defines the typed notifications that sessions, the
// transmission scheduler and the controller report upward.
package event

import (
	"fmt"
	"time"
)

// Kind identifies what an Event reports.
type Kind int

const (
	// KindState reports a session state transition.
	KindState Kind = iota
	// KindLog carries a free-form diagnostic line.
	KindLog
	// KindError carries a failure that should be shown to the user.
	KindError
	// KindPeerDiscovered reports a scan result that passed the name filter.
	KindPeerDiscovered
	// KindPeerConnected reports a central connecting to our peripheral.
	KindPeerConnected
	// KindPeerDisconnected reports a central leaving our peripheral.
	KindPeerDisconnected
	// KindDataReceived carries a decoded GPS payload from a peer.
	KindDataReceived
	// KindTransmitted reports a payload handed to the radio.
	KindTransmitted
)

var kindNames = []string{
	"state", "log", "error", "peer_discovered",
	"peer_connected", "peer_disconnected", "data_received", "transmitted",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a name produced by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if name == string(text) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("event: unknown kind %q", text)
}

// Source names the component that emitted an Event.
type Source string

const (
	SourcePeripheral Source = "peripheral"
	SourceCentral    Source = "central"
	SourceScheduler  Source = "scheduler"
	SourceController Source = "controller"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    Kind      `json:"kind"`
	Source  Source    `json:"source"`
	Time    time.Time `json:"time"`
	State   string    `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`
	Err     error     `json:"-"`
	Peer    string    `json:"peer,omitempty"`
	Name    string    `json:"name,omitempty"`
	RSSI    int       `json:"rssi,omitempty"`
	// Data is the raw payload for KindDataReceived and KindTransmitted.
	Data []byte `json:"data,omitempty"`
	// Count is the transmitted count after a KindTransmitted event.
	Count uint64 `json:"count,omitempty"`
}

// Listener receives events. Implementations must not block and must not
// call back into the emitting component.
type Listener func(Event)

// New returns an Event of the given kind stamped with the current time.
func New(kind Kind, src Source) Event {
	return Event{Kind: kind, Source: src, Time: time.Now()}
}

// Log returns a KindLog event.
func Log(src Source, format string, args ...any) Event {
	ev := New(KindLog, src)
	ev.Message = fmt.Sprintf(format, args...)
	return ev
}

// Error returns a KindError event carrying err.
func Error(src Source, err error) Event {
	ev := New(KindError, src)
	ev.Err = err
	if err != nil {
		ev.Message = err.Error()
	}
	return ev
}

// State returns a KindState event.
func State(src Source, state fmt.Stringer) Event {
	ev := New(KindState, src)
	ev.State = state.String()
	return ev
}
