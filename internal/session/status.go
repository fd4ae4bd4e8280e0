package session

import (
	"errors"
	"time"

	"github.com/chaz8081/gps-relay/internal/ble"
	"github.com/chaz8081/gps-relay/internal/event"
)

// LogLine is one entry of the recent-log ring.
type LogLine struct {
	Time    time.Time    `json:"time"`
	Source  event.Source `json:"source"`
	Message string       `json:"message"`
	Error   bool         `json:"error,omitempty"`
}

// Alert is the failure currently shown to the user. Persistent alerts
// stay until the next successful start, connect or verify; the rest
// expire after Options.AlertTTL.
type Alert struct {
	Message    string       `json:"message"`
	Source     event.Source `json:"source"`
	Time       time.Time    `json:"time"`
	Persistent bool         `json:"persistent"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Mode            Mode         `json:"mode"`
	DeviceID        string       `json:"device_id"`
	PeripheralState string       `json:"peripheral_state"`
	CentralState    string       `json:"central_state"`
	Peer            string       `json:"peer,omitempty"`
	Transmitting    bool         `json:"transmitting"`
	IntervalMs      int64        `json:"interval_ms"`
	Transmitted     uint64       `json:"transmitted"`
	Devices         []ble.Device `json:"devices"`
	Peers           []string     `json:"peers"`
	Alert           *Alert       `json:"alert,omitempty"`
	Logs            []LogLine    `json:"logs"`
}

// Status returns a snapshot for status surfaces.
func (c *Controller) Status() Status {
	st := Status{
		Mode:            c.Mode(),
		DeviceID:        c.deviceID,
		PeripheralState: c.peripheral.State().String(),
		CentralState:    c.central.State().String(),
		Peer:            c.central.Peer(),
		Transmitting:    c.scheduler.Running(),
		IntervalMs:      c.Interval().Milliseconds(),
		Transmitted:     c.scheduler.Count(),
		Devices:         c.central.Devices(),
		Peers:           c.peripheral.Peers(),
		Logs:            c.Logs(),
	}
	if a, ok := c.Alert(); ok {
		st.Alert = &a
	}
	if st.Devices == nil {
		st.Devices = []ble.Device{}
	}
	if st.Peers == nil {
		st.Peers = []string{}
	}
	if st.Logs == nil {
		st.Logs = []LogLine{}
	}
	return st
}

// Logs returns the recent log lines, oldest first.
func (c *Controller) Logs() []LogLine {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	return c.logs.lines()
}

// Alert returns the current alert, if any.
func (c *Controller) Alert() (Alert, bool) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.alert == nil {
		return Alert{}, false
	}
	if !c.alert.Persistent && c.now().Sub(c.alert.Time) >= c.opts.AlertTTL {
		c.alert = nil
		return Alert{}, false
	}
	return *c.alert, true
}

func (c *Controller) clearAlert() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	c.alert = nil
}

// record updates the log ring and alert for ev (caller must hold evMu).
func (c *Controller) record(ev event.Event) {
	switch ev.Kind {
	case event.KindLog:
		c.logs.add(LogLine{Time: ev.Time, Source: ev.Source, Message: ev.Message})
	case event.KindError:
		c.logs.add(LogLine{Time: ev.Time, Source: ev.Source, Message: ev.Message, Error: true})
		c.alert = &Alert{
			Message:    ev.Message,
			Source:     ev.Source,
			Time:       c.now(),
			Persistent: persistent(ev.Err),
		}
	case event.KindState:
		if succeeded(ev) {
			c.alert = nil
		}
	}
}

func persistent(err error) bool {
	return errors.Is(err, ble.ErrConnectionFailed) || errors.Is(err, ble.ErrPermissionDenied)
}

// succeeded reports whether ev is a role reaching its working state.
func succeeded(ev event.Event) bool {
	switch ev.Source {
	case event.SourcePeripheral:
		return ev.State == ble.PeripheralAdvertising.String()
	case event.SourceCentral:
		return ev.State == ble.CentralConnected.String()
	}
	return false
}

// logRing keeps the most recent n log lines.
type logRing struct {
	buf  []LogLine
	next int
	full bool
}

func newLogRing(n int) *logRing {
	return &logRing{buf: make([]LogLine, n)}
}

func (r *logRing) add(l LogLine) {
	r.buf[r.next] = l
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) lines() []LogLine {
	if !r.full {
		return append([]LogLine(nil), r.buf[:r.next]...)
	}
	out := make([]LogLine, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
