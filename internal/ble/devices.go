package ble

import "sync"

// DeviceSet holds the peers found during a scan, keyed by address and kept
// in discovery order. A repeat sighting refreshes name and RSSI in place.
type DeviceSet struct {
	mu      sync.Mutex
	order   []string
	devices map[string]Device
}

// NewDeviceSet returns an empty set.
func NewDeviceSet() *DeviceSet {
	return &DeviceSet{devices: make(map[string]Device)}
}

// Add records d and reports whether its address was new.
func (s *DeviceSet) Add(d Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.devices[d.Address]
	if !seen {
		s.order = append(s.order, d.Address)
	}
	s.devices[d.Address] = d
	return !seen
}

// Get returns the device with the given address.
func (s *DeviceSet) Get(address string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[address]
	return d, ok
}

// Devices returns a copy of the set in discovery order.
func (s *DeviceSet) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.devices[addr])
	}
	return out
}

// Len returns the number of distinct devices.
func (s *DeviceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Reset empties the set.
func (s *DeviceSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.devices = make(map[string]Device)
}
