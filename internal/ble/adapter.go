// Package ble implements the two GPS relay roles over Bluetooth Low Energy:
// a GATT peripheral that advertises the GPS characteristic and notifies
// subscribers, and a GATT central that scans, connects, verifies the peer
// with PING/PONG and writes payloads. Radio access goes through the
// capability interfaces below so the state machines can be tested with
// scripted mocks.
package ble

import "context"

// Characteristic represents a BLE GATT characteristic on a remote peer.
type Characteristic interface {
	// Write sends data without waiting for an acknowledgment.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
	// IsConnected probes whether the link is still up.
	IsConnected() bool
}

// Adapter abstracts the central-role radio.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement seen until ctx is cancelled, before
	// any name filtering. It blocks for the duration of the scan.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// AdvertiseOptions describes the GATT service a peripheral exposes.
type AdvertiseOptions struct {
	LocalName   string
	ServiceUUID string
	CharUUID    string
	// OnWrite is called for every write a central makes to the characteristic.
	OnWrite func(peer string, data []byte)
}

// PeripheralAdapter abstracts the peripheral-role radio and GATT server.
type PeripheralAdapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Advertise registers the service and starts advertising it.
	Advertise(opts AdvertiseOptions) error
	// StopAdvertising stops advertising. Existing links may persist.
	StopAdvertising() error
	// Notify updates the characteristic value and notifies subscribers.
	Notify(data []byte) error
	// SetValue updates the readable characteristic value.
	SetValue(data []byte) error
	// SetConnectHandler registers a callback for centrals connecting and
	// disconnecting. A nil handler unregisters.
	SetConnectHandler(handler func(peer string, connected bool))
}
