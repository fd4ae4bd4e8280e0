//go:build !linux

package ble

import "fmt"

// gattServer is empty off Linux: the peripheral role needs a BlueZ GATT
// server, which tinygo-org/bluetooth only provides there.
type gattServer struct{}

var errNoPeripheral = fmt.Errorf("%w: peripheral role requires BlueZ", ErrRadioUnavailable)

func (r *Radio) Advertise(AdvertiseOptions) error { return errNoPeripheral }
func (r *Radio) StopAdvertising() error          { return nil }
func (r *Radio) Notify([]byte) error             { return errNoPeripheral }
func (r *Radio) SetValue([]byte) error           { return errNoPeripheral }
