//go:build linux

package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// gattServer is the BlueZ GATT service backing the peripheral role. BlueZ
// cannot remove an application service, so it is registered once and
// advertising is toggled around it.
type gattServer struct {
	char       bluetooth.Characteristic
	registered bool
	adv        *bluetooth.Advertisement
	onWrite    func(peer string, data []byte)
}

func (r *Radio) Advertise(opts AdvertiseOptions) error {
	svcUUID, err := parseUUID(opts.ServiceUUID)
	if err != nil {
		return err
	}
	chrUUID, err := parseUUID(opts.CharUUID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gatt.onWrite = opts.OnWrite

	if !r.gatt.registered {
		err := r.adapter.AddService(&bluetooth.Service{
			UUID: svcUUID,
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle: &r.gatt.char,
					UUID:   chrUUID,
					Value:  []byte{},
					Flags: bluetooth.CharacteristicReadPermission |
						bluetooth.CharacteristicWritePermission |
						bluetooth.CharacteristicWriteWithoutResponsePermission |
						bluetooth.CharacteristicNotifyPermission,
					WriteEvent: r.onGattWrite,
				},
			},
		})
		if err != nil {
			return fmt.Errorf("ble: add GPS service: %w", err)
		}
		r.gatt.registered = true
	}

	if r.gatt.adv == nil {
		adv := r.adapter.DefaultAdvertisement()
		err := adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    opts.LocalName,
			ServiceUUIDs: []bluetooth.UUID{svcUUID},
		})
		if err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
		r.gatt.adv = adv
	}
	if err := r.gatt.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	return nil
}

func (r *Radio) onGattWrite(client bluetooth.Connection, offset int, value []byte) {
	r.mu.Lock()
	onWrite := r.gatt.onWrite
	r.mu.Unlock()
	if onWrite == nil || offset != 0 {
		return
	}
	data := make([]byte, len(value))
	copy(data, value)
	onWrite(fmt.Sprint(client), data)
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gatt.adv == nil {
		return nil
	}
	return r.gatt.adv.Stop()
}

func (r *Radio) Notify(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.gatt.registered {
		return ErrNotConnected
	}
	_, err := r.gatt.char.Write(data)
	return err
}

func (r *Radio) SetValue(data []byte) error {
	return r.Notify(data)
}
