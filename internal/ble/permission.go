package ble

import (
	"context"
	"fmt"
)

// Permission is a capability the platform may ask the user to grant.
type Permission string

const (
	PermissionLocation           Permission = "location"
	PermissionBluetoothScan      Permission = "bluetooth_scan"
	PermissionBluetoothConnect   Permission = "bluetooth_connect"
	PermissionBluetoothAdvertise Permission = "bluetooth_advertise"
)

// PermissionPrompter asks for a permission and reports whether it was granted.
type PermissionPrompter interface {
	Request(ctx context.Context, p Permission) (bool, error)
}

// GrantAll grants every permission. Desktop hosts have no runtime
// permission dialogs; access is decided by the BlueZ policy instead.
type GrantAll struct{}

func (GrantAll) Request(context.Context, Permission) (bool, error) { return true, nil }

// StaticPrompter answers from a fixed table. Missing entries are denied.
type StaticPrompter map[Permission]bool

func (s StaticPrompter) Request(_ context.Context, p Permission) (bool, error) {
	return s[p], nil
}

// requestPermissions asks for each permission in order and stops at the
// first refusal.
func requestPermissions(ctx context.Context, prompter PermissionPrompter, perms ...Permission) error {
	if prompter == nil {
		return nil
	}
	for _, p := range perms {
		granted, err := prompter.Request(ctx, p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, p, err)
		}
		if !granted {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, p)
		}
	}
	return nil
}

// rolePermissions lists what a role must hold before using the radio.
// Location is always required; the Bluetooth runtime permissions only on
// platforms that have them.
func rolePermissions(requireBLE bool, ble ...Permission) []Permission {
	perms := []Permission{PermissionLocation}
	if requireBLE {
		perms = append(perms, ble...)
	}
	return perms
}
