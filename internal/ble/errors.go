package ble

import "errors"

var (
	// ErrPermissionDenied means a required location or Bluetooth permission
	// was refused. It is not retried automatically.
	ErrPermissionDenied = errors.New("ble: permission denied")
	// ErrRadioUnavailable means the adapter is off or could not be used.
	ErrRadioUnavailable = errors.New("ble: radio unavailable")
	// ErrConnectionFailed means link establishment or service discovery failed.
	ErrConnectionFailed = errors.New("ble: connection failed")
	// ErrWriteFailed means a central write did not reach the radio.
	ErrWriteFailed = errors.New("ble: write failed")
	// ErrNotifyFailed means a peripheral notification did not reach the radio.
	ErrNotifyFailed = errors.New("ble: notify failed")
	// ErrNotConnected is returned by operations that need a live link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ble: session closed")
)
