package protocol

import (
	"bytes"
	"strings"
)

// GATT identifiers shared by relays and receivers. One characteristic
// carries payloads in both directions and the PING/PONG exchange.
const (
	ServiceUUID = "12345678-1234-5678-1234-56789abcdef0"
	CharUUID    = "12345678-1234-5678-1234-56789abcdef1"
)

// DeviceName is the local name advertised by the reference receiver.
const DeviceName = "GPS-ARDUINO"

// Liveness tokens, sent as raw ASCII rather than JSON.
var (
	PingToken = []byte("PING")
	PongToken = []byte("PONG")
)

// IsPing reports whether data is exactly the PING token.
func IsPing(data []byte) bool {
	return bytes.Equal(data, PingToken)
}

// IsPong reports whether data is exactly the PONG token.
func IsPong(data []byte) bool {
	return bytes.Equal(data, PongToken)
}

// MatchesName is the scan filter for relay peers: any advertised name
// containing "GPS", which includes DeviceName and "GPS-<id>" relays.
func MatchesName(name string) bool {
	return strings.Contains(name, "GPS") || name == DeviceName
}
