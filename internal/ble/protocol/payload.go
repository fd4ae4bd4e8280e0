// Package protocol implements the GPS relay wire format: a JSON position
// payload carried on a single GATT characteristic, plus the PING/PONG
// liveness tokens exchanged on the same characteristic.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/chaz8081/gps-relay/internal/gps"
)

// ErrMalformedPayload is returned when received bytes are not a valid
// GPS payload.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// Payload is the decoded wire structure. Field order here is the key order
// on the wire: id, lat, lon, acc, alt, ts, spd. Alt and Spd encode as null
// when absent.
type Payload struct {
	ID  string   `json:"id"`
	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Acc float64  `json:"acc"`
	Alt *float64 `json:"alt"`
	TS  int64    `json:"ts"`
	Spd *float64 `json:"spd"`
}

// NewPayload builds the wire payload for sample sent by deviceID.
func NewPayload(sample gps.Sample, deviceID string) Payload {
	return Payload{
		ID:  deviceID,
		Lat: sample.Latitude,
		Lon: sample.Longitude,
		Acc: sample.AccuracyMeters,
		Alt: sample.AltitudeMeters,
		TS:  sample.TimestampMs,
		Spd: sample.SpeedMps,
	}
}

// Sample converts the payload back to a coordinate sample.
func (p Payload) Sample() gps.Sample {
	return gps.Sample{
		Latitude:       p.Lat,
		Longitude:      p.Lon,
		AccuracyMeters: p.Acc,
		AltitudeMeters: p.Alt,
		SpeedMps:       p.Spd,
		TimestampMs:    p.TS,
	}
}

// Encode serializes sample as canonical payload JSON.
func Encode(sample gps.Sample, deviceID string) ([]byte, error) {
	return EncodePayload(NewPayload(sample, deviceID))
}

// EncodePayload serializes p as canonical payload JSON. Non-finite values
// have no JSON representation and are rejected.
func EncodePayload(p Payload) ([]byte, error) {
	fields := []struct {
		name string
		v    *float64
	}{{"lat", &p.Lat}, {"lon", &p.Lon}, {"acc", &p.Acc}, {"alt", p.Alt}, {"spd", p.Spd}}
	for _, f := range fields {
		if f.v != nil && (math.IsNaN(*f.v) || math.IsInf(*f.v, 0)) {
			return nil, fmt.Errorf("protocol: %s is not finite: %v", f.name, *f.v)
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding payload: %w", err)
	}
	return data, nil
}

// wirePayload mirrors Payload with pointer coordinates so that missing
// required fields can be told apart from zero.
type wirePayload struct {
	ID  string   `json:"id"`
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Acc float64  `json:"acc"`
	Alt *float64 `json:"alt"`
	TS  json.Number `json:"ts"`
	Spd *float64    `json:"spd"`
}

// maxExactFloat is the largest magnitude at which every integer has an
// exact float64 representation.
const maxExactFloat = 1 << 53

// parseTimestamp reads ts as an int64. Integer literals are taken as-is;
// float forms are accepted only when they hold an exact integer.
func parseTimestamp(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if ts, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return ts, nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
		return 0, fmt.Errorf("%w: ts %s is not an int64 timestamp", ErrMalformedPayload, n)
	}
	return int64(f), nil
}

// Decode parses payload JSON. Unknown fields are ignored. It fails with
// ErrMalformedPayload if the JSON is invalid, lat/lon are missing or not
// numbers, or ts does not fit an int64.
func Decode(data []byte) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.Lat == nil {
		return Payload{}, fmt.Errorf("%w: missing lat", ErrMalformedPayload)
	}
	if w.Lon == nil {
		return Payload{}, fmt.Errorf("%w: missing lon", ErrMalformedPayload)
	}
	ts, err := parseTimestamp(w.TS)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		ID:  w.ID,
		Lat: *w.Lat,
		Lon: *w.Lon,
		Acc: w.Acc,
		Alt: w.Alt,
		TS:  ts,
		Spd: w.Spd,
	}, nil
}

// EncodeBase64 returns the central-mode wire form of sample: payload JSON
// wrapped in standard base64.
func EncodeBase64(sample gps.Sample, deviceID string) ([]byte, error) {
	data, err := Encode(sample, deviceID)
	if err != nil {
		return nil, err
	}
	return Base64.Wrap(data), nil
}

// DecodeBase64 unwraps base64 and decodes the payload inside.
func DecodeBase64(data []byte) (Payload, error) {
	raw, err := Base64.Unwrap(data)
	if err != nil {
		return Payload{}, err
	}
	return Decode(raw)
}

// DecodeAny accepts either wire form, trying base64 first.
func DecodeAny(data []byte) (Payload, error) {
	if p, err := DecodeBase64(data); err == nil {
		return p, nil
	}
	return Decode(data)
}

// WireFormat is the transport encoding applied to payload JSON.
type WireFormat int

const (
	// JSON sends payload JSON as-is (peripheral notifications).
	JSON WireFormat = iota
	// Base64 wraps payload JSON in standard base64 (central writes).
	Base64
)

func (f WireFormat) String() string {
	switch f {
	case JSON:
		return "json"
	case Base64:
		return "base64"
	default:
		return fmt.Sprintf("WireFormat(%d)", int(f))
	}
}

// Wrap applies the transport encoding to payload JSON.
func (f WireFormat) Wrap(data []byte) []byte {
	if f != Base64 {
		return data
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

// Unwrap reverses Wrap.
func (f WireFormat) Unwrap(data []byte) ([]byte, error) {
	if f != Base64 {
		return data, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedPayload, err)
	}
	return out[:n], nil
}
