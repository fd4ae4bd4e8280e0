// Package identity persists the relay's device identifier.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ShortIDLen is the length of the identifier carried in every payload.
const ShortIDLen = 8

// NamePrefix is prepended to ShortID to form the advertised local name.
const NamePrefix = "GPS-"

type file struct {
	DeviceID string `yaml:"device_id"`
}

// Store hands out a device UUID that survives restarts. If the backing
// file cannot be read or written, it falls back to an ephemeral UUID for
// the lifetime of the process.
type Store struct {
	path string

	mu        sync.Mutex
	id        string
	ephemeral bool
}

// NewStore creates a store backed by the YAML file at path. An empty path
// means no persistence.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DeviceID returns the persisted UUID, generating and saving one on first
// use. The result is cached.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return s.id
	}

	id, err := s.loadOrCreate()
	if err != nil {
		slog.Warn("[ID] identity storage unavailable, using ephemeral id", "path", s.path, "error", err)
		id = uuid.NewString()
		s.ephemeral = true
	}
	s.id = id
	return s.id
}

// Ephemeral reports whether DeviceID could not be persisted and will
// change on the next run.
func (s *Store) Ephemeral() bool {
	s.DeviceID()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeral
}

// ShortID returns the first 8 characters of the device UUID, upper-cased.
func (s *Store) ShortID() string {
	return Short(s.DeviceID())
}

// AdvertisingName returns the BLE local name for this relay.
func (s *Store) AdvertisingName() string {
	return NamePrefix + s.ShortID()
}

// Short derives the payload identifier from a device UUID.
func Short(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > ShortIDLen {
		id = id[:ShortIDLen]
	}
	return strings.ToUpper(id)
}

func (s *Store) loadOrCreate() (string, error) {
	if s.path == "" {
		return "", errors.New("identity: no storage path configured")
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return "", fmt.Errorf("identity: parsing %s: %w", s.path, err)
		}
		if _, err := uuid.Parse(f.DeviceID); err == nil {
			return f.DeviceID, nil
		}
		slog.Warn("[ID] stored device id invalid, regenerating", "path", s.path, "device_id", f.DeviceID)
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("identity: reading %s: %w", s.path, err)
	}

	id := uuid.NewString()
	out, err := yaml.Marshal(file{DeviceID: id})
	if err != nil {
		return "", fmt.Errorf("identity: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return "", fmt.Errorf("identity: creating dir: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0600); err != nil {
		return "", fmt.Errorf("identity: writing %s: %w", s.path, err)
	}
	slog.Info("[ID] generated device id", "path", s.path, "short_id", Short(id))
	return id, nil
}
