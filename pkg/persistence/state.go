package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cribcall/cribcall-go/pkg/noise"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// Default file names under the data directory.
const (
	MonitorStateFile  = "monitor-state.json"
	ListenerStateFile = "listener-state.json"
)

// ErrUnsupportedVersion is returned for state files written by a newer release.
var ErrUnsupportedVersion = errors.New("unsupported state version")

// MonitorState contains the runtime state of a monitor that is not part of
// its identity or trust store.
type MonitorState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Subscriptions are the noise subscriptions of paired listeners.
	Subscriptions []noise.Subscription `json:"subscriptions,omitempty"`
}

// MonitorStateStore persists MonitorState to a JSON file.
// It implements noise.Persister.
type MonitorStateStore struct {
	mu   sync.Mutex
	path string
}

// NewMonitorStateStore creates a new monitor state store.
func NewMonitorStateStore(path string) *MonitorStateStore {
	return &MonitorStateStore{path: path}
}

// Save persists the monitor state to disk.
func (s *MonitorStateStore) Save(state *MonitorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(state)
}

func (s *MonitorStateStore) save(state *MonitorState) error {
	state.Version = StateVersion
	state.SavedAt = time.Now()
	return writeJSON(s.path, state)
}

// Load reads the monitor state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *MonitorStateStore) Load() (*MonitorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *MonitorStateStore) load() (*MonitorState, error) {
	state := &MonitorState{}
	found, err := readJSON(s.path, state)
	if err != nil || !found {
		return nil, err
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}
	return state, nil
}

// Clear removes the state file.
func (s *MonitorStateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(s.path)
}

// LoadSubscriptions returns the persisted noise subscriptions.
func (s *MonitorStateStore) LoadSubscriptions() ([]noise.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil || state == nil {
		return nil, err
	}
	return state.Subscriptions, nil
}

// SaveSubscriptions replaces the persisted noise subscriptions.
func (s *MonitorStateStore) SaveSubscriptions(subs []noise.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if state == nil {
		state = &MonitorState{}
	}
	state.Subscriptions = subs
	return s.save(state)
}

// ListenerState contains the runtime state of a listener.
type ListenerState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Monitors holds per-monitor state keyed by monitor certificate fingerprint.
	Monitors map[string]MonitorLink `json:"monitors,omitempty"`
}

// MonitorLink is what a listener remembers about a paired monitor beyond trust.
type MonitorLink struct {
	// LastAddress is the host:port the control channel last connected to.
	LastAddress string `json:"last_address,omitempty"`

	// SubscriptionID is the active noise subscription, if any.
	SubscriptionID string `json:"subscription_id,omitempty"`

	// SubscriptionExpiresAt is the lease end in epoch seconds.
	SubscriptionExpiresAt int64 `json:"subscription_expires_at,omitempty"`

	// LastSeenAt is when the listener last talked to the monitor.
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// ListenerStateStore persists ListenerState to a JSON file.
type ListenerStateStore struct {
	mu   sync.Mutex
	path string
}

// NewListenerStateStore creates a new listener state store.
func NewListenerStateStore(path string) *ListenerStateStore {
	return &ListenerStateStore{path: path}
}

// Save persists the listener state to disk.
func (s *ListenerStateStore) Save(state *ListenerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.Version = StateVersion
	state.SavedAt = time.Now()
	return writeJSON(s.path, state)
}

// Load reads the listener state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *ListenerStateStore) Load() (*ListenerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &ListenerState{}
	found, err := readJSON(s.path, state)
	if err != nil || !found {
		return nil, err
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}
	return state, nil
}

// UpdateMonitor applies fn to the link of one monitor and saves the result.
func (s *ListenerStateStore) UpdateMonitor(fingerprint string, fn func(*MonitorLink)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &ListenerState{}
	if _, err := readJSON(s.path, state); err != nil {
		return err
	}
	if state.Monitors == nil {
		state.Monitors = make(map[string]MonitorLink)
	}
	link := state.Monitors[fingerprint]
	fn(&link)
	state.Monitors[fingerprint] = link

	state.Version = StateVersion
	state.SavedAt = time.Now()
	return writeJSON(s.path, state)
}

// RemoveMonitor forgets everything about one monitor.
func (s *ListenerStateStore) RemoveMonitor(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &ListenerState{}
	found, err := readJSON(s.path, state)
	if err != nil || !found {
		return err
	}
	delete(state.Monitors, fingerprint)
	state.SavedAt = time.Now()
	return writeJSON(s.path, state)
}

// Clear removes the state file.
func (s *ListenerStateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(s.path)
}

// writeJSON writes v to path via a temporary file and rename.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

var _ noise.Persister = (*MonitorStateStore)(nil)
