package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFileName is the identity file inside a data directory.
const DefaultFileName = "identity.json"

// Store persists a single identity record.
type Store interface {
	// Load returns the stored record, or ErrNotFound.
	Load() (Record, error)

	// Save replaces the stored record.
	Save(Record) error

	// Delete removes the stored record. Deleting nothing is not an error.
	Delete() error
}

// FileStore keeps the record as a JSON file readable only by its owner.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the record from disk.
func (s *FileStore) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read identity: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrIdentityCorrupted, err)
	}
	return r, nil
}

// Save writes the record atomically (temp file + rename).
func (s *FileStore) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace identity: %w", err)
	}
	return nil
}

// Delete removes the file.
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

// MemoryStore keeps the record in memory. Used by tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.Mutex
	record *Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the record, or ErrNotFound.
func (s *MemoryStore) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return Record{}, ErrNotFound
	}
	return *s.record, nil
}

// Save stores a copy of r.
func (s *MemoryStore) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &r
	return nil
}

// Delete clears the record.
func (s *MemoryStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// LoadOrCreate returns the stored identity, generating and saving one on first
// run. A corrupted record fails with ErrIdentityCorrupted; it is not replaced.
func LoadOrCreate(store Store, deviceID string) (*DeviceIdentity, bool, error) {
	r, err := store.Load()
	switch {
	case err == nil:
		id, err := FromRecord(r)
		if err != nil {
			return nil, false, err
		}
		return id, false, nil
	case errors.Is(err, ErrNotFound):
		id, err := create(store, deviceID)
		return id, true, err
	default:
		return nil, false, err
	}
}

// Regenerate discards the stored identity and creates a new one. Every
// existing trust relationship is invalidated by this call.
func Regenerate(store Store, deviceID string) (*DeviceIdentity, error) {
	if err := store.Delete(); err != nil {
		return nil, err
	}
	return create(store, deviceID)
}

func create(store Store, deviceID string) (*DeviceIdentity, error) {
	id, err := Generate(deviceID)
	if err != nil {
		return nil, err
	}
	r, err := id.Record()
	if err != nil {
		return nil, err
	}
	if err := store.Save(r); err != nil {
		return nil, err
	}
	return id, nil
}
