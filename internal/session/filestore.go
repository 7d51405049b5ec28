package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps one JSON state file per device id under a root
// directory, surviving process restarts the way a device-persistent store
// must.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create session state dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// path hashes the device id so arbitrary client-supplied ids cannot shape
// filesystem paths.
func (s *FileStore) path(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return filepath.Join(s.root, hex.EncodeToString(sum[:16])+".json")
}

func (s *FileStore) Load(deviceID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read session state: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		// Corrupt state is dropped rather than wedging every sign-in.
		return State{}, nil
	}
	return state, nil
}

func (s *FileStore) Save(deviceID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	path := s.path(deviceID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session state: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(deviceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear session state: %w", err)
	}
	return nil
}
