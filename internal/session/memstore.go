package session

import "sync"

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]State)}
}

func (s *MemStore) Load(deviceID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[deviceID], nil
}

func (s *MemStore) Save(deviceID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[deviceID] = state
	return nil
}

func (s *MemStore) Clear(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, deviceID)
	return nil
}
