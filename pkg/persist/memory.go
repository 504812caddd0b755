package persist

import (
	"context"
	"sync"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

// MemoryStore is an in-process, non-durable Store implementation. It backs
// the default configuration (persist.backend: memory) for development and
// for tests that do not need restart-survival.
type MemoryStore struct {
	mu         sync.RWMutex
	properties map[string]map[string][]byte
	childState map[string]map[string]ChildState // nexusUUID -> childURI -> state
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		properties: make(map[string]map[string][]byte),
		childState: make(map[string]map[string]ChildState),
	}
}

func (s *MemoryStore) PutProperty(_ context.Context, replicaUUID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.properties[replicaUUID]
	if !ok {
		m = make(map[string][]byte)
		s.properties[replicaUUID] = m
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m[key] = cp
	return nil
}

func (s *MemoryStore) GetProperty(_ context.Context, replicaUUID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.properties[replicaUUID]
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "no properties stored for replica %s", replicaUUID)
	}
	v, ok := m[key]
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "property %q not set for replica %s", key, replicaUUID)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemoryStore) ListProperties(_ context.Context, replicaUUID string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.properties[replicaUUID] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (s *MemoryStore) DeleteProperties(_ context.Context, replicaUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.properties, replicaUUID)
	return nil
}

func (s *MemoryStore) UpdateChildState(_ context.Context, st ChildState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.childState[st.NexusUUID]
	if !ok {
		m = make(map[string]ChildState)
		s.childState[st.NexusUUID] = m
	}
	m[st.ChildURI] = st
	return nil
}

func (s *MemoryStore) ChildStates(_ context.Context, nexusUUID string) ([]ChildState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChildState, 0, len(s.childState[nexusUUID]))
	for _, st := range s.childState[nexusUUID] {
		out = append(out, st)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
