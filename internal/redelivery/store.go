package redelivery

import (
	"context"
	"sync"
)

// StateStore persists per-message state. Load reports found=false for keys
// with no state.
type StateStore interface {
	Load(ctx context.Context, key Key) (State, bool, error)
	Save(ctx context.Context, st State) error
	Delete(ctx context.Context, key Key) error
}

// MemoryStore keeps state in process memory. It does not survive restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[Key]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[Key]State)}
}

func (m *MemoryStore) Load(_ context.Context, key Key) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	return st, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, st State) error {
	m.mu.Lock()
	m.states[st.Key] = st
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of tracked messages.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
