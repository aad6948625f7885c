package agentstate

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemStore is a process-local Store for tests and ephemeral runs.
type MemStore struct {
	mu   sync.RWMutex
	rows map[string]*State
}

func NewMemStore() *MemStore {
	return &MemStore{rows: map[string]*State{}}
}

func (m *MemStore) Save(_ context.Context, st *State) error {
	if st == nil || st.AgentID == "" {
		return fmt.Errorf("agentstate: save requires an agent id")
	}
	c := st.Clone()
	m.mu.Lock()
	m.rows[st.AgentID] = c
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Load(_ context.Context, id string) (*State, bool, error) {
	m.mu.RLock()
	st, ok := m.rows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

func (m *MemStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	delete(m.rows, id)
	return ok, nil
}

func (m *MemStore) ListAgents(context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids, nil
}

func (m *MemStore) Close() error { return nil }
