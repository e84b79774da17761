package dhcp

import (
	"sync"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// StateStore holds the last successfully applied State per daemon.
type StateStore interface {
	Get(daemon domain.DaemonID) (*State, bool)
	Set(daemon domain.DaemonID, s *State)
	Clear(daemon domain.DaemonID)
}

// MemoryStateStore is a process local StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[domain.DaemonID]*State
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[domain.DaemonID]*State)}
}

func (m *MemoryStateStore) Get(daemon domain.DaemonID) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[daemon]
	return s, ok
}

func (m *MemoryStateStore) Set(daemon domain.DaemonID, s *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[daemon] = s
}

func (m *MemoryStateStore) Clear(daemon domain.DaemonID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, daemon)
}
