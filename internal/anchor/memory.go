package anchor

import (
	"context"
	"sync"

	"github.com/starford/marginalia/internal/apperr"
)

// MemoryPersistence is an in-process Persistence. It copies values on the
// way in and out so callers cannot alias stored bytes.
type MemoryPersistence struct {
	mu   sync.Mutex
	data map[string][]byte

	// FailWrites makes Set return the given error; used to exercise
	// rollback paths.
	FailWrites error
}

// NewMemoryPersistence returns an empty MemoryPersistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{data: make(map[string][]byte)}
}

// Get implements Persistence.
func (m *MemoryPersistence) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements Persistence.
func (m *MemoryPersistence) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Len returns how many keys hold data.
func (m *MemoryPersistence) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
