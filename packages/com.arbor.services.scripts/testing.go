package scripts

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	core "github.com/arborlabs/arbor/system/framework/core"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]Execution
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]Execution)}
}

// CreateExecution stores one execution record.
func (m *MemoryStore) CreateExecution(ctx context.Context, exec Execution) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	m.executions[exec.ID] = exec
	return exec, nil
}

// GetExecution retrieves one execution record.
func (m *MemoryStore) GetExecution(ctx context.Context, id string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return Execution{}, core.NewNotFoundError("execution", id)
	}
	return exec, nil
}

// ListExecutionsByNode returns a node's executions, most recent first.
func (m *MemoryStore) ListExecutionsByNode(ctx context.Context, nodeID string, limit int) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []Execution
	for _, exec := range m.executions {
		if exec.NodeID == nodeID {
			result = append(result, exec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
