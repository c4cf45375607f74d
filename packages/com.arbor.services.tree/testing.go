package tree

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arborlabs/arbor/packages/com.arbor.services.audit"
	core "github.com/arborlabs/arbor/system/framework/core"
)

// MemoryStore provides an in-memory implementation of Store for testing
// and embedded use. Nodes are deep-copied on the way in and out so callers
// never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]*Node)}
}

func (s *MemoryStore) CreateNode(ctx context.Context, node Node) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if _, exists := s.nodes[node.ID]; exists {
		return Node{}, core.NewConflictError("node", node.ID, "")
	}
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now
	s.nodes[node.ID] = node.Clone()
	return node, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return Node{}, core.NewNotFoundError("node", id)
	}
	return *node.Clone(), nil
}

func (s *MemoryStore) SaveNode(ctx context.Context, node Node) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.ID]; !ok {
		return Node{}, core.NewNotFoundError("node", node.ID)
	}
	node.UpdatedAt = time.Now().UTC()
	s.nodes[node.ID] = node.Clone()
	return node, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return core.NewNotFoundError("node", id)
	}
	delete(s.nodes, id)
	return nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Node
	for _, node := range s.nodes {
		if node.Parent == parentID && parentID != "" {
			result = append(result, *node.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRoots(ctx context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Node
	for _, node := range s.nodes {
		if node.Parent == "" {
			result = append(result, *node.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) ApplyGlobalDelta(ctx context.Context, nodeID string, delta map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return core.NewNotFoundError("node", nodeID)
	}
	if node.GlobalValues == nil {
		node.GlobalValues = make(map[string]float64)
	}
	for k, change := range delta {
		next := node.GlobalValues[k] + change
		if next == 0 {
			delete(node.GlobalValues, k)
		} else {
			node.GlobalValues[k] = next
		}
	}
	node.UpdatedAt = time.Now().UTC()
	return nil
}

// NopAuditLog discards contributions; used in tests that do not assert on
// audit output.
type NopAuditLog struct{}

func (NopAuditLog) Append(ctx context.Context, _ audit.Contribution) error { return nil }
