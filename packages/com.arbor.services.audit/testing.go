package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides an in-memory implementation of Store for testing
// and embedded use.
type MemoryStore struct {
	mu            sync.RWMutex
	contributions map[string]Contribution
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contributions: make(map[string]Contribution)}
}

func (s *MemoryStore) CreateContribution(ctx context.Context, c Contribution) (Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Date.IsZero() {
		c.Date = time.Now().UTC()
	}
	s.contributions[c.ID] = c
	return c, nil
}

func (s *MemoryStore) ListContributionsByNode(ctx context.Context, nodeID string, limit int) ([]Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Contribution
	for _, c := range s.contributions {
		if c.NodeID == nodeID {
			result = append(result, c)
		}
	}
	sortByDateDesc(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListContributionsByActor(ctx context.Context, actorID string, limit int) ([]Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Contribution
	for _, c := range s.contributions {
		if c.ActorID == actorID {
			result = append(result, c)
		}
	}
	sortByDateDesc(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortByDateDesc(list []Contribution) {
	sort.Slice(list, func(i, j int) bool { return list[i].Date.After(list[j].Date) })
}
