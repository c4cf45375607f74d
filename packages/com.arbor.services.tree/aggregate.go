package tree

import (
	"context"

	"github.com/arborlabs/arbor/internal/app/metrics"
	core "github.com/arborlabs/arbor/system/framework/core"
)

// updateGlobalValues recalculates the node's aggregate from its own local
// totals plus the current persisted aggregates of its direct children, and
// returns the per-key net change against the previous aggregate. Keys whose
// new total is exactly zero are dropped to keep the map sparse.
func (s *Service) updateGlobalValues(ctx context.Context, node *Node) (map[string]float64, error) {
	newGlobal := node.LocalTotals()

	children, err := s.store.ListChildren(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		for k, v := range child.GlobalValues {
			newGlobal[k] += v
		}
	}
	for k, v := range newGlobal {
		if v == 0 {
			delete(newGlobal, k)
		}
	}

	previous := node.GlobalValues
	netChanges := make(map[string]float64)
	for k, v := range newGlobal {
		if diff := v - previous[k]; diff != 0 {
			netChanges[k] = diff
		}
	}
	for k, v := range previous {
		if _, ok := newGlobal[k]; !ok {
			netChanges[k] = -v
		}
	}

	node.GlobalValues = newGlobal
	return netChanges, nil
}

// propagate applies one net delta to every ancestor of the originating
// node, one atomic hop at a time. The delta is fixed for the whole walk:
// each ancestor's aggregate is a direct linear sum of descendant local
// totals, so the originating node's net change is additive at every level.
//
// The walk is iterative with a visited set so it terminates even if a bug
// ever introduces a cycle. A missing ancestor aborts the walk with a
// ConsistencyError.
func (s *Service) propagate(ctx context.Context, originID, parentID string, delta map[string]float64) error {
	if len(delta) == 0 || parentID == "" {
		return nil
	}

	visited := map[string]struct{}{originID: {}}
	current := parentID
	hops := 0

	for current != "" {
		if _, seen := visited[current]; seen {
			err := &ConsistencyError{NodeID: current, Detail: "cycle detected during aggregate propagation"}
			s.reportConsistency(err)
			return err
		}
		visited[current] = struct{}{}

		ancestor, err := s.store.GetNode(ctx, current)
		if err != nil {
			if core.IsNotFound(err) {
				cerr := &ConsistencyError{NodeID: current, Detail: "ancestor missing during aggregate propagation"}
				s.reportConsistency(cerr)
				return cerr
			}
			return err
		}
		if err := s.store.ApplyGlobalDelta(ctx, current, delta); err != nil {
			return err
		}

		hops++
		current = ancestor.Parent
	}

	metrics.ObservePropagationHops(hops)
	return nil
}

// recomputeAndPersist recalculates the node's aggregate, persists the node,
// and propagates the resulting delta to the root. Propagation runs to
// completion before the enclosing mutation is considered committed.
func (s *Service) recomputeAndPersist(ctx context.Context, node Node) (Node, error) {
	delta, err := s.updateGlobalValues(ctx, &node)
	if err != nil {
		return Node{}, err
	}
	saved, err := s.store.SaveNode(ctx, node)
	if err != nil {
		return Node{}, err
	}
	if err := s.propagate(ctx, saved.ID, saved.Parent, delta); err != nil {
		return Node{}, err
	}
	return saved, nil
}

// FullRecompute walks the entire subtree rooted at nodeID and sums local
// totals per key. It is the slow ground-truth the incremental aggregate is
// checked against by the inspector and by tests; core mutations never call
// it.
func (s *Service) FullRecompute(ctx context.Context, nodeID string) (map[string]float64, error) {
	totals := make(map[string]float64)
	visited := make(map[string]struct{})
	worklist := []string{nodeID}

	for len(worklist) > 0 {
		id := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if _, seen := visited[id]; seen {
			err := &ConsistencyError{NodeID: id, Detail: "cycle detected during full recompute"}
			s.reportConsistency(err)
			return nil, err
		}
		visited[id] = struct{}{}

		node, err := s.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		for k, v := range node.LocalTotals() {
			totals[k] += v
		}
		worklist = append(worklist, node.Children...)
	}

	for k, v := range totals {
		if v == 0 {
			delete(totals, k)
		}
	}
	return totals, nil
}

func (s *Service) reportConsistency(err *ConsistencyError) {
	metrics.RecordConsistencyError()
	s.log.WithError(err).
		WithField("node_id", err.NodeID).
		Error("tree invariant violated")
}
