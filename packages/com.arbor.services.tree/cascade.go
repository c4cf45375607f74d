package tree

import (
	"context"
	"time"

	"github.com/arborlabs/arbor/packages/com.arbor.services.audit"
	core "github.com/arborlabs/arbor/system/framework/core"
)

// cascadeStatus applies a cascading status to the current version of every
// descendant, one audit record per affected node. Each descendant is
// mutated through its own queue chain so a cascade never starves out
// concurrent single-node edits. The divider status is not cascadable and
// never reaches this path.
func (s *Service) cascadeStatus(ctx context.Context, originID string, children []string, status Status, actorID string) error {
	visited := map[string]struct{}{originID: {}}
	worklist := append([]string(nil), children...)

	for len(worklist) > 0 {
		id := worklist[0]
		worklist = worklist[1:]
		if _, seen := visited[id]; seen {
			err := &ConsistencyError{NodeID: id, Detail: "cycle detected during status cascade"}
			s.reportConsistency(err)
			return err
		}
		visited[id] = struct{}{}

		var next []string
		err := s.queue.Do(ctx, id, func(ctx context.Context) error {
			node, err := s.store.GetNode(ctx, id)
			if err != nil {
				if core.IsNotFound(err) {
					cerr := &ConsistencyError{NodeID: id, Detail: "child missing during status cascade"}
					s.reportConsistency(cerr)
					return nil // keep cascading the remaining branches
				}
				return err
			}
			next = append([]string(nil), node.Children...)

			current := node.CurrentVersion()
			if current == nil {
				cerr := &ConsistencyError{NodeID: id, Detail: "no version at current prestige"}
				s.reportConsistency(cerr)
				return nil
			}
			current.Status = status
			if status == StatusActive {
				repairStrayActive(&node, node.Prestige)
			}
			if _, err := s.store.SaveNode(ctx, node); err != nil {
				return err
			}
			s.appendAudit(ctx, audit.Contribution{
				ActorID:      actorID,
				NodeID:       id,
				Action:       audit.ActionEditStatus,
				NodeVersion:  node.Prestige,
				StatusEdited: string(status),
				Date:         time.Now().UTC(),
			})
			return nil
		})
		if err != nil {
			return err
		}
		worklist = append(worklist, next...)
	}
	return nil
}
