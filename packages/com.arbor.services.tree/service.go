package tree

import (
	"context"
	"fmt"
	"time"

	"github.com/arborlabs/arbor/internal/app/metrics"
	"github.com/arborlabs/arbor/packages/com.arbor.services.audit"
	"github.com/arborlabs/arbor/pkg/logger"
	"github.com/arborlabs/arbor/system/framework"
	core "github.com/arborlabs/arbor/system/framework/core"
)

// Config bounds caller input.
type Config struct {
	ReeffectCeiling float64 // hours; zero means DefaultReeffectCeiling
	MaxScriptSize   int     // characters; zero means MaxScriptSize
}

func (c Config) reeffectCeiling() float64 {
	if c.ReeffectCeiling <= 0 {
		return DefaultReeffectCeiling
	}
	return c.ReeffectCeiling
}

func (c Config) maxScriptSize() int {
	if c.MaxScriptSize <= 0 {
		return MaxScriptSize
	}
	return c.MaxScriptSize
}

// Service owns the node model and its invariants. Every mutating method
// routes through the per-node mutation queue, so a human-initiated edit
// and a script-initiated edit on the same node can never interleave.
type Service struct {
	framework.ServiceBase
	store Store
	audit audit.Log
	queue *Queue
	log   *logger.Logger
	cfg   Config
}

// Name returns the stable service name.
func (s *Service) Name() string { return "tree" }

// Domain reports the service domain for grouping.
func (s *Service) Domain() string { return "tree" }

// Manifest describes the service contract.
func (s *Service) Manifest() *framework.Manifest {
	return &framework.Manifest{
		Name:         s.Name(),
		Domain:       s.Domain(),
		Description:  "Versioned node tree with incremental aggregate propagation",
		Layer:        "service",
		DependsOn:    []string{"store", "audit"},
		Capabilities: []string{"tree"},
	}
}

// Descriptor advertises the service for system discovery.
func (s *Service) Descriptor() framework.Descriptor { return s.Manifest().ToDescriptor() }

// New constructs a tree service.
func New(store Store, auditLog audit.Log, queue *Queue, log *logger.Logger, cfg Config) *Service {
	if log == nil {
		log = logger.NewDefault("tree")
	}
	if queue == nil {
		queue = NewQueue(log)
	}
	svc := &Service{store: store, audit: auditLog, queue: queue, log: log, cfg: cfg}
	svc.SetName(svc.Name())
	return svc
}

// Get returns one node.
func (s *Service) Get(ctx context.Context, nodeID string) (Node, error) {
	return s.store.GetNode(ctx, nodeID)
}

// ListChildren returns the direct children of a node.
func (s *Service) ListChildren(ctx context.Context, nodeID string) ([]Node, error) {
	return s.store.ListChildren(ctx, nodeID)
}

// ListRoots returns every root node.
func (s *Service) ListRoots(ctx context.Context) ([]Node, error) {
	return s.store.ListRoots(ctx)
}

// CreateNodeRequest describes a node creation.
type CreateNodeRequest struct {
	ParentID string
	Spec     Spec
	IsRoot   bool
	ActorID  string
}

// CreateNode creates one node (optionally with nested children, created
// depth-first). Roots record the actor as owner; non-roots are linked into
// the parent's children set transactionally with the parent save.
func (s *Service) CreateNode(ctx context.Context, req CreateNodeRequest) (Node, error) {
	node, err := s.createNode(ctx, req)
	metrics.RecordMutation(string(audit.ActionCreate), err)
	return node, err
}

func (s *Service) createNode(ctx context.Context, req CreateNodeRequest) (Node, error) {
	name, err := core.TrimAndValidate(req.Spec.Name, "name")
	if err != nil {
		return Node{}, err
	}
	if req.ActorID == "" {
		return Node{}, core.RequiredError("actor_id")
	}
	if req.IsRoot && req.ParentID != "" {
		return Node{}, core.NewValidationError("parent", "a root cannot have a parent")
	}
	if !req.IsRoot && req.ParentID == "" {
		return Node{}, core.RequiredError("parent")
	}
	if err := validateSpecMaps(req.Spec); err != nil {
		return Node{}, err
	}
	if req.Spec.ReeffectTime < 0 || req.Spec.ReeffectTime > s.cfg.reeffectCeiling() {
		return Node{}, reeffectError(s.cfg.reeffectCeiling())
	}

	node := Node{
		Name:     name,
		Prestige: 0,
		Versions: []Version{
			NewVersion(cloneValues(req.Spec.Values), cloneValues(req.Spec.Goals), req.Spec.Schedule, req.Spec.ReeffectTime),
		},
		GlobalValues:   map[string]float64{},
		PrestigeTotals: map[string]float64{},
		Parent:         req.ParentID,
	}
	if req.IsRoot {
		node.RootOwner = req.ActorID
	}

	if req.ParentID == "" {
		created, err := s.createDetached(ctx, node, req.ActorID)
		if err != nil {
			return Node{}, err
		}
		return s.createChildren(ctx, created, req.Spec.Children, req.ActorID)
	}

	// Linking mutates the parent's children set, so serialize on the
	// parent's chain.
	var created Node
	err = s.queue.Do(ctx, req.ParentID, func(ctx context.Context) error {
		parent, err := s.store.GetNode(ctx, req.ParentID)
		if err != nil {
			if core.IsNotFound(err) {
				return core.NewNotFoundError("parent", req.ParentID)
			}
			return err
		}
		created, err = s.createDetached(ctx, node, req.ActorID)
		if err != nil {
			return err
		}
		parent.Children = append(parent.Children, created.ID)
		if _, err := s.store.SaveNode(ctx, parent); err != nil {
			return err
		}
		// The new node's locals must reach every ancestor before the
		// create is acknowledged.
		return s.propagate(ctx, created.ID, created.Parent, created.GlobalValues)
	})
	if err != nil {
		return Node{}, err
	}
	return s.createChildren(ctx, created, req.Spec.Children, req.ActorID)
}

func (s *Service) createDetached(ctx context.Context, node Node, actorID string) (Node, error) {
	node.GlobalValues = node.LocalTotals()
	for k, v := range node.GlobalValues {
		if v == 0 {
			delete(node.GlobalValues, k)
		}
	}
	created, err := s.store.CreateNode(ctx, node)
	if err != nil {
		return Node{}, err
	}
	s.appendAudit(ctx, audit.Contribution{
		ActorID: actorID,
		NodeID:  created.ID,
		Action:  audit.ActionCreate,
	})
	return created, nil
}

func (s *Service) createChildren(ctx context.Context, parent Node, specs []Spec, actorID string) (Node, error) {
	for _, child := range specs {
		if _, err := s.createNode(ctx, CreateNodeRequest{ParentID: parent.ID, Spec: child, ActorID: actorID}); err != nil {
			return Node{}, err
		}
	}
	return s.store.GetNode(ctx, parent.ID)
}

// awaitResult waits for a queued result, honoring the caller's context.
// The operation itself still runs to completion even if the caller stops
// waiting.
func awaitResult(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rejected delivers a mutation that failed validation before reaching the
// queue.
func rejected(action audit.Action, err error) <-chan error {
	metrics.RecordMutation(string(action), err)
	result := make(chan error, 1)
	result <- err
	return result
}

// SetValue sets one key of one version's values and re-propagates
// aggregates before returning. The value may be numeric or a plain decimal
// string; exponential notation is rejected.
func (s *Service) SetValue(ctx context.Context, nodeID, key string, value any, versionIndex int, actorID string) error {
	return awaitResult(ctx, s.EnqueueSetValue(ctx, nodeID, key, value, versionIndex, actorID))
}

// EnqueueSetValue submits the edit on the node's chain and returns its
// result channel without waiting. The submission happens before returning,
// so sequential calls against the same node keep their call order.
func (s *Service) EnqueueSetValue(ctx context.Context, nodeID, key string, value any, versionIndex int, actorID string) <-chan error {
	if _, err := core.TrimAndValidate(key, "key"); err != nil {
		return rejected(audit.ActionEditValue, err)
	}
	parsed, err := ParseNumber(value)
	if err != nil {
		return rejected(audit.ActionEditValue, err)
	}
	return s.queue.Enqueue(ctx, nodeID, func(ctx context.Context) error {
		err := s.applySetValue(ctx, nodeID, key, parsed, versionIndex, actorID)
		metrics.RecordMutation(string(audit.ActionEditValue), err)
		return err
	})
}

func (s *Service) applySetValue(ctx context.Context, nodeID, key string, parsed float64, versionIndex int, actorID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	version, err := node.VersionAt(versionIndex)
	if err != nil {
		return err
	}
	if version.Values == nil {
		version.Values = map[string]float64{}
	}
	version.Values[key] = parsed

	if _, err := s.recomputeAndPersist(ctx, node); err != nil {
		return err
	}
	s.appendAudit(ctx, audit.Contribution{
		ActorID:     actorID,
		NodeID:      nodeID,
		Action:      audit.ActionEditValue,
		NodeVersion: versionIndex,
		ValueEdited: map[string]float64{key: parsed},
	})
	return nil
}

// SetGoal sets one key of one version's goals. The key must already exist
// in that version's values.
func (s *Service) SetGoal(ctx context.Context, nodeID, key string, goal any, versionIndex int, actorID string) error {
	return awaitResult(ctx, s.EnqueueSetGoal(ctx, nodeID, key, goal, versionIndex, actorID))
}

// EnqueueSetGoal submits the edit on the node's chain and returns its
// result channel without waiting.
func (s *Service) EnqueueSetGoal(ctx context.Context, nodeID, key string, goal any, versionIndex int, actorID string) <-chan error {
	if _, err := core.TrimAndValidate(key, "key"); err != nil {
		return rejected(audit.ActionEditGoal, err)
	}
	parsed, err := ParseNumber(goal)
	if err != nil {
		return rejected(audit.ActionEditGoal, err)
	}
	return s.queue.Enqueue(ctx, nodeID, func(ctx context.Context) error {
		err := s.applySetGoal(ctx, nodeID, key, parsed, versionIndex, actorID)
		metrics.RecordMutation(string(audit.ActionEditGoal), err)
		return err
	})
}

func (s *Service) applySetGoal(ctx context.Context, nodeID, key string, parsed float64, versionIndex int, actorID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	version, err := node.VersionAt(versionIndex)
	if err != nil {
		return err
	}
	if _, ok := version.Values[key]; !ok {
		return ErrInvalidGoal
	}
	if version.Goals == nil {
		version.Goals = map[string]float64{}
	}
	version.Goals[key] = parsed

	if _, err := s.store.SaveNode(ctx, node); err != nil {
		return err
	}
	s.appendAudit(ctx, audit.Contribution{
		ActorID:     actorID,
		NodeID:      nodeID,
		Action:      audit.ActionEditGoal,
		NodeVersion: versionIndex,
		GoalEdited:  map[string]float64{key: parsed},
	})
	return nil
}

// SetStatus sets the targeted version's status. With cascade, statuses that
// cascade are applied to the current version of every descendant, one audit
// record per affected node. Exactly one version may be active: activating
// is only valid on the current version and repairs any stray active below
// it.
func (s *Service) SetStatus(ctx context.Context, nodeID string, status Status, versionIndex int, cascade bool, actorID string) error {
	return awaitResult(ctx, s.EnqueueSetStatus(ctx, nodeID, status, versionIndex, cascade, actorID))
}

// EnqueueSetStatus submits the targeted edit on the node's chain and
// returns its result channel without waiting. A cascade runs after the
// targeted edit, off the node's own chain; the channel resolves once the
// cascade has finished too.
func (s *Service) EnqueueSetStatus(ctx context.Context, nodeID string, status Status, versionIndex int, cascade bool, actorID string) <-chan error {
	if !status.IsValid() {
		return rejected(audit.ActionEditStatus, core.NewValidationError("status", "unknown status"))
	}
	var children []string
	target := s.queue.Enqueue(ctx, nodeID, func(ctx context.Context) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		version, err := node.VersionAt(versionIndex)
		if err != nil {
			return err
		}
		if status == StatusActive && versionIndex != node.Prestige {
			return core.NewValidationError("status", "only the current version may be active")
		}
		version.Status = status
		if status == StatusActive {
			repairStrayActive(&node, versionIndex)
		}
		if _, err := s.store.SaveNode(ctx, node); err != nil {
			return err
		}
		s.appendAudit(ctx, audit.Contribution{
			ActorID:      actorID,
			NodeID:       nodeID,
			Action:       audit.ActionEditStatus,
			NodeVersion:  versionIndex,
			StatusEdited: string(status),
		})
		children = append([]string(nil), node.Children...)
		return nil
	})

	result := make(chan error, 1)
	go func() {
		err := <-target
		if err == nil && cascade && status.Cascades() {
			err = s.cascadeStatus(context.WithoutCancel(ctx), nodeID, children, status, actorID)
		}
		metrics.RecordMutation(string(audit.ActionEditStatus), err)
		result <- err
	}()
	return result
}

// AddPrestige advances the node to its next generation: the current
// version is completed and its values fold into the running prestige
// totals; a fresh version at prestige+1 becomes active, carrying the
// values forward with its schedule shifted by the reeffect time.
func (s *Service) AddPrestige(ctx context.Context, nodeID, actorID string) error {
	return awaitResult(ctx, s.EnqueueAddPrestige(ctx, nodeID, actorID))
}

// EnqueueAddPrestige submits the prestige advance on the node's chain and
// returns its result channel without waiting.
func (s *Service) EnqueueAddPrestige(ctx context.Context, nodeID, actorID string) <-chan error {
	return s.queue.Enqueue(ctx, nodeID, func(ctx context.Context) error {
		err := s.applyAddPrestige(ctx, nodeID, actorID)
		metrics.RecordMutation(string(audit.ActionPrestige), err)
		return err
	})
}

func (s *Service) applyAddPrestige(ctx context.Context, nodeID, actorID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	current := node.CurrentVersion()
	if current == nil {
		cerr := &ConsistencyError{NodeID: nodeID, Detail: "no version at current prestige"}
		s.reportConsistency(cerr)
		return cerr
	}
	completedIndex := node.Prestige
	current.Status = StatusCompleted

	if node.PrestigeTotals == nil {
		node.PrestigeTotals = map[string]float64{}
	}
	for k, v := range current.Values {
		node.PrestigeTotals[k] += v
	}

	next := Version{
		Prestige:     node.Prestige + 1,
		Values:       cloneValues(current.Values),
		Goals:        map[string]float64{},
		Status:       StatusActive,
		DateCreated:  time.Now().UTC(),
		Schedule:     NextSchedule(*current),
		ReeffectTime: current.ReeffectTime,
	}
	node.Versions = append(node.Versions, next)
	node.Prestige++

	if _, err := s.recomputeAndPersist(ctx, node); err != nil {
		return err
	}
	s.appendAudit(ctx, audit.Contribution{
		ActorID:     actorID,
		NodeID:      nodeID,
		Action:      audit.ActionPrestige,
		NodeVersion: completedIndex,
	})
	return nil
}

// SetSchedule updates a version's schedule and reeffect time. Reeffect
// time is bounded by the configured ceiling to reject pathological input.
func (s *Service) SetSchedule(ctx context.Context, nodeID string, versionIndex int, when *time.Time, reeffectHours float64, actorID string) error {
	return awaitResult(ctx, s.EnqueueSetSchedule(ctx, nodeID, versionIndex, when, reeffectHours, actorID))
}

// EnqueueSetSchedule submits the edit on the node's chain and returns its
// result channel without waiting.
func (s *Service) EnqueueSetSchedule(ctx context.Context, nodeID string, versionIndex int, when *time.Time, reeffectHours float64, actorID string) <-chan error {
	if when == nil {
		return rejected(audit.ActionEditSchedule, core.RequiredError("schedule"))
	}
	if reeffectHours < 0 || reeffectHours > s.cfg.reeffectCeiling() {
		return rejected(audit.ActionEditSchedule, reeffectError(s.cfg.reeffectCeiling()))
	}
	scheduled := when.UTC()
	return s.queue.Enqueue(ctx, nodeID, func(ctx context.Context) error {
		err := s.applySetSchedule(ctx, nodeID, versionIndex, scheduled, reeffectHours, actorID)
		metrics.RecordMutation(string(audit.ActionEditSchedule), err)
		return err
	})
}

func (s *Service) applySetSchedule(ctx context.Context, nodeID string, versionIndex int, scheduled time.Time, reeffectHours float64, actorID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	version, err := node.VersionAt(versionIndex)
	if err != nil {
		return err
	}
	version.Schedule = &scheduled
	version.ReeffectTime = reeffectHours

	if _, err := s.store.SaveNode(ctx, node); err != nil {
		return err
	}
	s.appendAudit(ctx, audit.Contribution{
		ActorID:        actorID,
		NodeID:         nodeID,
		Action:         audit.ActionEditSchedule,
		NodeVersion:    versionIndex,
		ScheduleEdited: scheduled.Format(time.RFC3339),
	})
	return nil
}

// SaveScript creates or replaces a named script on the node. Source length
// is bounded at write time.
func (s *Service) SaveScript(ctx context.Context, nodeID, name, source, actorID string) error {
	name, err := core.TrimAndValidate(name, "name")
	if err != nil {
		return err
	}
	if source == "" {
		return core.RequiredError("script")
	}
	if len(source) > s.cfg.maxScriptSize() {
		return core.NewValidationError("script", "source exceeds maximum length")
	}
	return s.queue.Do(ctx, nodeID, func(ctx context.Context) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		replaced := false
		for i := range node.Scripts {
			if node.Scripts[i].Name == name {
				node.Scripts[i].Source = source
				replaced = true
				break
			}
		}
		if !replaced {
			node.Scripts = append(node.Scripts, NodeScript{Name: name, Source: source})
		}
		_, err = s.store.SaveNode(ctx, node)
		return err
	})
}

// RemoveScript deletes a named script from the node.
func (s *Service) RemoveScript(ctx context.Context, nodeID, name, actorID string) error {
	return s.queue.Do(ctx, nodeID, func(ctx context.Context) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		kept := node.Scripts[:0]
		found := false
		for _, script := range node.Scripts {
			if script.Name == name {
				found = true
				continue
			}
			kept = append(kept, script)
		}
		if !found {
			return core.NewNotFoundError("script", name)
		}
		node.Scripts = kept
		_, err = s.store.SaveNode(ctx, node)
		return err
	})
}

// DeleteSubtree removes the node and every descendant, children first,
// then detaches the node from its parent and recomputes the ancestors'
// aggregates.
func (s *Service) DeleteSubtree(ctx context.Context, nodeID, actorID string) error {
	err := s.deleteSubtree(ctx, nodeID, actorID)
	metrics.RecordMutation(string(audit.ActionDelete), err)
	return err
}

func (s *Service) deleteSubtree(ctx context.Context, nodeID, actorID string) error {
	var parentID string
	var prestige int
	err := s.queue.Do(ctx, nodeID, func(ctx context.Context) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}

		order, err := s.subtreeBottomUp(ctx, node)
		if err != nil {
			return err
		}
		for _, id := range order {
			if err := s.store.DeleteNode(ctx, id); err != nil && !core.IsNotFound(err) {
				return err
			}
		}
		parentID = node.Parent
		prestige = node.Prestige
		return nil
	})
	if err != nil {
		return err
	}

	// The parent's children set belongs to the parent's chain; the detach
	// must not interleave with queued mutations on the parent. The subtree
	// is already gone, so the detach runs even if the caller stops waiting.
	ctx = context.WithoutCancel(ctx)
	if parentID != "" {
		err = s.queue.Do(ctx, parentID, func(ctx context.Context) error {
			parent, err := s.store.GetNode(ctx, parentID)
			if err != nil {
				if core.IsNotFound(err) {
					return nil
				}
				return err
			}
			parent.Children = removeString(parent.Children, nodeID)
			_, err = s.recomputeAndPersist(ctx, parent)
			return err
		})
		if err != nil {
			return err
		}
	}

	s.appendAudit(ctx, audit.Contribution{
		ActorID:     actorID,
		NodeID:      nodeID,
		Action:      audit.ActionDelete,
		NodeVersion: prestige,
	})
	return nil
}

// subtreeBottomUp returns every id in the subtree ordered children-first.
func (s *Service) subtreeBottomUp(ctx context.Context, root Node) ([]string, error) {
	var order []string
	visited := map[string]struct{}{}
	stack := []string{root.ID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			err := &ConsistencyError{NodeID: id, Detail: "cycle detected during subtree deletion"}
			s.reportConsistency(err)
			return nil, err
		}
		visited[id] = struct{}{}
		order = append(order, id)

		node, err := s.store.GetNode(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue // orphaned reference; nothing left to delete below it
			}
			return nil, err
		}
		stack = append(stack, node.Children...)
	}

	// Reverse: children before parents.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Reparent moves a non-root node under a new parent and recomputes
// aggregates on both the old and the new ancestor chain.
func (s *Service) Reparent(ctx context.Context, childID, newParentID, actorID string) error {
	err := s.reparent(ctx, childID, newParentID, actorID)
	metrics.RecordMutation(string(audit.ActionReparent), err)
	return err
}

func (s *Service) reparent(ctx context.Context, childID, newParentID, actorID string) error {
	if childID == newParentID {
		return core.NewValidationError("parent", "cannot reparent a node under itself")
	}

	var oldParentID string
	var childPrestige int
	moved := false
	err := s.queue.Do(ctx, childID, func(ctx context.Context) error {
		child, err := s.store.GetNode(ctx, childID)
		if err != nil {
			return err
		}
		if child.IsRoot() {
			return ErrCannotReparentRoot
		}
		newParent, err := s.store.GetNode(ctx, newParentID)
		if err != nil {
			if core.IsNotFound(err) {
				return core.NewNotFoundError("parent", newParentID)
			}
			return err
		}
		if err := s.ensureNotDescendant(ctx, childID, newParent); err != nil {
			return err
		}

		oldParentID = child.Parent
		if oldParentID == newParentID {
			return nil
		}

		child.Parent = newParentID
		if _, err := s.store.SaveNode(ctx, child); err != nil {
			return err
		}
		moved = true
		childPrestige = child.Prestige
		return nil
	})
	if err != nil || !moved {
		return err
	}

	// Each parent's children set belongs to that parent's own chain, so the
	// detach and the attach run as their own queued operations. The child
	// already points at the new parent; both sides complete even if the
	// caller stops waiting.
	ctx = context.WithoutCancel(ctx)
	err = s.queue.Do(ctx, oldParentID, func(ctx context.Context) error {
		parent, err := s.store.GetNode(ctx, oldParentID)
		if err != nil {
			if core.IsNotFound(err) {
				cerr := &ConsistencyError{NodeID: oldParentID, Detail: "parent missing during reparent"}
				s.reportConsistency(cerr)
				return cerr
			}
			return err
		}
		parent.Children = removeString(parent.Children, childID)
		_, err = s.recomputeAndPersist(ctx, parent)
		return err
	})
	if err != nil {
		return err
	}

	err = s.queue.Do(ctx, newParentID, func(ctx context.Context) error {
		parent, err := s.store.GetNode(ctx, newParentID)
		if err != nil {
			if core.IsNotFound(err) {
				cerr := &ConsistencyError{NodeID: newParentID, Detail: "parent missing during reparent"}
				s.reportConsistency(cerr)
				return cerr
			}
			return err
		}
		if !core.ContainsString(parent.Children, childID) {
			parent.Children = append(parent.Children, childID)
		}
		_, err = s.recomputeAndPersist(ctx, parent)
		return err
	})
	if err != nil {
		return err
	}

	s.appendAudit(ctx, audit.Contribution{
		ActorID:     actorID,
		NodeID:      childID,
		Action:      audit.ActionReparent,
		NodeVersion: childPrestige,
	})
	return nil
}

// ensureNotDescendant rejects reparenting a node under its own subtree by
// walking up from the candidate parent.
func (s *Service) ensureNotDescendant(ctx context.Context, childID string, candidate Node) error {
	visited := map[string]struct{}{}
	current := candidate
	for {
		if current.ID == childID {
			return core.NewValidationError("parent", "cannot reparent a node under its own descendant")
		}
		if current.Parent == "" {
			return nil
		}
		if _, seen := visited[current.ID]; seen {
			err := &ConsistencyError{NodeID: current.ID, Detail: "cycle detected during reparent check"}
			s.reportConsistency(err)
			return err
		}
		visited[current.ID] = struct{}{}

		next, err := s.store.GetNode(ctx, current.Parent)
		if err != nil {
			if core.IsNotFound(err) {
				cerr := &ConsistencyError{NodeID: current.Parent, Detail: "ancestor missing during reparent check"}
				s.reportConsistency(cerr)
				return cerr
			}
			return err
		}
		current = next
	}
}

// AddContributor lists a user as contributor on a root node. Only the root
// owner can add contributors.
func (s *Service) AddContributor(ctx context.Context, nodeID, userID, actorID string) error {
	return s.queue.Do(ctx, nodeID, func(ctx context.Context) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node.RootOwner == "" {
			return core.NewValidationError("node", "only root nodes have contributors")
		}
		if err := core.EnsureOwnership(node.RootOwner, actorID, "node", nodeID); err != nil {
			return err
		}
		if !core.ContainsString(node.Contributors, userID) {
			node.Contributors = append(node.Contributors, userID)
		}
		if _, err := s.store.SaveNode(ctx, node); err != nil {
			return err
		}
		s.appendAudit(ctx, audit.Contribution{
			ActorID: actorID,
			NodeID:  nodeID,
			Action:  audit.ActionInvite,
		})
		return nil
	})
}

// RemoveContributor removes a contributor. The root owner or any listed
// contributor may remove.
func (s *Service) RemoveContributor(ctx context.Context, nodeID, userID, actorID string) error {
	return s.queue.Do(ctx, nodeID, func(ctx context.Context) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node.RootOwner != actorID && !core.ContainsString(node.Contributors, actorID) {
			return core.NewAccessDeniedError("node", nodeID, actorID)
		}
		node.Contributors = removeString(node.Contributors, userID)
		if _, err := s.store.SaveNode(ctx, node); err != nil {
			return err
		}
		s.appendAudit(ctx, audit.Contribution{
			ActorID: actorID,
			NodeID:  nodeID,
			Action:  audit.ActionInvite,
		})
		return nil
	})
}

// TransferOwnership moves root ownership to another user.
func (s *Service) TransferOwnership(ctx context.Context, nodeID, newOwnerID, actorID string) error {
	if newOwnerID == "" {
		return core.RequiredError("new_owner")
	}
	return s.queue.Do(ctx, nodeID, func(ctx context.Context) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node.RootOwner == "" {
			return core.NewValidationError("node", "node does not have an owner")
		}
		if err := core.EnsureOwnership(node.RootOwner, actorID, "node", nodeID); err != nil {
			return err
		}
		node.RootOwner = newOwnerID
		if _, err := s.store.SaveNode(ctx, node); err != nil {
			return err
		}
		s.appendAudit(ctx, audit.Contribution{
			ActorID: actorID,
			NodeID:  nodeID,
			Action:  audit.ActionInvite,
		})
		return nil
	})
}

// appendAudit records a contribution for a committed mutation. Audit
// failures are logged but do not roll back the mutation.
func (s *Service) appendAudit(ctx context.Context, c audit.Contribution) {
	if s.audit == nil {
		return
	}
	if c.Date.IsZero() {
		c.Date = time.Now().UTC()
	}
	if err := s.audit.Append(ctx, c); err != nil {
		s.log.WithError(err).
			WithField("node_id", c.NodeID).
			WithField("action", string(c.Action)).
			Warn("failed to record contribution")
	}
}

func validateSpecMaps(spec Spec) error {
	for k, v := range spec.Values {
		if _, err := ParseNumber(v); err != nil {
			return core.NewValidationError("values."+k, "must be a finite number")
		}
	}
	for k, v := range spec.Goals {
		if _, err := ParseNumber(v); err != nil {
			return core.NewValidationError("goals."+k, "must be a finite number")
		}
		if _, ok := spec.Values[k]; !ok {
			return ErrInvalidGoal
		}
	}
	return nil
}

func repairStrayActive(node *Node, keepIndex int) {
	for i := range node.Versions {
		if i != keepIndex && node.Versions[i].Status == StatusActive {
			node.Versions[i].Status = StatusCompleted
		}
	}
}

func reeffectError(ceiling float64) error {
	return core.NewValidationError("reeffect_time",
		fmt.Sprintf("must be between 0 and %g hours", ceiling))
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, item := range list {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
