package tree

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arborlabs/arbor/packages/com.arbor.services.audit"
	core "github.com/arborlabs/arbor/system/framework/core"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, NopAuditLog{}, nil, nil, Config{}), store
}

func mustCreateRoot(t *testing.T, svc *Service, name string, values map[string]float64) Node {
	t.Helper()
	node, err := svc.CreateNode(context.Background(), CreateNodeRequest{
		IsRoot:  true,
		ActorID: "owner",
		Spec:    Spec{Name: name, Values: values},
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	return node
}

func mustCreateChild(t *testing.T, svc *Service, parentID, name string, values map[string]float64) Node {
	t.Helper()
	node, err := svc.CreateNode(context.Background(), CreateNodeRequest{
		ParentID: parentID,
		ActorID:  "owner",
		Spec:     Spec{Name: name, Values: values},
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	return node
}

func TestCreateNode_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateNode(ctx, CreateNodeRequest{IsRoot: true, ActorID: "owner", Spec: Spec{Name: "  "}}); !core.IsValidationError(err) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
	if _, err := svc.CreateNode(ctx, CreateNodeRequest{ActorID: "owner", Spec: Spec{Name: "orphan"}}); !core.IsValidationError(err) {
		t.Fatalf("expected validation error for missing parent, got %v", err)
	}
	if _, err := svc.CreateNode(ctx, CreateNodeRequest{ParentID: "missing", ActorID: "owner", Spec: Spec{Name: "child"}}); !core.IsNotFound(err) {
		t.Fatalf("expected not found for missing parent, got %v", err)
	}
	if _, err := svc.CreateNode(ctx, CreateNodeRequest{
		IsRoot: true, ActorID: "owner",
		Spec: Spec{Name: "bad", Values: map[string]float64{"a": 1}, Goals: map[string]float64{"b": 2}},
	}); !errors.Is(err, ErrInvalidGoal) {
		t.Fatalf("expected invalid goal for key missing from values, got %v", err)
	}
}

func TestCreateNode_LinksAndPropagates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})
	child := mustCreateChild(t, svc, root.ID, "child", map[string]float64{"a": 2})

	got, err := svc.Get(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !core.ContainsString(got.Children, child.ID) {
		t.Fatalf("child not linked into parent children")
	}
	if got.GlobalValues["a"] != 3 {
		t.Fatalf("expected root global a=3, got %v", got.GlobalValues["a"])
	}
	if child.Parent != root.ID {
		t.Fatalf("child parent not set")
	}
	if child.RootOwner != "" {
		t.Fatalf("non-root should not carry an owner")
	}
}

func TestCreateNode_RecursiveChildren(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root, err := svc.CreateNode(ctx, CreateNodeRequest{
		IsRoot:  true,
		ActorID: "owner",
		Spec: Spec{
			Name:   "root",
			Values: map[string]float64{"a": 1},
			Children: []Spec{
				{Name: "left", Values: map[string]float64{"a": 2}},
				{Name: "right", Values: map[string]float64{"b": 4}, Children: []Spec{
					{Name: "leaf", Values: map[string]float64{"a": 8}},
				}},
			},
		},
	})
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(root.Children))
	}
	if root.GlobalValues["a"] != 11 || root.GlobalValues["b"] != 4 {
		t.Fatalf("unexpected root aggregates: %v", root.GlobalValues)
	}
}

func TestSetValue_PropagatesToAncestors(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})
	child := mustCreateChild(t, svc, root.ID, "child", map[string]float64{"a": 2})

	if err := svc.SetValue(ctx, child.ID, "a", 5, 0, "owner"); err != nil {
		t.Fatalf("set value: %v", err)
	}

	gotChild, _ := svc.Get(ctx, child.ID)
	if gotChild.GlobalValues["a"] != 5 {
		t.Fatalf("expected child global a=5, got %v", gotChild.GlobalValues["a"])
	}
	gotRoot, _ := svc.Get(ctx, root.ID)
	if gotRoot.GlobalValues["a"] != 6 {
		t.Fatalf("expected root global a=6, got %v", gotRoot.GlobalValues["a"])
	}
}

func TestSetValue_RejectsBadNumbers(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})

	for _, bad := range []any{"1e5", "NaN", "abc", ""} {
		if err := svc.SetValue(ctx, root.ID, "a", bad, 0, "owner"); !errors.Is(err, ErrNotANumber) {
			t.Fatalf("expected not-a-number for %v, got %v", bad, err)
		}
	}
	if err := svc.SetValue(ctx, root.ID, "a", "2.5", 0, "owner"); err != nil {
		t.Fatalf("plain decimal string should parse: %v", err)
	}
}

func TestSetValue_ZeroKeysPruned(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 3})

	if err := svc.SetValue(ctx, root.ID, "a", 0, 0, "owner"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if _, ok := got.GlobalValues["a"]; ok {
		t.Fatalf("zero-valued aggregate key should be removed, got %v", got.GlobalValues)
	}
}

func TestSetGoal(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})

	if err := svc.SetGoal(ctx, root.ID, "missing", 10, 0, "owner"); !errors.Is(err, ErrInvalidGoal) {
		t.Fatalf("expected invalid goal for key absent from values, got %v", err)
	}
	if err := svc.SetGoal(ctx, root.ID, "a", 10, 0, "owner"); err != nil {
		t.Fatalf("set goal: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if got.Versions[0].Goals["a"] != 10 {
		t.Fatalf("goal not persisted: %v", got.Versions[0].Goals)
	}
}

func TestSetStatus_ActiveOnlyOnCurrent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})

	if err := svc.AddPrestige(ctx, root.ID, "owner"); err != nil {
		t.Fatalf("add prestige: %v", err)
	}
	if err := svc.SetStatus(ctx, root.ID, StatusActive, 0, false, "owner"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error for activating old version, got %v", err)
	}
	if err := svc.SetStatus(ctx, root.ID, StatusTrimmed, 0, false, "owner"); err != nil {
		t.Fatalf("set status on old version: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if got.Versions[0].Status != StatusTrimmed {
		t.Fatalf("expected trimmed, got %s", got.Versions[0].Status)
	}
}

func TestSetStatus_RepairsStrayActive(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})
	if err := svc.AddPrestige(ctx, root.ID, "owner"); err != nil {
		t.Fatalf("add prestige: %v", err)
	}

	// Corrupt: mark the completed generation active again.
	node, _ := store.GetNode(ctx, root.ID)
	node.Versions[0].Status = StatusActive
	if _, err := store.SaveNode(ctx, node); err != nil {
		t.Fatalf("save corrupted node: %v", err)
	}

	if err := svc.SetStatus(ctx, root.ID, StatusActive, 1, false, "owner"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if got.Versions[0].Status != StatusCompleted {
		t.Fatalf("stray active should be repaired to completed, got %s", got.Versions[0].Status)
	}
	if got.Versions[1].Status != StatusActive {
		t.Fatalf("current version should be active, got %s", got.Versions[1].Status)
	}
}

func TestSetStatus_Cascade(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})
	mid := mustCreateChild(t, svc, root.ID, "mid", map[string]float64{"a": 1})
	leaf := mustCreateChild(t, svc, mid.ID, "leaf", map[string]float64{"a": 1})
	sibling := mustCreateChild(t, svc, root.ID, "sibling", nil)

	if err := svc.SetStatus(ctx, root.ID, StatusTrimmed, 0, true, "owner"); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	for _, id := range []string{root.ID, mid.ID, leaf.ID, sibling.ID} {
		got, _ := svc.Get(ctx, id)
		if got.CurrentVersion().Status != StatusTrimmed {
			t.Fatalf("node %s not trimmed, got %s", got.Name, got.CurrentVersion().Status)
		}
	}
}

func TestSetStatus_DividerDoesNotCascade(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", nil)
	child := mustCreateChild(t, svc, root.ID, "child", nil)

	if err := svc.SetStatus(ctx, root.ID, StatusDivider, 0, true, "owner"); err != nil {
		t.Fatalf("set divider: %v", err)
	}
	gotRoot, _ := svc.Get(ctx, root.ID)
	if gotRoot.CurrentVersion().Status != StatusDivider {
		t.Fatalf("divider not applied to targeted version")
	}
	gotChild, _ := svc.Get(ctx, child.ID)
	if gotChild.CurrentVersion().Status == StatusDivider {
		t.Fatalf("divider must never cascade to children")
	}
}

func TestAddPrestige(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	schedule := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	root, err := svc.CreateNode(ctx, CreateNodeRequest{
		IsRoot:  true,
		ActorID: "owner",
		Spec: Spec{
			Name:         "root",
			Values:       map[string]float64{"a": 3, "b": 1},
			Goals:        map[string]float64{"a": 10},
			Schedule:     &schedule,
			ReeffectTime: 24,
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.AddPrestige(ctx, root.ID, "owner"); err != nil {
		t.Fatalf("add prestige: %v", err)
	}

	got, _ := svc.Get(ctx, root.ID)
	if got.Prestige != 1 || len(got.Versions) != 2 {
		t.Fatalf("expected prestige 1 with 2 versions, got prestige=%d versions=%d", got.Prestige, len(got.Versions))
	}
	if got.Versions[0].Status != StatusCompleted {
		t.Fatalf("old version should be completed")
	}
	next := got.Versions[1]
	if next.Status != StatusActive || next.Prestige != 1 {
		t.Fatalf("new version should be active at prestige 1")
	}
	if next.Values["a"] != 3 || next.Values["b"] != 1 {
		t.Fatalf("values should carry forward: %v", next.Values)
	}
	if len(next.Goals) != 0 {
		t.Fatalf("new version should start with empty goals: %v", next.Goals)
	}
	want := schedule.Add(24 * time.Hour)
	if next.Schedule == nil || !next.Schedule.Equal(want) {
		t.Fatalf("schedule should shift by reeffect time, got %v want %v", next.Schedule, want)
	}
	if got.PrestigeTotals["a"] != 3 || got.PrestigeTotals["b"] != 1 {
		t.Fatalf("completed values should fold into prestige totals: %v", got.PrestigeTotals)
	}
	// Both generations count toward the aggregate.
	if got.GlobalValues["a"] != 6 || got.GlobalValues["b"] != 2 {
		t.Fatalf("global values should sum every generation: %v", got.GlobalValues)
	}
}

func TestAddPrestige_NilScheduleStaysNil(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})

	if err := svc.AddPrestige(ctx, root.ID, "owner"); err != nil {
		t.Fatalf("add prestige: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if got.Versions[1].Schedule != nil {
		t.Fatalf("nil schedule should stay nil, got %v", got.Versions[1].Schedule)
	}
}

func TestSetSchedule(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", nil)

	if err := svc.SetSchedule(ctx, root.ID, 0, nil, 1, "owner"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error for nil schedule, got %v", err)
	}
	when := time.Now().UTC()
	if err := svc.SetSchedule(ctx, root.ID, 0, &when, DefaultReeffectCeiling+1, "owner"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error above ceiling, got %v", err)
	}
	if err := svc.SetSchedule(ctx, root.ID, 0, &when, 48, "owner"); err != nil {
		t.Fatalf("set schedule: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if got.Versions[0].Schedule == nil || got.Versions[0].ReeffectTime != 48 {
		t.Fatalf("schedule not persisted: %+v", got.Versions[0])
	}
}

func TestScripts_UpsertAndRemove(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", nil)

	if err := svc.SaveScript(ctx, root.ID, "daily", "console.log(1)", "owner"); err != nil {
		t.Fatalf("save script: %v", err)
	}
	if err := svc.SaveScript(ctx, root.ID, "daily", "console.log(2)", "owner"); err != nil {
		t.Fatalf("replace script: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if len(got.Scripts) != 1 || got.Scripts[0].Source != "console.log(2)" {
		t.Fatalf("save should replace by name: %+v", got.Scripts)
	}

	long := make([]byte, MaxScriptSize+1)
	for i := range long {
		long[i] = 'x'
	}
	if err := svc.SaveScript(ctx, root.ID, "big", string(long), "owner"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error for oversized script, got %v", err)
	}

	if err := svc.RemoveScript(ctx, root.ID, "missing", "owner"); !core.IsNotFound(err) {
		t.Fatalf("expected not found removing unknown script, got %v", err)
	}
	if err := svc.RemoveScript(ctx, root.ID, "daily", "owner"); err != nil {
		t.Fatalf("remove script: %v", err)
	}
	got, _ = svc.Get(ctx, root.ID)
	if len(got.Scripts) != 0 {
		t.Fatalf("script not removed: %+v", got.Scripts)
	}
}

func TestDeleteSubtree(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 1})
	mid := mustCreateChild(t, svc, root.ID, "mid", map[string]float64{"a": 2})
	leaf := mustCreateChild(t, svc, mid.ID, "leaf", map[string]float64{"a": 4})

	gotRoot, _ := svc.Get(ctx, root.ID)
	if gotRoot.GlobalValues["a"] != 7 {
		t.Fatalf("precondition: root aggregate should be 7, got %v", gotRoot.GlobalValues["a"])
	}

	if err := svc.DeleteSubtree(ctx, mid.ID, "owner"); err != nil {
		t.Fatalf("delete subtree: %v", err)
	}
	for _, id := range []string{mid.ID, leaf.ID} {
		if _, err := svc.Get(ctx, id); !core.IsNotFound(err) {
			t.Fatalf("deleted node %s still present", id)
		}
	}
	gotRoot, _ = svc.Get(ctx, root.ID)
	if core.ContainsString(gotRoot.Children, mid.ID) {
		t.Fatalf("deleted child still referenced by parent")
	}
	if gotRoot.GlobalValues["a"] != 1 {
		t.Fatalf("parent aggregate should drop to own totals, got %v", gotRoot.GlobalValues["a"])
	}
}

func TestReparent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", nil)
	left := mustCreateChild(t, svc, root.ID, "left", map[string]float64{"a": 1})
	right := mustCreateChild(t, svc, root.ID, "right", map[string]float64{"a": 2})
	moving := mustCreateChild(t, svc, left.ID, "moving", map[string]float64{"a": 4})

	if err := svc.Reparent(ctx, root.ID, right.ID, "owner"); !errors.Is(err, ErrCannotReparentRoot) {
		t.Fatalf("expected cannot-reparent-root, got %v", err)
	}
	if err := svc.Reparent(ctx, left.ID, moving.ID, "owner"); !core.IsValidationError(err) {
		t.Fatalf("expected validation error reparenting under own descendant, got %v", err)
	}

	if err := svc.Reparent(ctx, moving.ID, right.ID, "owner"); err != nil {
		t.Fatalf("reparent: %v", err)
	}

	gotLeft, _ := svc.Get(ctx, left.ID)
	if core.ContainsString(gotLeft.Children, moving.ID) {
		t.Fatalf("old parent still references moved node")
	}
	if gotLeft.GlobalValues["a"] != 1 {
		t.Fatalf("old parent aggregate should drop, got %v", gotLeft.GlobalValues["a"])
	}
	gotRight, _ := svc.Get(ctx, right.ID)
	if !core.ContainsString(gotRight.Children, moving.ID) {
		t.Fatalf("new parent missing moved node")
	}
	if gotRight.GlobalValues["a"] != 6 {
		t.Fatalf("new parent aggregate should include moved subtree, got %v", gotRight.GlobalValues["a"])
	}
	gotRoot, _ := svc.Get(ctx, root.ID)
	if gotRoot.GlobalValues["a"] != 7 {
		t.Fatalf("root aggregate should be unchanged, got %v", gotRoot.GlobalValues["a"])
	}
}

func TestContributorsAndOwnership(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", nil)

	if err := svc.AddContributor(ctx, root.ID, "friend", "stranger"); !core.IsOwnershipError(err) {
		t.Fatalf("expected ownership error, got %v", err)
	}
	if err := svc.AddContributor(ctx, root.ID, "friend", "owner"); err != nil {
		t.Fatalf("add contributor: %v", err)
	}
	if err := svc.AddContributor(ctx, root.ID, "friend", "owner"); err != nil {
		t.Fatalf("add contributor twice: %v", err)
	}
	got, _ := svc.Get(ctx, root.ID)
	if len(got.Contributors) != 1 {
		t.Fatalf("contributor list should deduplicate: %v", got.Contributors)
	}

	if err := svc.RemoveContributor(ctx, root.ID, "friend", "stranger"); !core.IsForbidden(err) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if err := svc.RemoveContributor(ctx, root.ID, "friend", "friend"); err != nil {
		t.Fatalf("contributor should be able to remove: %v", err)
	}

	if err := svc.TransferOwnership(ctx, root.ID, "heir", "stranger"); !core.IsOwnershipError(err) {
		t.Fatalf("expected ownership error, got %v", err)
	}
	if err := svc.TransferOwnership(ctx, root.ID, "heir", "owner"); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	got, _ = svc.Get(ctx, root.ID)
	if got.RootOwner != "heir" {
		t.Fatalf("ownership not transferred: %s", got.RootOwner)
	}
}

// slowSaveStore widens the write window for one node so interleaved writes
// from another chain would surface as a lost update.
type slowSaveStore struct {
	Store
	targetID string
	delay    time.Duration
}

func (s *slowSaveStore) SaveNode(ctx context.Context, node Node) (Node, error) {
	if node.ID == s.targetID {
		time.Sleep(s.delay)
	}
	return s.Store.SaveNode(ctx, node)
}

func TestReparent_ConcurrentParentEditNotLost(t *testing.T) {
	slow := &slowSaveStore{Store: NewMemoryStore()}
	svc := New(slow, NopAuditLog{}, nil, nil, Config{})
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", nil)
	left := mustCreateChild(t, svc, root.ID, "left", map[string]float64{"a": 1})
	right := mustCreateChild(t, svc, root.ID, "right", nil)
	moving := mustCreateChild(t, svc, left.ID, "moving", map[string]float64{"b": 4})

	slow.targetID = left.ID
	slow.delay = 20 * time.Millisecond

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- svc.Reparent(ctx, moving.ID, right.ID, "owner")
	}()
	go func() {
		defer wg.Done()
		errs <- svc.SetValue(ctx, left.ID, "a", 2, 0, "owner")
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent mutation: %v", err)
		}
	}

	gotLeft, err := svc.Get(ctx, left.ID)
	if err != nil {
		t.Fatalf("get old parent: %v", err)
	}
	if gotLeft.Versions[0].Values["a"] != 2 {
		t.Fatalf("parent edit lost during reparent: %v", gotLeft.Versions[0].Values)
	}
	if core.ContainsString(gotLeft.Children, moving.ID) {
		t.Fatalf("node still attached to old parent")
	}
	if gotLeft.GlobalValues["b"] != 0 {
		t.Fatalf("old parent kept moved subtree aggregate: %v", gotLeft.GlobalValues)
	}

	gotRight, _ := svc.Get(ctx, right.ID)
	if !core.ContainsString(gotRight.Children, moving.ID) {
		t.Fatalf("node not attached to new parent")
	}
	if gotRight.GlobalValues["b"] != 4 {
		t.Fatalf("new parent missing moved subtree aggregate: %v", gotRight.GlobalValues)
	}

	gotRoot, _ := svc.Get(ctx, root.ID)
	if gotRoot.GlobalValues["a"] != 2 || gotRoot.GlobalValues["b"] != 4 {
		t.Fatalf("root aggregates diverged: %v", gotRoot.GlobalValues)
	}
}

func TestDeleteSubtree_ConcurrentParentEditNotLost(t *testing.T) {
	slow := &slowSaveStore{Store: NewMemoryStore()}
	svc := New(slow, NopAuditLog{}, nil, nil, Config{})
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", nil)
	parent := mustCreateChild(t, svc, root.ID, "parent", map[string]float64{"a": 1})
	doomed := mustCreateChild(t, svc, parent.ID, "doomed", map[string]float64{"b": 4})

	slow.targetID = parent.ID
	slow.delay = 20 * time.Millisecond

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- svc.DeleteSubtree(ctx, doomed.ID, "owner")
	}()
	go func() {
		defer wg.Done()
		errs <- svc.SetValue(ctx, parent.ID, "a", 2, 0, "owner")
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent mutation: %v", err)
		}
	}

	gotParent, err := svc.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if gotParent.Versions[0].Values["a"] != 2 {
		t.Fatalf("parent edit lost during subtree delete: %v", gotParent.Versions[0].Values)
	}
	if core.ContainsString(gotParent.Children, doomed.ID) {
		t.Fatalf("deleted node still attached to parent")
	}
	if gotParent.GlobalValues["b"] != 0 {
		t.Fatalf("parent kept deleted subtree aggregate: %v", gotParent.GlobalValues)
	}
	gotRoot, _ := svc.Get(ctx, root.ID)
	if gotRoot.GlobalValues["a"] != 2 || gotRoot.GlobalValues["b"] != 0 {
		t.Fatalf("root aggregates diverged: %v", gotRoot.GlobalValues)
	}
}

// recordingAuditLog keeps appended contributions for assertions.
type recordingAuditLog struct {
	mu      sync.Mutex
	entries []audit.Contribution
}

func (l *recordingAuditLog) Append(ctx context.Context, c audit.Contribution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, c)
	return nil
}

func (l *recordingAuditLog) byAction(action audit.Action) []audit.Contribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Contribution
	for _, c := range l.entries {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func TestContributorChanges_Audited(t *testing.T) {
	log := &recordingAuditLog{}
	svc := New(NewMemoryStore(), log, nil, nil, Config{})
	ctx := context.Background()
	root := mustCreateRoot(t, svc, "root", nil)

	if err := svc.AddContributor(ctx, root.ID, "friend", "owner"); err != nil {
		t.Fatalf("add contributor: %v", err)
	}
	if err := svc.RemoveContributor(ctx, root.ID, "friend", "owner"); err != nil {
		t.Fatalf("remove contributor: %v", err)
	}
	if err := svc.TransferOwnership(ctx, root.ID, "heir", "owner"); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}

	invites := log.byAction(audit.ActionInvite)
	if len(invites) != 3 {
		t.Fatalf("expected three invite contributions, got %d", len(invites))
	}
	for _, c := range invites {
		if c.NodeID != root.ID || c.ActorID != "owner" {
			t.Fatalf("invite contribution misattributed: %+v", c)
		}
	}

	// A denied change must not be audited.
	if err := svc.AddContributor(ctx, root.ID, "other", "stranger"); err == nil {
		t.Fatalf("expected ownership error")
	}
	if got := len(log.byAction(audit.ActionInvite)); got != 3 {
		t.Fatalf("denied change was audited: %d invites", got)
	}
}
