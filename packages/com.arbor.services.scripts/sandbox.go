package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/arborlabs/arbor/packages/com.arbor.services.tree"
	core "github.com/arborlabs/arbor/system/framework/core"
)

// mutationCollector gathers the outcomes of mutation capability calls.
// Each capability enqueues its operation on the target node's chain before
// returning to the script, so calls against the same node keep their call
// order; only the wait for the result is deferred. A script hitting its
// timeout never cancels mutations it already enqueued.
type mutationCollector struct {
	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex
	results []MutationResult
}

func newMutationCollector(ctx context.Context) *mutationCollector {
	return &mutationCollector{ctx: context.WithoutCancel(ctx)}
}

// dispatch records a slot for an already-enqueued mutation in call order
// and waits for its result in the background.
func (c *mutationCollector) dispatch(capability, nodeID string, result <-chan error) {
	c.mu.Lock()
	idx := len(c.results)
	c.results = append(c.results, MutationResult{Capability: capability, NodeID: nodeID})
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := <-result; err != nil {
			c.mu.Lock()
			c.results[idx].Error = err.Error()
			c.mu.Unlock()
		}
	}()
}

// reject records a capability call that failed before it could enqueue.
func (c *mutationCollector) reject(capability, nodeID string, err error) {
	c.mu.Lock()
	c.results = append(c.results, MutationResult{Capability: capability, NodeID: nodeID, Error: err.Error()})
	c.mu.Unlock()
}

// wait joins every dispatched mutation and returns the collected results.
func (c *mutationCollector) wait() []MutationResult {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MutationResult(nil), c.results...)
}

// runOutcome is everything one sandbox run produced.
type runOutcome struct {
	logs      []string
	mutations []MutationResult
	status    ExecutionStatus
	err       error
}

// executeScript runs one script inside a fresh goja runtime. The script
// sees a deep snapshot of the node as `node`, a `console.log` that captures
// into the execution record, the guarded `getApi`, and the mutation
// capabilities bound to the invoking actor.
func (s *Service) executeScript(ctx context.Context, node tree.Node, source, actorID string) runOutcome {
	vm := goja.New()

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	snapshot, err := nodeSnapshot(node)
	if err != nil {
		return runOutcome{status: ExecutionStatusFailed, err: err}
	}
	vm.Set("node", snapshot)

	logs := make([]string, 0)
	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		logs = append(logs, fmt.Sprint(args...))
		return goja.Undefined()
	})
	vm.Set("console", console)

	blocked := false
	vm.Set("getApi", func(rawURL string, path ...string) (any, error) {
		jsonPath := ""
		if len(path) > 0 {
			jsonPath = path[0]
		}
		out, err := s.gateway.Get(ctx, actorID, rawURL, jsonPath)
		if errors.Is(err, ErrBlockedHost) {
			blocked = true
		}
		return out, err
	})

	collector := newMutationCollector(ctx)
	s.bindMutationCapabilities(vm, collector, actorID)

	_, runErr := vm.RunString(source)
	mutations := collector.wait()

	outcome := runOutcome{logs: logs, mutations: mutations, status: ExecutionStatusSucceeded}
	if runErr != nil {
		outcome.status = ExecutionStatusFailed
		outcome.err = runErr

		var interrupted *goja.InterruptedError
		if errors.As(runErr, &interrupted) {
			outcome.status = ExecutionStatusTimeout
			outcome.err = ErrExecutionTimeout
		} else if blocked {
			outcome.status = ExecutionStatusBlocked
			outcome.err = ErrBlockedHost
		}
	}
	return outcome
}

// bindMutationCapabilities exposes the mutation surface to the script.
// Each capability takes one options object, mirrors a node model operation,
// and enqueues it before returning to the script; outcomes are joined into
// the execution record.
func (s *Service) bindMutationCapabilities(vm *goja.Runtime, collector *mutationCollector, actorID string) {
	vm.Set("setValueForNode", func(opts map[string]any) {
		nodeID := stringField(opts, "nodeId")
		key := stringField(opts, "key")
		value := opts["value"]
		version := intField(opts, "version")
		collector.dispatch("setValueForNode", nodeID,
			s.nodes.EnqueueSetValue(collector.ctx, nodeID, key, value, version, actorID))
	})

	vm.Set("setGoalForNode", func(opts map[string]any) {
		nodeID := stringField(opts, "nodeId")
		key := stringField(opts, "key")
		goal := opts["goal"]
		version := intField(opts, "version")
		collector.dispatch("setGoalForNode", nodeID,
			s.nodes.EnqueueSetGoal(collector.ctx, nodeID, key, goal, version, actorID))
	})

	vm.Set("editStatusForNode", func(opts map[string]any) {
		nodeID := stringField(opts, "nodeId")
		status := tree.Status(stringField(opts, "status"))
		version := intField(opts, "version")
		cascade := boolField(opts, "isInherited")
		collector.dispatch("editStatusForNode", nodeID,
			s.nodes.EnqueueSetStatus(collector.ctx, nodeID, status, version, cascade, actorID))
	})

	vm.Set("addPrestigeForNode", func(opts map[string]any) {
		nodeID := stringField(opts, "nodeId")
		collector.dispatch("addPrestigeForNode", nodeID,
			s.nodes.EnqueueAddPrestige(collector.ctx, nodeID, actorID))
	})

	vm.Set("updateScheduleForNode", func(opts map[string]any) {
		nodeID := stringField(opts, "nodeId")
		version := intField(opts, "version")
		reeffect := floatField(opts, "reeffectTime")
		rawSchedule := stringField(opts, "schedule")
		when, err := time.Parse(time.RFC3339, rawSchedule)
		if err != nil {
			collector.reject("updateScheduleForNode", nodeID,
				core.NewValidationError("schedule", "must be an RFC 3339 timestamp"))
			return
		}
		collector.dispatch("updateScheduleForNode", nodeID,
			s.nodes.EnqueueSetSchedule(collector.ctx, nodeID, version, &when, reeffect, actorID))
	})
}

// nodeSnapshot converts the node into plain data for the runtime. The
// round trip guarantees the script holds values, never live references.
func nodeSnapshot(node tree.Node) (map[string]any, error) {
	raw, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func stringField(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func intField(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func floatField(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func boolField(opts map[string]any, key string) bool {
	v, ok := opts[key].(bool)
	return ok && v
}
