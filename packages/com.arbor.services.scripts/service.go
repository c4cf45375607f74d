package scripts

import (
	"context"
	"time"

	"github.com/arborlabs/arbor/internal/app/metrics"
	"github.com/arborlabs/arbor/packages/com.arbor.services.audit"
	"github.com/arborlabs/arbor/packages/com.arbor.services.tree"
	"github.com/arborlabs/arbor/pkg/logger"
	"github.com/arborlabs/arbor/system/framework"
	core "github.com/arborlabs/arbor/system/framework/core"
)

// NodeService is the slice of the tree service the sandbox is allowed to
// reach. Every mutation call lands on the per-node queue at call time, so
// script edits and human edits to the same node are linearized and two
// calls a script makes against the same node run in call order.
type NodeService interface {
	Get(ctx context.Context, nodeID string) (tree.Node, error)
	EnqueueSetValue(ctx context.Context, nodeID, key string, value any, versionIndex int, actorID string) <-chan error
	EnqueueSetGoal(ctx context.Context, nodeID, key string, goal any, versionIndex int, actorID string) <-chan error
	EnqueueSetStatus(ctx context.Context, nodeID string, status tree.Status, versionIndex int, cascade bool, actorID string) <-chan error
	EnqueueAddPrestige(ctx context.Context, nodeID, actorID string) <-chan error
	EnqueueSetSchedule(ctx context.Context, nodeID string, versionIndex int, when *time.Time, reeffectHours float64, actorID string) <-chan error
}

// Service runs node scripts.
type Service struct {
	framework.ServiceBase
	store   Store
	nodes   NodeService
	gateway *HTTPGateway
	audit   audit.Log
	log     *logger.Logger
	timeout time.Duration
}

// Name returns the stable service name.
func (s *Service) Name() string { return "scripts" }

// Domain reports the service domain for grouping.
func (s *Service) Domain() string { return "tree" }

// Manifest describes the service contract.
func (s *Service) Manifest() *framework.Manifest {
	return &framework.Manifest{
		Name:         s.Name(),
		Domain:       s.Domain(),
		Description:  "Sandboxed execution of user-authored node scripts",
		Layer:        "service",
		DependsOn:    []string{"tree", "store", "audit"},
		Capabilities: []string{"scripts"},
	}
}

// Descriptor advertises the service for system discovery.
func (s *Service) Descriptor() framework.Descriptor { return s.Manifest().ToDescriptor() }

// New constructs a script execution service.
func New(store Store, nodes NodeService, gateway *HTTPGateway, auditLog audit.Log, log *logger.Logger, timeout time.Duration) *Service {
	if log == nil {
		log = logger.NewDefault("scripts")
	}
	if gateway == nil {
		gateway = NewHTTPGateway(nil, nil)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	svc := &Service{store: store, nodes: nodes, gateway: gateway, audit: auditLog, log: log, timeout: timeout}
	svc.SetName(svc.Name())
	return svc
}

// Run executes a named script stored on the node. The returned execution
// reflects the node state at snapshot time; mutations issued by the script
// have landed (or failed) by the time Run returns, with per-call outcomes
// in the Mutations list, but the snapshot in scope of the script never saw
// them. Callers wanting the post-run node must re-fetch it.
func (s *Service) Run(ctx context.Context, nodeID, scriptName, actorID string) (Execution, error) {
	if actorID == "" {
		return Execution{}, core.RequiredError("actor_id")
	}
	node, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return Execution{}, err
	}
	script, err := node.FindScript(scriptName)
	if err != nil {
		return Execution{}, err
	}

	started := time.Now().UTC()
	outcome := s.executeScript(ctx, *node.Clone(), script.Source, actorID)
	completed := time.Now().UTC()

	exec := Execution{
		NodeID:      nodeID,
		ScriptName:  scriptName,
		ActorID:     actorID,
		Status:      outcome.status,
		Logs:        outcome.logs,
		Mutations:   outcome.mutations,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}
	if outcome.err != nil {
		exec.Error = outcome.err.Error()
	}
	metrics.RecordScriptExecution(string(exec.Status), exec.Duration)

	if s.store != nil {
		saved, err := s.store.CreateExecution(ctx, exec)
		if err != nil {
			s.log.WithError(err).
				WithField("node_id", nodeID).
				WithField("script", scriptName).
				Warn("failed to persist script execution")
		} else {
			exec = saved
		}
	}
	s.appendAudit(ctx, exec)

	return exec, nil
}

// History lists past executions for a node, most recent first.
func (s *Service) History(ctx context.Context, nodeID string, limit int) ([]Execution, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListExecutionsByNode(ctx, nodeID, core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit))
}

func (s *Service) appendAudit(ctx context.Context, exec Execution) {
	if s.audit == nil {
		return
	}
	err := s.audit.Append(ctx, audit.Contribution{
		ActorID:    exec.ActorID,
		NodeID:     exec.NodeID,
		Action:     audit.ActionScriptRun,
		ScriptName: exec.ScriptName,
		Date:       exec.CompletedAt,
	})
	if err != nil {
		s.log.WithError(err).
			WithField("node_id", exec.NodeID).
			Warn("failed to record contribution")
	}
}
