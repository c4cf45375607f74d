// Package inspector periodically audits the incremental tree aggregates
// against a full subtree recomputation and reports any divergence.
package inspector

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arborlabs/arbor/internal/app/metrics"
	"github.com/arborlabs/arbor/packages/com.arbor.services.tree"
	"github.com/arborlabs/arbor/pkg/logger"
	"github.com/arborlabs/arbor/system/framework"
)

// TreeInspectable is the slice of the tree service the inspector reads.
type TreeInspectable interface {
	ListRoots(ctx context.Context) ([]tree.Node, error)
	FullRecompute(ctx context.Context, nodeID string) (map[string]float64, error)
}

// Finding is one detected divergence between a root's stored aggregate and
// the ground-truth recomputation.
type Finding struct {
	NodeID   string  `json:"node_id"`
	Key      string  `json:"key"`
	Stored   float64 `json:"stored"`
	Expected float64 `json:"expected"`
}

// Service runs the sweep on a cron schedule.
type Service struct {
	framework.ServiceBase
	trees    TreeInspectable
	log      *logger.Logger
	schedule string
	cron     *cron.Cron
}

// DefaultSchedule sweeps every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// New constructs an inspector. An empty schedule uses DefaultSchedule.
func New(trees TreeInspectable, log *logger.Logger, schedule string) *Service {
	if log == nil {
		log = logger.NewDefault("inspector")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	svc := &Service{trees: trees, log: log, schedule: schedule}
	svc.SetName(svc.Name())
	return svc
}

// Name returns the stable service name.
func (s *Service) Name() string { return "inspector" }

// Domain reports the service domain for grouping.
func (s *Service) Domain() string { return "tree" }

// Manifest describes the service contract.
func (s *Service) Manifest() *framework.Manifest {
	return &framework.Manifest{
		Name:         s.Name(),
		Domain:       s.Domain(),
		Description:  "Scheduled aggregate consistency sweeps",
		Layer:        "service",
		DependsOn:    []string{"tree"},
		Capabilities: []string{"inspector"},
	}
}

// Descriptor advertises the service for system discovery.
func (s *Service) Descriptor() framework.Descriptor { return s.Manifest().ToDescriptor() }

// Start schedules the sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.ServiceBase.Start(ctx); err != nil {
		return err
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.Sweep(sweepCtx); err != nil {
			s.log.WithError(err).Error("consistency sweep failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Service) Stop(ctx context.Context) error {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.ServiceBase.Stop(ctx)
}

// Sweep checks every root's stored aggregate against a full recomputation
// and returns the divergences found. A clean sweep returns an empty list.
func (s *Service) Sweep(ctx context.Context) ([]Finding, error) {
	roots, err := s.trees.ListRoots(ctx)
	if err != nil {
		metrics.RecordInspectorSweep("error")
		return nil, err
	}

	var findings []Finding
	for _, root := range roots {
		truth, err := s.trees.FullRecompute(ctx, root.ID)
		if err != nil {
			metrics.RecordInspectorSweep("error")
			return findings, err
		}
		findings = append(findings, diffAggregates(root, truth)...)
	}

	if len(findings) == 0 {
		metrics.RecordInspectorSweep("clean")
		return nil, nil
	}

	metrics.RecordInspectorSweep("divergent")
	for _, f := range findings {
		metrics.RecordConsistencyError()
		s.log.WithField("node_id", f.NodeID).
			WithField("key", f.Key).
			WithField("stored", f.Stored).
			WithField("expected", f.Expected).
			Error("aggregate diverged from ground truth")
	}
	return findings, nil
}

func diffAggregates(root tree.Node, truth map[string]float64) []Finding {
	var findings []Finding
	for k, want := range truth {
		if got := root.GlobalValues[k]; got != want {
			findings = append(findings, Finding{NodeID: root.ID, Key: k, Stored: got, Expected: want})
		}
	}
	for k, got := range root.GlobalValues {
		if _, ok := truth[k]; !ok {
			findings = append(findings, Finding{NodeID: root.ID, Key: k, Stored: got})
		}
	}
	return findings
}
