package audit

import (
	"context"
	"time"

	"github.com/arborlabs/arbor/pkg/logger"
	"github.com/arborlabs/arbor/system/framework"
	core "github.com/arborlabs/arbor/system/framework/core"
)

// Service manages the contribution log.
type Service struct {
	framework.ServiceBase
	store Store
	log   *logger.Logger
}

// Name returns the stable service name.
func (s *Service) Name() string { return "audit" }

// Domain reports the service domain for grouping.
func (s *Service) Domain() string { return "audit" }

// Manifest describes the service contract.
func (s *Service) Manifest() *framework.Manifest {
	return &framework.Manifest{
		Name:         s.Name(),
		Domain:       s.Domain(),
		Description:  "Append-only contribution log",
		Layer:        "service",
		DependsOn:    []string{"store"},
		Capabilities: []string{"audit"},
	}
}

// Descriptor advertises the service for system discovery.
func (s *Service) Descriptor() framework.Descriptor { return s.Manifest().ToDescriptor() }

// New constructs an audit service.
func New(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	svc := &Service{store: store, log: log}
	svc.SetName(svc.Name())
	return svc
}

// Append validates and persists one contribution. Implements Log.
func (s *Service) Append(ctx context.Context, c Contribution) error {
	if c.ActorID == "" {
		return core.RequiredError("actor_id")
	}
	if c.NodeID == "" {
		return core.RequiredError("node_id")
	}
	if !c.Action.IsValid() {
		return core.NewValidationError("action", "unknown action kind")
	}
	if c.Date.IsZero() {
		c.Date = time.Now().UTC()
	}

	if _, err := s.store.CreateContribution(ctx, c); err != nil {
		s.log.WithError(err).
			WithField("node_id", c.NodeID).
			WithField("action", string(c.Action)).
			Error("failed to append contribution")
		return err
	}
	return nil
}

// ListByNode returns history for a node, most recent first.
func (s *Service) ListByNode(ctx context.Context, nodeID string, limit int) ([]Contribution, error) {
	if nodeID == "" {
		return nil, core.RequiredError("node_id")
	}
	clamped := core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit)
	return s.store.ListContributionsByNode(ctx, nodeID, clamped)
}

// ListByActor returns an actor's history, most recent first.
func (s *Service) ListByActor(ctx context.Context, actorID string, limit int) ([]Contribution, error) {
	if actorID == "" {
		return nil, core.RequiredError("actor_id")
	}
	clamped := core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit)
	return s.store.ListContributionsByActor(ctx, actorID, clamped)
}

var _ Log = (*Service)(nil)
