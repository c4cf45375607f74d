package audit

import "context"

// Log is the append surface mutating services write through.
type Log interface {
	Append(ctx context.Context, c Contribution) error
}

// Store defines the persistence interface for contributions.
type Store interface {
	CreateContribution(ctx context.Context, c Contribution) (Contribution, error)
	ListContributionsByNode(ctx context.Context, nodeID string, limit int) ([]Contribution, error)
	ListContributionsByActor(ctx context.Context, actorID string, limit int) ([]Contribution, error)
}
