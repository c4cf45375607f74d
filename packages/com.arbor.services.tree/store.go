package tree

import "context"

// Store defines the persistence interface for the node tree. The node
// document is the unit of atomicity: implementations must apply each write
// as one atomic single-document update.
type Store interface {
	CreateNode(ctx context.Context, node Node) (Node, error)
	GetNode(ctx context.Context, id string) (Node, error)
	SaveNode(ctx context.Context, node Node) (Node, error)
	DeleteNode(ctx context.Context, id string) error
	ListChildren(ctx context.Context, parentID string) ([]Node, error)
	ListRoots(ctx context.Context) ([]Node, error)

	// ApplyGlobalDelta atomically adds the per-key delta to the node's
	// stored global values, removing any key whose resulting value is
	// exactly zero. Ancestors can be touched by propagation chains from
	// different descendants concurrently, so this must be a single
	// read-modify-write step.
	ApplyGlobalDelta(ctx context.Context, nodeID string, delta map[string]float64) error
}
