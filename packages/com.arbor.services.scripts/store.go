package scripts

import "context"

// Store persists script execution records.
type Store interface {
	CreateExecution(ctx context.Context, exec Execution) (Execution, error)
	GetExecution(ctx context.Context, id string) (Execution, error)
	ListExecutionsByNode(ctx context.Context, nodeID string, limit int) ([]Execution, error)
}
