package scripts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	core "github.com/arborlabs/arbor/system/framework/core"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed execution store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateExecution inserts one execution row.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec Execution) (Execution, error) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	logsJSON, err := json.Marshal(exec.Logs)
	if err != nil {
		return Execution{}, err
	}
	mutationsJSON, err := json.Marshal(exec.Mutations)
	if err != nil {
		return Execution{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO script_executions
			(id, node_id, script_name, actor_id, status, error, logs, mutations, started_at, completed_at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, exec.ID, exec.NodeID, exec.ScriptName, exec.ActorID, string(exec.Status), exec.Error,
		logsJSON, mutationsJSON, exec.StartedAt, exec.CompletedAt, exec.Duration.Nanoseconds())
	if err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// GetExecution retrieves one execution row.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, script_name, actor_id, status, error, logs, mutations, started_at, completed_at, duration_ns
		FROM script_executions
		WHERE id = $1
	`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, core.NewNotFoundError("execution", id)
	}
	return exec, err
}

// ListExecutionsByNode returns a node's executions, most recent first.
func (s *PostgresStore) ListExecutionsByNode(ctx context.Context, nodeID string, limit int) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, script_name, actor_id, status, error, logs, mutations, started_at, completed_at, duration_ns
		FROM script_executions
		WHERE node_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// rowScanner abstracts sql.Row and sql.Rows for scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(scanner rowScanner) (Execution, error) {
	var (
		exec          Execution
		status        string
		logsJSON      []byte
		mutationsJSON []byte
		durationNS    int64
	)
	if err := scanner.Scan(&exec.ID, &exec.NodeID, &exec.ScriptName, &exec.ActorID, &status, &exec.Error,
		&logsJSON, &mutationsJSON, &exec.StartedAt, &exec.CompletedAt, &durationNS); err != nil {
		return Execution{}, err
	}
	exec.Status = ExecutionStatus(status)
	if len(logsJSON) > 0 {
		_ = json.Unmarshal(logsJSON, &exec.Logs)
	}
	if len(mutationsJSON) > 0 {
		_ = json.Unmarshal(mutationsJSON, &exec.Mutations)
	}
	exec.StartedAt = exec.StartedAt.UTC()
	exec.CompletedAt = exec.CompletedAt.UTC()
	exec.Duration = time.Duration(durationNS)
	return exec, nil
}
