package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contribution store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateContribution appends one contribution row.
func (s *PostgresStore) CreateContribution(ctx context.Context, c Contribution) (Contribution, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Date.IsZero() {
		c.Date = time.Now().UTC()
	}

	valueJSON, err := json.Marshal(c.ValueEdited)
	if err != nil {
		return Contribution{}, err
	}
	goalJSON, err := json.Marshal(c.GoalEdited)
	if err != nil {
		return Contribution{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contributions
			(id, actor_id, node_id, action, node_version, value_edited, goal_edited, status_edited, schedule_edited, script_name, date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.ActorID, c.NodeID, string(c.Action), c.NodeVersion, valueJSON, goalJSON, c.StatusEdited, c.ScheduleEdited, c.ScriptName, c.Date)
	if err != nil {
		return Contribution{}, err
	}
	return c, nil
}

// ListContributionsByNode returns a node's history, most recent first.
func (s *PostgresStore) ListContributionsByNode(ctx context.Context, nodeID string, limit int) ([]Contribution, error) {
	return s.list(ctx, `
		SELECT id, actor_id, node_id, action, node_version, value_edited, goal_edited, status_edited, schedule_edited, script_name, date
		FROM contributions
		WHERE node_id = $1
		ORDER BY date DESC
		LIMIT $2
	`, nodeID, limit)
}

// ListContributionsByActor returns an actor's history, most recent first.
func (s *PostgresStore) ListContributionsByActor(ctx context.Context, actorID string, limit int) ([]Contribution, error) {
	return s.list(ctx, `
		SELECT id, actor_id, node_id, action, node_version, value_edited, goal_edited, status_edited, schedule_edited, script_name, date
		FROM contributions
		WHERE actor_id = $1
		ORDER BY date DESC
		LIMIT $2
	`, actorID, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, key string, limit int) ([]Contribution, error) {
	rows, err := s.db.QueryContext(ctx, query, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Contribution
	for rows.Next() {
		var (
			c         Contribution
			action    string
			valueJSON []byte
			goalJSON  []byte
		)
		if err := rows.Scan(&c.ID, &c.ActorID, &c.NodeID, &action, &c.NodeVersion, &valueJSON, &goalJSON, &c.StatusEdited, &c.ScheduleEdited, &c.ScriptName, &c.Date); err != nil {
			return nil, err
		}
		c.Action = Action(action)
		if len(valueJSON) > 0 {
			_ = json.Unmarshal(valueJSON, &c.ValueEdited)
		}
		if len(goalJSON) > 0 {
			_ = json.Unmarshal(goalJSON, &c.GoalEdited)
		}
		c.Date = c.Date.UTC()
		result = append(result, c)
	}
	return result, rows.Err()
}
