package tree

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

// PostgresStore implements Store using PostgreSQL. Each node is one row;
// the versioned state and references are JSONB columns so a node write is
// a single atomic row update, matching the Store contract.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed node store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const nodeColumns = `id, name, prestige, global_values, prestige_totals, versions, scripts, parent, children, root_owner, contributors, created_at, updated_at`

// CreateNode inserts a new node row.
func (s *PostgresStore) CreateNode(ctx context.Context, node Node) (Node, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now

	cols, err := marshalNodeColumns(node)
	if err != nil {
		return Node{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tree_nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, node.ID, node.Name, node.Prestige, cols.globalValues, cols.prestigeTotals, cols.versions, cols.scripts,
		toNullString(node.Parent), cols.children, toNullString(node.RootOwner), cols.contributors,
		node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return Node{}, err
	}
	return node, nil
}

// GetNode retrieves a node by ID.
func (s *PostgresStore) GetNode(ctx context.Context, id string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM tree_nodes
		WHERE id = $1
	`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, core.NewNotFoundError("node", id)
	}
	return node, err
}

// SaveNode replaces the full node row.
func (s *PostgresStore) SaveNode(ctx context.Context, node Node) (Node, error) {
	node.UpdatedAt = time.Now().UTC()

	cols, err := marshalNodeColumns(node)
	if err != nil {
		return Node{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE tree_nodes
		SET name = $2, prestige = $3, global_values = $4, prestige_totals = $5, versions = $6, scripts = $7,
			parent = $8, children = $9, root_owner = $10, contributors = $11, updated_at = $12
		WHERE id = $1
	`, node.ID, node.Name, node.Prestige, cols.globalValues, cols.prestigeTotals, cols.versions, cols.scripts,
		toNullString(node.Parent), cols.children, toNullString(node.RootOwner), cols.contributors, node.UpdatedAt)
	if err != nil {
		return Node{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Node{}, core.NewNotFoundError("node", node.ID)
	}
	return node, nil
}

// DeleteNode removes a node row.
func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tree_nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.NewNotFoundError("node", id)
	}
	return nil
}

// ListChildren returns the direct children of a node.
func (s *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]Node, error) {
	return s.list(ctx, `
		SELECT `+nodeColumns+`
		FROM tree_nodes
		WHERE parent = $1
		ORDER BY created_at
	`, parentID)
}

// ListRoots returns all nodes without a parent.
func (s *PostgresStore) ListRoots(ctx context.Context) ([]Node, error) {
	return s.list(ctx, `
		SELECT `+nodeColumns+`
		FROM tree_nodes
		WHERE parent IS NULL
		ORDER BY created_at
	`)
}

// ApplyGlobalDelta adds the delta to the node's global values under a row
// lock, removing keys whose resulting value is exactly zero. The lock makes
// concurrent propagation chains through a shared ancestor serialize here.
func (s *PostgresStore) ApplyGlobalDelta(ctx context.Context, nodeID string, delta map[string]float64) error {
	if len(delta) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT global_values FROM tree_nodes WHERE id = $1 FOR UPDATE
	`, nodeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NewNotFoundError("node", nodeID)
	}
	if err != nil {
		return err
	}

	values := map[string]float64{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return err
		}
	}
	for k, d := range delta {
		next := values[k] + d
		if next == 0 {
			delete(values, k)
		} else {
			values[k] = next
		}
	}

	updated, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tree_nodes SET global_values = $2, updated_at = $3 WHERE id = $1
	`, nodeID, updated, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, node)
	}
	return result, rows.Err()
}

type nodeJSONColumns struct {
	globalValues   []byte
	prestigeTotals []byte
	versions       []byte
	scripts        []byte
	children       []byte
	contributors   []byte
}

func marshalNodeColumns(node Node) (nodeJSONColumns, error) {
	var cols nodeJSONColumns
	var err error
	if cols.globalValues, err = json.Marshal(node.GlobalValues); err != nil {
		return cols, err
	}
	if cols.prestigeTotals, err = json.Marshal(node.PrestigeTotals); err != nil {
		return cols, err
	}
	if cols.versions, err = json.Marshal(node.Versions); err != nil {
		return cols, err
	}
	if cols.scripts, err = json.Marshal(node.Scripts); err != nil {
		return cols, err
	}
	if cols.children, err = json.Marshal(node.Children); err != nil {
		return cols, err
	}
	cols.contributors, err = json.Marshal(node.Contributors)
	return cols, err
}

// rowScanner abstracts sql.Row and sql.Rows for scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(scanner rowScanner) (Node, error) {
	var (
		node      Node
		cols      nodeJSONColumns
		parent    sql.NullString
		rootOwner sql.NullString
	)
	if err := scanner.Scan(&node.ID, &node.Name, &node.Prestige, &cols.globalValues, &cols.prestigeTotals,
		&cols.versions, &cols.scripts, &parent, &cols.children, &rootOwner, &cols.contributors,
		&node.CreatedAt, &node.UpdatedAt); err != nil {
		return Node{}, err
	}
	if len(cols.globalValues) > 0 {
		_ = json.Unmarshal(cols.globalValues, &node.GlobalValues)
	}
	if len(cols.prestigeTotals) > 0 {
		_ = json.Unmarshal(cols.prestigeTotals, &node.PrestigeTotals)
	}
	if len(cols.versions) > 0 {
		_ = json.Unmarshal(cols.versions, &node.Versions)
	}
	if len(cols.scripts) > 0 {
		_ = json.Unmarshal(cols.scripts, &node.Scripts)
	}
	if len(cols.children) > 0 {
		_ = json.Unmarshal(cols.children, &node.Children)
	}
	if len(cols.contributors) > 0 {
		_ = json.Unmarshal(cols.contributors, &node.Contributors)
	}
	if parent.Valid {
		node.Parent = parent.String
	}
	if rootOwner.Valid {
		node.RootOwner = rootOwner.String
	}
	if node.GlobalValues == nil {
		node.GlobalValues = map[string]float64{}
	}
	if node.PrestigeTotals == nil {
		node.PrestigeTotals = map[string]float64{}
	}
	node.CreatedAt = node.CreatedAt.UTC()
	node.UpdatedAt = node.UpdatedAt.UTC()
	return node, nil
}

// toNullString converts a string to sql.NullString.
func toNullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
