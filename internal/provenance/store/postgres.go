package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"veritas/internal/provenance/graph"
	"veritas/internal/provenance/models"
	txcontext "veritas/pkg/platform/tx"
)

const edgeColumns = `edge_id, parent_id, child_id, relation, description, created_at`

// PostgresStore persists edges in provenance_edges.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// LinkIfAbsent inserts the edge unless (parent, child, relation) exists and
// returns whichever row is stored. Insert and re-select share a transaction.
func (s *PostgresStore) LinkIfAbsent(ctx context.Context, edge *models.Edge) (*models.Edge, bool, error) {
	var (
		stored *models.Edge
		added  bool
	)
	err := txcontext.Run(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO provenance_edges (`+edgeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (parent_id, child_id, relation) DO NOTHING
		`, edge.ID, edge.ParentID, edge.ChildID, edge.Relation, edge.Description, edge.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
		added = n == 1

		row := tx.QueryRowContext(ctx, `
			SELECT `+edgeColumns+` FROM provenance_edges
			WHERE parent_id = $1 AND child_id = $2 AND relation = $3
		`, edge.ParentID, edge.ChildID, edge.Relation)
		stored, err = scanEdge(row)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, added, nil
}

func (s *PostgresStore) ListByParent(ctx context.Context, parentID string) ([]models.Edge, error) {
	return s.query(ctx, `
		SELECT `+edgeColumns+` FROM provenance_edges
		WHERE parent_id = $1
		ORDER BY created_at, child_id, relation, edge_id
	`, parentID)
}

func (s *PostgresStore) ListByChild(ctx context.Context, childID string) ([]models.Edge, error) {
	return s.query(ctx, `
		SELECT `+edgeColumns+` FROM provenance_edges
		WHERE child_id = $1
		ORDER BY created_at, parent_id, relation, edge_id
	`, childID)
}

// Reachable returns every edge reachable from artifactID in direction dir.
// The recursive CTE collects nodes with UNION, so revisits add no rows and
// the recursion ends on cyclic data.
func (s *PostgresStore) Reachable(ctx context.Context, artifactID string, dir graph.Direction) ([]models.Edge, error) {
	query := `
		WITH RECURSIVE reach(node) AS (
			SELECT $1::text
			UNION
			SELECT e.parent_id FROM provenance_edges e JOIN reach r ON e.child_id = r.node
		)
		SELECT ` + edgeColumns + ` FROM provenance_edges
		WHERE child_id IN (SELECT node FROM reach)
	`
	if dir == graph.Down {
		query = `
		WITH RECURSIVE reach(node) AS (
			SELECT $1::text
			UNION
			SELECT e.child_id FROM provenance_edges e JOIN reach r ON e.parent_id = r.node
		)
		SELECT ` + edgeColumns + ` FROM provenance_edges
		WHERE parent_id IN (SELECT node FROM reach)
	`
	}
	return s.query(ctx, query, artifactID)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]models.Edge, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []models.Edge
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.ID, &e.ParentID, &e.ChildID, &e.Relation, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

func scanEdge(row *sql.Row) (*models.Edge, error) {
	var e models.Edge
	err := row.Scan(&e.ID, &e.ParentID, &e.ChildID, &e.Relation, &e.Description, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("edge vanished after insert: %w", err)
		}
		return nil, fmt.Errorf("scan edge: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
