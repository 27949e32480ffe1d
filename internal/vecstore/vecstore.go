// Package vecstore is the per-event vector collection over pgvector. One
// logical collection per event, dimension discovered on the first upsert
// and locked thereafter. Search is exact: the points table carries no ANN
// index, so ordering by cosine distance is a full scan.
package vecstore

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/snapsift/snapsift/internal/store"
)

// Point is one (embedding, image) pair in a collection.
type Point struct {
	ImageID string
	Vector  []float32
}

// Match is one ranked search hit. Score is cosine similarity in [-1, 1].
type Match struct {
	ImageID string
	Score   float64
}

// Store manages the per-event face point collections.
type Store struct {
	pool *store.Pool
}

// New creates a vector store over the shared Postgres pool.
func New(pool *store.Pool) *Store {
	return &Store{pool: pool}
}

// Create prepares an empty collection for an event. Idempotent: any stale
// points and the dimension lock from a previous build are dropped, so a
// rebuild starts clean.
func (s *Store) Create(ctx context.Context, eventID string) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM face_points WHERE event_id = $1", eventID); err != nil {
		return fmt.Errorf("clear collection %s: %w", eventID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM event_dims WHERE event_id = $1", eventID); err != nil {
		return fmt.Errorf("clear collection dim %s: %w", eventID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit collection create: %w", err)
	}
	return nil
}

// Upsert appends points to a collection. The first upsert locks the
// vector dimension; later points with a different dimension are rejected.
func (s *Store) Upsert(ctx context.Context, eventID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dim := len(points[0].Vector)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_dims (event_id, dim) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, dim); err != nil {
		return fmt.Errorf("lock collection dim: %w", err)
	}

	var locked int
	if err := tx.QueryRowContext(ctx,
		"SELECT dim FROM event_dims WHERE event_id = $1", eventID).Scan(&locked); err != nil {
		return fmt.Errorf("read collection dim: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO face_points (event_id, image_id, embedding) VALUES ($1, $2, $3)")
	if err != nil {
		return fmt.Errorf("prepare point insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if len(p.Vector) != locked {
			return fmt.Errorf("point for image %s has dimension %d, collection locked at %d",
				p.ImageID, len(p.Vector), locked)
		}
		if _, err := stmt.ExecContext(ctx, eventID, p.ImageID, pgvector.NewVector(p.Vector)); err != nil {
			return fmt.Errorf("insert point for image %s: %w", p.ImageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// SearchExact returns the nearest points by cosine distance, ranked best
// first. Scores are similarities (1 - distance).
func (s *Store) SearchExact(ctx context.Context, eventID string, vector []float32, limit int) ([]Match, error) {
	vec := pgvector.NewVector(vector)
	rows, err := s.pool.Query(ctx, `
		SELECT image_id, 1 - (embedding <=> $1::vector) AS score
		FROM face_points
		WHERE event_id = $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, vec, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("search collection %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ImageID, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return out, nil
}

// Count returns the number of points in a collection.
func (s *Store) Count(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM face_points WHERE event_id = $1", eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return n, nil
}

// DeleteCollection removes all points and the dimension lock for an event.
func (s *Store) DeleteCollection(ctx context.Context, eventID string) error {
	return s.Create(ctx, eventID)
}
