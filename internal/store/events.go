package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/snapsift/snapsift/internal/fault"
)

// EventRepository persists share events and the guest access association.
type EventRepository struct {
	pool *Pool
}

// NewEventRepository creates a new event repository.
func NewEventRepository(pool *Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

const eventColumns = `
	id, user_id, name, description, cover_url, prefix, total_size, status, created_at
`

func scanEvent(row interface{ Scan(...any) error }) (*ShareEvent, error) {
	var e ShareEvent
	err := row.Scan(
		&e.ID, &e.UserID, &e.Name, &e.Description, &e.CoverURL,
		&e.Prefix, &e.TotalSize, &e.Status, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &e, nil
}

// Create inserts an event in NotPublished state.
func (r *EventRepository) Create(ctx context.Context, e *ShareEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO share_events (id, user_id, name, description, cover_url, prefix, total_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.UserID, e.Name, e.Description, e.CoverURL, e.Prefix, e.TotalSize)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Get retrieves an event by id, returns nil if not found.
func (r *EventRepository) Get(ctx context.Context, id string) (*ShareEvent, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM share_events WHERE id = $1", id)
	return scanEvent(row)
}

// GetOwned retrieves an event owned by the given user.
func (r *EventRepository) GetOwned(ctx context.Context, userID, id string) (*ShareEvent, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM share_events WHERE id = $1 AND user_id = $2", id, userID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fault.New(fault.WorkspaceNotFound, "event %s not found", id)
	}
	return e, nil
}

// GetByName retrieves a user's event by name, returns nil if not found.
func (r *EventRepository) GetByName(ctx context.Context, userID, name string) (*ShareEvent, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM share_events WHERE user_id = $1 AND name = $2", userID, name)
	return scanEvent(row)
}

// ListByUser returns all events owned by a user, newest first.
func (r *EventRepository) ListByUser(ctx context.Context, userID string) ([]ShareEvent, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+eventColumns+" FROM share_events WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []ShareEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// SetStatus moves an event between publication states.
func (r *EventRepository) SetStatus(ctx context.Context, id string, status EventStatus) error {
	res, err := r.pool.Exec(ctx,
		"UPDATE share_events SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("event status rows: %w", err)
	}
	if n == 0 {
		return fault.New(fault.WorkspaceNotFound, "event %s not found", id)
	}
	return nil
}

// SetCover replaces an event's cover image URL.
func (r *EventRepository) SetCover(ctx context.Context, id, coverURL string) error {
	res, err := r.pool.Exec(ctx,
		"UPDATE share_events SET cover_url = $1 WHERE id = $2", coverURL, id)
	if err != nil {
		return fmt.Errorf("update event cover: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("event cover rows: %w", err)
	}
	if n == 0 {
		return fault.New(fault.WorkspaceNotFound, "event %s not found", id)
	}
	return nil
}

// AddSize adds bytes to an event's total size.
func (r *EventRepository) AddSize(ctx context.Context, id string, bytes int64) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE share_events SET total_size = total_size + $1 WHERE id = $2", bytes, id)
	if err != nil {
		return fmt.Errorf("update event size: %w", err)
	}
	return nil
}

// Delete removes an event and releases its quota in one transaction.
func (r *EventRepository) Delete(ctx context.Context, quota *QuotaManager, userID, id string) (*ShareEvent, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM share_events WHERE id = $1 AND user_id = $2 FOR UPDATE", id, userID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fault.New(fault.WorkspaceNotFound, "event %s not found", id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM share_events WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("delete event: %w", err)
	}
	if err := quota.ReleaseTx(ctx, tx, userID, QuotaShare, e.TotalSize); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event delete: %w", err)
	}
	return e, nil
}

// RecordAccess records a guest's first access to an event. Subsequent
// accesses keep the original timestamp.
func (r *EventRepository) RecordAccess(ctx context.Context, eventID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_access (event_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id, user_id) DO NOTHING
	`, eventID, userID)
	if err != nil {
		return fmt.Errorf("record event access: %w", err)
	}
	return nil
}
