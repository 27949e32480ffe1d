package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/snapsift/snapsift/internal/fault"
)

// WorkspaceRepository persists cull workspaces. The pipeline coordinator is
// the only writer of the culling status fields; all transitions go through
// row-level locks taken here.
type WorkspaceRepository struct {
	pool *Pool
}

// NewWorkspaceRepository creates a new workspace repository.
func NewWorkspaceRepository(pool *Pool) *WorkspaceRepository {
	return &WorkspaceRepository{pool: pool}
}

const workspaceColumns = `
	id, user_id, name, prefix, total_size,
	culling_in_progress, culling_done, task_ids, created_at
`

func scanWorkspace(row interface{ Scan(...any) error }) (*CullWorkspace, error) {
	var w CullWorkspace
	err := row.Scan(
		&w.ID, &w.UserID, &w.Name, &w.Prefix, &w.TotalSize,
		&w.CullingInProgress, &w.CullingDone, pq.Array(&w.TaskIDs), &w.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return &w, nil
}

// Create inserts a workspace.
func (r *WorkspaceRepository) Create(ctx context.Context, w *CullWorkspace) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cull_workspaces (id, user_id, name, prefix, total_size)
		VALUES ($1, $2, $3, $4, $5)
	`, w.ID, w.UserID, w.Name, w.Prefix, w.TotalSize)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// Get retrieves a workspace by id, returns nil if not found.
func (r *WorkspaceRepository) Get(ctx context.Context, id string) (*CullWorkspace, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+workspaceColumns+" FROM cull_workspaces WHERE id = $1", id)
	return scanWorkspace(row)
}

// GetOwned retrieves a workspace owned by the given user.
// Returns fault.WorkspaceNotFound when missing or owned by someone else.
func (r *WorkspaceRepository) GetOwned(ctx context.Context, userID, id string) (*CullWorkspace, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+workspaceColumns+" FROM cull_workspaces WHERE id = $1 AND user_id = $2", id, userID)
	w, err := scanWorkspace(row)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fault.New(fault.WorkspaceNotFound, "workspace %s not found", id)
	}
	return w, nil
}

// GetByName retrieves a workspace by owner and name, returns nil if not found.
func (r *WorkspaceRepository) GetByName(ctx context.Context, userID, name string) (*CullWorkspace, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+workspaceColumns+" FROM cull_workspaces WHERE user_id = $1 AND name = $2", userID, name)
	return scanWorkspace(row)
}

// ListByUser returns all workspaces owned by a user, newest first.
func (r *WorkspaceRepository) ListByUser(ctx context.Context, userID string) ([]CullWorkspace, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+workspaceColumns+" FROM cull_workspaces WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []CullWorkspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return out, nil
}

// AddSize adds bytes to a workspace's total size.
func (r *WorkspaceRepository) AddSize(ctx context.Context, id string, bytes int64) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE cull_workspaces SET total_size = total_size + $1 WHERE id = $2", bytes, id)
	if err != nil {
		return fmt.Errorf("update workspace size: %w", err)
	}
	return nil
}

// BeginCulling atomically flips culling_in_progress from false to true and
// records the ordered task id list for the chain. Returns
// fault.WorkspaceLocked if a chain is already running.
func (r *WorkspaceRepository) BeginCulling(ctx context.Context, id string, taskIDs []string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		"SELECT culling_in_progress FROM cull_workspaces WHERE id = $1 FOR UPDATE", id,
	).Scan(&inProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.WorkspaceNotFound, "workspace %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if inProgress {
		return fault.New(fault.WorkspaceLocked, "culling already in progress for workspace %s", id)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cull_workspaces
		SET culling_in_progress = TRUE, task_ids = $1
		WHERE id = $2
	`, pq.Array(taskIDs), id)
	if err != nil {
		return fmt.Errorf("begin culling: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit begin culling: %w", err)
	}
	return nil
}

// ClearTaskIDs empties the chain task list. Used by operator cancellation:
// redelivered stages find a done workspace and no-op.
func (r *WorkspaceRepository) ClearTaskIDs(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE cull_workspaces SET task_ids = '{}' WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("clear task ids: %w", err)
	}
	return nil
}

// Delete removes a workspace and releases its quota in one transaction.
// Rejected with fault.WorkspaceLocked while a chain is running. Image rows
// go with the cascade.
func (r *WorkspaceRepository) Delete(ctx context.Context, quota *QuotaManager, userID, id string) (*CullWorkspace, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+workspaceColumns+" FROM cull_workspaces WHERE id = $1 AND user_id = $2 FOR UPDATE",
		id, userID)
	w, err := scanWorkspace(row)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fault.New(fault.WorkspaceNotFound, "workspace %s not found", id)
	}
	if w.CullingInProgress {
		return nil, fault.New(fault.WorkspaceLocked, "workspace %s has a culling run in progress", id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cull_workspaces WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("delete workspace: %w", err)
	}

	if err := quota.ReleaseTx(ctx, tx, userID, QuotaCull, w.TotalSize); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit workspace delete: %w", err)
	}
	return w, nil
}
