package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// TaskRepository persists task state so worker processes and the HTTP layer
// share one view of every chain. States only move forward:
// PENDING -> STARTED -> PROGRESS* -> SUCCESS | FAILURE.
type TaskRepository struct {
	pool *Pool
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(pool *Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

// CreateChain inserts the full ordered chain as PENDING rows up-front so
// clients can poll any stage before it runs.
func (r *TaskRepository) CreateChain(ctx context.Context, queue string, ids []string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tasks (id, queue) VALUES ($1, $2)", id, queue); err != nil {
			return fmt.Errorf("insert task %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task chain: %w", err)
	}
	return nil
}

// Get retrieves a task by id, returns nil if not found.
func (r *TaskRepository) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	var result sql.NullString
	err := r.pool.QueryRow(ctx, `
		SELECT id, queue, state, progress, info, result, error, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.Queue, &t.State, &t.Progress, &t.Info, &result, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	if result.Valid {
		t.Result = []byte(result.String)
	}
	return &t, nil
}

// GetMany retrieves tasks by id preserving the given order.
func (r *TaskRepository) GetMany(ctx context.Context, ids []string) ([]Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, queue, state, progress, info, result, error, created_at, updated_at
		FROM tasks WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Task, len(ids))
	for rows.Next() {
		var t Task
		var result sql.NullString
		if err := rows.Scan(&t.ID, &t.Queue, &t.State, &t.Progress, &t.Info, &result,
			&t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if result.Valid {
			t.Result = []byte(result.String)
		}
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// MarkStarted moves a task to STARTED.
func (r *TaskRepository) MarkStarted(ctx context.Context, id string) error {
	return r.setState(ctx, id,
		"UPDATE tasks SET state = 'STARTED', updated_at = NOW() WHERE id = $1")
}

// ReportProgress records a normalized 0-100 progress value and a
// human-readable sub-step label.
func (r *TaskRepository) ReportProgress(ctx context.Context, id string, progress int, info string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = 'PROGRESS', progress = $1, info = $2, updated_at = NOW()
		WHERE id = $3 AND state NOT IN ('SUCCESS', 'FAILURE')
	`, progress, info, id)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	return nil
}

// MarkSuccess records the stage's result payload and moves it to SUCCESS.
func (r *TaskRepository) MarkSuccess(ctx context.Context, id string, result []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = 'SUCCESS', progress = 100, result = $1, updated_at = NOW()
		WHERE id = $2
	`, nullIfEmpty(result), id)
	if err != nil {
		return fmt.Errorf("mark task success: %w", err)
	}
	return nil
}

// MarkFailure records the failure reason and moves the task to FAILURE.
func (r *TaskRepository) MarkFailure(ctx context.Context, id string, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = 'FAILURE', error = $1, updated_at = NOW()
		WHERE id = $2
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark task failure: %w", err)
	}
	return nil
}

// MarkChainFailure marks every listed task FAILURE. Used to fail the
// remainder of a chain when one stage halts it.
func (r *TaskRepository) MarkChainFailure(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = 'FAILURE', error = $1, updated_at = NOW()
		WHERE id = ANY($2) AND state NOT IN ('SUCCESS', 'FAILURE')
	`, reason, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark chain failure: %w", err)
	}
	return nil
}

func (r *TaskRepository) setState(ctx context.Context, id, query string) error {
	_, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	return nil
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
