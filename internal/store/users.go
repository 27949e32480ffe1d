package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/snapsift/snapsift/internal/fault"
)

// UserRepository persists users and their storage quota counters.
type UserRepository struct {
	pool *Pool
}

// NewUserRepository creates a new user repository.
func NewUserRepository(pool *Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create inserts a user with zeroed quota counters.
func (r *UserRepository) Create(ctx context.Context, id, email string) error {
	_, err := r.pool.Exec(ctx,
		"INSERT INTO users (id, email) VALUES ($1, $2)", id, email)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Ensure inserts a user row if it does not exist yet. The identity layer
// calls this on first sight of a user id; an existing row is untouched.
// Emails are not unique, two ids may share one.
func (r *UserRepository) Ensure(ctx context.Context, id, email string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, email)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// Get retrieves a user by id, returns nil if not found.
func (r *UserRepository) Get(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, cull_bytes, share_bytes, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.CullBytes, &u.ShareBytes, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// counterColumn maps a quota module to its counter column. The column name
// is interpolated into SQL, so it must come from this closed set.
func counterColumn(module QuotaModule) (string, error) {
	switch module {
	case QuotaCull:
		return "cull_bytes", nil
	case QuotaShare:
		return "share_bytes", nil
	default:
		return "", fmt.Errorf("unknown quota module %q", module)
	}
}

// QuotaManager enforces the per-user storage caps. Reservations and
// releases are single conditional updates so concurrent requests cannot
// overshoot the cap.
type QuotaManager struct {
	pool     *Pool
	cullCap  int64
	shareCap int64
}

// NewQuotaManager creates a quota manager with the configured caps.
func NewQuotaManager(pool *Pool, cullCap, shareCap int64) *QuotaManager {
	return &QuotaManager{pool: pool, cullCap: cullCap, shareCap: shareCap}
}

// Cap returns the configured cap for a module.
func (q *QuotaManager) Cap(module QuotaModule) int64 {
	if module == QuotaShare {
		return q.shareCap
	}
	return q.cullCap
}

// Reserve adds bytes to the user's module counter if the result stays
// within [0, cap]. Returns fault.QuotaExceeded when it would not.
func (q *QuotaManager) Reserve(ctx context.Context, userID string, module QuotaModule, bytes int64) error {
	col, err := counterColumn(module)
	if err != nil {
		return err
	}

	res, err := q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE users
		SET %[1]s = %[1]s + $1
		WHERE id = $2 AND %[1]s + $1 <= $3 AND %[1]s + $1 >= 0
	`, col), bytes, userID, q.Cap(module))
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve quota rows: %w", err)
	}
	if n == 0 {
		return fault.New(fault.QuotaExceeded, "%s quota exceeded for user %s", module, userID)
	}
	return nil
}

// Release subtracts bytes from the user's module counter, clamped at zero.
func (q *QuotaManager) Release(ctx context.Context, userID string, module QuotaModule, bytes int64) error {
	col, err := counterColumn(module)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE users SET %[1]s = GREATEST(%[1]s - $1, 0) WHERE id = $2
	`, col), bytes, userID)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// ReleaseTx is Release inside a caller-owned transaction, used when the
// counter must move together with a metadata delete.
func (q *QuotaManager) ReleaseTx(ctx context.Context, tx *sql.Tx, userID string, module QuotaModule, bytes int64) error {
	col, err := counterColumn(module)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE users SET %[1]s = GREATEST(%[1]s - $1, 0) WHERE id = $2
	`, col), bytes, userID)
	if err != nil {
		return fmt.Errorf("release quota in tx: %w", err)
	}
	return nil
}
