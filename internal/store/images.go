package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// ImageRepository persists pre-cull, culled, and share image metadata.
type ImageRepository struct {
	pool *Pool
}

// NewImageRepository creates a new image repository.
func NewImageRepository(pool *Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// InsertPreCull inserts one pre-cull image row.
func (r *ImageRepository) InsertPreCull(ctx context.Context, img *PreCullImage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pre_cull_images (id, workspace_id, original_name, media_type, download_url, url_valid_until)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, img.ID, img.WorkspaceID, img.OriginalName, img.MediaType, img.DownloadURL, img.URLValidUntil)
	if err != nil {
		return fmt.Errorf("insert pre-cull image: %w", err)
	}
	return nil
}

// ListPreCull returns all pre-cull images for a workspace.
func (r *ImageRepository) ListPreCull(ctx context.Context, workspaceID string) ([]PreCullImage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, workspace_id, original_name, media_type, download_url, url_valid_until, created_at
		FROM pre_cull_images WHERE workspace_id = $1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query pre-cull images: %w", err)
	}
	defer rows.Close()

	var out []PreCullImage
	for rows.Next() {
		var img PreCullImage
		if err := rows.Scan(&img.ID, &img.WorkspaceID, &img.OriginalName, &img.MediaType,
			&img.DownloadURL, &img.URLValidUntil, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pre-cull image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pre-cull images: %w", err)
	}
	return out, nil
}

// CountPreCull returns the number of pre-cull rows for a workspace.
func (r *ImageRepository) CountPreCull(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM pre_cull_images WHERE workspace_id = $1", workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pre-cull images: %w", err)
	}
	return n, nil
}

// FinishCulling is the terminal culling transaction: bulk-inserts the
// culled rows, drops the workspace's pre-cull rows, flips the workspace to
// done, and clears the chain task list. Either everything commits or the
// workspace stays in progress for operator recovery.
func (r *ImageRepository) FinishCulling(ctx context.Context, workspaceID string, images []CulledImage) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO culled_images (id, workspace_id, original_name, media_type, detection_status, download_url, url_valid_until, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare culled insert: %w", err)
	}
	defer stmt.Close()

	for i := range images {
		img := &images[i]
		if _, err := stmt.ExecContext(ctx, img.ID, workspaceID, img.OriginalName, img.MediaType,
			img.DetectionStatus, img.DownloadURL, img.URLValidUntil, img.UploadedAt); err != nil {
			return fmt.Errorf("insert culled image %s: %w", img.OriginalName, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pre_cull_images WHERE workspace_id = $1", workspaceID); err != nil {
		return fmt.Errorf("delete pre-cull images: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE cull_workspaces
		SET culling_done = TRUE, culling_in_progress = FALSE, task_ids = '{}'
		WHERE id = $1
	`, workspaceID); err != nil {
		return fmt.Errorf("finish workspace: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit culling finish: %w", err)
	}
	return nil
}

// ListCulled returns culled images for a workspace, optionally filtered by status.
func (r *ImageRepository) ListCulled(ctx context.Context, workspaceID string, statuses ...DetectionStatus) ([]CulledImage, error) {
	query := `
		SELECT id, workspace_id, original_name, media_type, detection_status, download_url, url_valid_until, uploaded_at
		FROM culled_images WHERE workspace_id = $1
	`
	args := []any{workspaceID}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, s := range statuses {
			strs[i] = string(s)
		}
		query += " AND detection_status = ANY($2)"
		args = append(args, pq.Array(strs))
	}
	query += " ORDER BY uploaded_at"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query culled images: %w", err)
	}
	defer rows.Close()

	var out []CulledImage
	for rows.Next() {
		var img CulledImage
		if err := rows.Scan(&img.ID, &img.WorkspaceID, &img.OriginalName, &img.MediaType,
			&img.DetectionStatus, &img.DownloadURL, &img.URLValidUntil, &img.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan culled image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate culled images: %w", err)
	}
	return out, nil
}

// InsertShare inserts one share image row.
func (r *ImageRepository) InsertShare(ctx context.Context, img *ShareImage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO share_images (id, event_id, original_name, media_type, download_url, url_valid_until)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, img.ID, img.EventID, img.OriginalName, img.MediaType, img.DownloadURL, img.URLValidUntil)
	if err != nil {
		return fmt.Errorf("insert share image: %w", err)
	}
	return nil
}

// ListShare returns all share images for an event.
func (r *ImageRepository) ListShare(ctx context.Context, eventID string) ([]ShareImage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, original_name, media_type, download_url, url_valid_until, created_at
		FROM share_images WHERE event_id = $1 ORDER BY created_at
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query share images: %w", err)
	}
	defer rows.Close()

	var out []ShareImage
	for rows.Next() {
		var img ShareImage
		if err := rows.Scan(&img.ID, &img.EventID, &img.OriginalName, &img.MediaType,
			&img.DownloadURL, &img.URLValidUntil, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share images: %w", err)
	}
	return out, nil
}

// GetShareByIDs hydrates share images by id, restricted to one event so a
// search result can never leak another event's photos.
func (r *ImageRepository) GetShareByIDs(ctx context.Context, eventID string, ids []string) ([]ShareImage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, original_name, media_type, download_url, url_valid_until, created_at
		FROM share_images WHERE event_id = $1 AND id = ANY($2)
	`, eventID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query share images by ids: %w", err)
	}
	defer rows.Close()

	var out []ShareImage
	for rows.Next() {
		var img ShareImage
		if err := rows.Scan(&img.ID, &img.EventID, &img.OriginalName, &img.MediaType,
			&img.DownloadURL, &img.URLValidUntil, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share images: %w", err)
	}
	return out, nil
}

// CountShare returns the number of share images for an event.
func (r *ImageRepository) CountShare(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM share_images WHERE event_id = $1", eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count share images: %w", err)
	}
	return n, nil
}
