package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/storeseo/engine/internal/domain"
)

const itemColumns = `id, job_id, target_type, target_id, parent_id, title, media_id, image_url,
	status, started_at, finished_at, error, gen_attempts, gen_retry_wait_ms,
	seo_title, seo_description,
	publish_status, published_at, publish_error, publish_attempts, publish_retry_wait_ms`

func scanItem(row rowScanner) (*domain.Item, error) {
	var item domain.Item
	err := row.Scan(
		&item.ID, &item.JobID, &item.TargetType, &item.TargetID, &item.ParentID,
		&item.Title, &item.MediaID, &item.ImageURL,
		&item.Status, &item.StartedAt, &item.FinishedAt, &item.Error,
		&item.GenAttempts, &item.GenRetryWaitMs,
		&item.SeoTitle, &item.SeoDescription,
		&item.PublishStatus, &item.PublishedAt, &item.PublishError,
		&item.PublishAttempts, &item.PublishRetryWaitMs,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]*domain.Item, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextItems returns the items still eligible for the phase with id greater
// than afterID, in ascending id order so re-runs replay deterministically.
// The afterID floor lets a phase page forward without revisiting items it
// already failed in this run.
func (s *Store) NextItems(ctx context.Context, jobID string, phase domain.Phase, afterID int64, limit int) ([]*domain.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	if phase == domain.PhasePublishing || phase == domain.PhasePublished {
		return s.queryItems(ctx, `
			SELECT `+itemColumns+` FROM job_items
			WHERE job_id = $1 AND id > $2 AND publish_status IN ('queued', 'failed')
			ORDER BY id ASC
			LIMIT $3
		`, jobID, afterID, limit)
	}
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM job_items
		WHERE job_id = $1 AND id > $2 AND status IN ('queued', 'failed')
		ORDER BY id ASC
		LIMIT $3
	`, jobID, afterID, limit)
}

// ListItems returns all items of a job in id order.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]*domain.Item, error) {
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM job_items WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
}

// GetItem loads one item.
func (s *Store) GetItem(ctx context.Context, id int64) (*domain.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM job_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", domain.ErrItemNotFound, id)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// MarkItemRunning starts the item's generate attempt and clears its previous
// error.
func (s *Store) MarkItemRunning(ctx context.Context, id int64) error {
	return s.execItem(ctx, id, `
		UPDATE job_items
		SET status = 'running', started_at = NOW(), finished_at = NULL, error = ''
		WHERE id = $1
	`)
}

// MarkItemGenerated persists the accepted draft and the attempt telemetry.
func (s *Store) MarkItemGenerated(ctx context.Context, id int64, seoTitle, seoDescription string, attempts int, retryWaitMs int64) error {
	return s.execItem(ctx, id, `
		UPDATE job_items
		SET status = 'success', finished_at = NOW(),
			seo_title = $2, seo_description = $3,
			gen_attempts = gen_attempts + $4,
			gen_retry_wait_ms = gen_retry_wait_ms + $5
		WHERE id = $1
	`, seoTitle, seoDescription, attempts, retryWaitMs)
}

// MarkItemFailed records a generate-phase failure.
func (s *Store) MarkItemFailed(ctx context.Context, id int64, reason string, attempts int, retryWaitMs int64) error {
	return s.execItem(ctx, id, `
		UPDATE job_items
		SET status = 'failed', finished_at = NOW(), error = $2,
			gen_attempts = gen_attempts + $3,
			gen_retry_wait_ms = gen_retry_wait_ms + $4
		WHERE id = $1
	`, reason, attempts, retryWaitMs)
}

// MarkItemPublishRunning starts the item's publish attempt and zeroes its
// previous publish error.
func (s *Store) MarkItemPublishRunning(ctx context.Context, id int64) error {
	return s.execItem(ctx, id, `
		UPDATE job_items
		SET publish_status = 'running', publish_error = ''
		WHERE id = $1
	`)
}

// MarkItemPublished completes the item's publish. For image items the draft
// alt becomes the live-alt baseline so change detection stops reporting an
// edit.
func (s *Store) MarkItemPublished(ctx context.Context, id int64, copyAltBaseline bool, attempts int, retryWaitMs int64) error {
	alt := ""
	if copyAltBaseline {
		alt = ", seo_description = seo_title"
	}
	return s.execItem(ctx, id, `
		UPDATE job_items
		SET publish_status = 'success', published_at = NOW(),
			publish_attempts = publish_attempts + $2,
			publish_retry_wait_ms = publish_retry_wait_ms + $3`+alt+`
		WHERE id = $1
	`, attempts, retryWaitMs)
}

// MarkItemPublishFailed records a publish-phase failure.
func (s *Store) MarkItemPublishFailed(ctx context.Context, id int64, reason string, attempts int, retryWaitMs int64) error {
	return s.execItem(ctx, id, `
		UPDATE job_items
		SET publish_status = 'failed', publish_error = $2,
			publish_attempts = publish_attempts + $3,
			publish_retry_wait_ms = publish_retry_wait_ms + $4
		WHERE id = $1
	`, reason, attempts, retryWaitMs)
}

// SelectForPublish queues the chosen generated items for publishing and
// skips the rest. Returns the number of queued items.
func (s *Store) SelectForPublish(ctx context.Context, jobID string, itemIDs []int64) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE job_items SET publish_status = 'skipped'
		WHERE job_id = $1 AND NOT (id = ANY($2))
	`, jobID, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to skip unselected items: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE job_items
		SET publish_status = 'queued', publish_error = '', published_at = NULL
		WHERE job_id = $1 AND id = ANY($2) AND status = 'success'
	`, jobID, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to queue selected items: %w", err)
	}

	// Selected items without a generated draft cannot publish.
	_, err = tx.Exec(ctx, `
		UPDATE job_items SET publish_status = 'skipped'
		WHERE job_id = $1 AND id = ANY($2) AND status <> 'success'
	`, jobID, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to skip draftless items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit publish selection: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SkipPublish marks items as skipped for the publish phase (no-change
// pruning).
func (s *Store) SkipPublish(ctx context.Context, jobID string, itemIDs []int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_items SET publish_status = 'skipped'
		WHERE job_id = $1 AND id = ANY($2)
	`, jobID, itemIDs)
	if err != nil {
		return fmt.Errorf("failed to skip items: %w", err)
	}
	return nil
}

// RequeueFailed puts a job's failed items of the phase back to queued so a
// retry run picks them up. Returns how many were requeued.
func (s *Store) RequeueFailed(ctx context.Context, jobID string, phase domain.Phase) (int, error) {
	query := `
		UPDATE job_items
		SET status = 'queued', error = '', finished_at = NULL
		WHERE job_id = $1 AND status = 'failed'
	`
	if phase == domain.PhasePublishing || phase == domain.PhasePublished {
		query = `
			UPDATE job_items
			SET publish_status = 'queued', publish_error = ''
			WHERE job_id = $1 AND publish_status = 'failed'
		`
	}
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailRunning fails only the items currently marked running in the phase.
// Used when a cancellation is observed mid-run.
func (s *Store) FailRunning(ctx context.Context, jobID string, phase domain.Phase, reason string) (int, error) {
	query := `
		UPDATE job_items
		SET status = 'failed', error = $2, finished_at = NOW()
		WHERE job_id = $1 AND status = 'running'
	`
	if phase == domain.PhasePublishing || phase == domain.PhasePublished {
		query = `
			UPDATE job_items
			SET publish_status = 'failed', publish_error = $2
			WHERE job_id = $1 AND publish_status = 'running'
		`
	}
	tag, err := s.pool.Exec(ctx, query, jobID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to fail running items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountEligible returns how many items the phase still has to process.
func (s *Store) CountEligible(ctx context.Context, jobID string, phase domain.Phase) (int, error) {
	var (
		query string
		n     int
	)
	if phase == domain.PhasePublishing || phase == domain.PhasePublished {
		query = `SELECT COUNT(*) FROM job_items WHERE job_id = $1 AND publish_status IN ('queued', 'failed')`
	} else {
		query = `SELECT COUNT(*) FROM job_items WHERE job_id = $1 AND status IN ('queued', 'failed')`
	}
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count eligible items: %w", err)
	}
	return n, nil
}

func (s *Store) execItem(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", domain.ErrItemNotFound, id)
	}
	return nil
}
