package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storeseo/engine/internal/domain"
)

// jobConfigRecord is the JSONB shape of a job's generation settings.
type jobConfigRecord struct {
	Language        string            `json:"language"`
	MetaTitle       bool              `json:"metaTitle"`
	MetaDescription bool              `json:"metaDescription"`
	Hints           map[string]string `json:"hints,omitempty"`
}

func encodeConfig(cfg domain.JobConfig) ([]byte, error) {
	return json.Marshal(jobConfigRecord{
		Language:        cfg.Language,
		MetaTitle:       cfg.MetaTitle,
		MetaDescription: cfg.MetaDescription,
		Hints:           cfg.Hints,
	})
}

func decodeConfig(raw []byte) (domain.JobConfig, error) {
	var rec jobConfigRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.JobConfig{}, fmt.Errorf("failed to decode job config: %w", err)
	}
	return domain.JobConfig{
		Language:        rec.Language,
		MetaTitle:       rec.MetaTitle,
		MetaDescription: rec.MetaDescription,
		Hints:           rec.Hints,
	}, nil
}

const jobColumns = `id, tenant, job_type, phase, status, config, apply_only_changed,
	total, ok_count, failed_count, publish_ok_count, publish_failed_count,
	total_attempts, total_retry_wait_ms,
	created_at, started_at, finished_at, publish_started_at, publish_finished_at,
	last_heartbeat_at, lock_owner, lock_expires_at,
	usage_reserved, usage_count, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		rawConfig []byte
	)
	err := row.Scan(
		&job.ID, &job.Tenant, &job.Type, &job.Phase, &job.Status, &rawConfig, &job.ApplyOnlyChanged,
		&job.Total, &job.OKCount, &job.FailedCount, &job.PublishOKCount, &job.PublishFailedCount,
		&job.TotalAttempts, &job.TotalRetryWaitMs,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt, &job.PublishStartedAt, &job.PublishFinishedAt,
		&job.LastHeartbeatAt, &job.LockOwner, &job.LockExpiresAt,
		&job.UsageReserved, &job.UsageCount, &job.LastError,
	)
	if err != nil {
		return nil, err
	}
	if job.Config, err = decodeConfig(rawConfig); err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob inserts the job and its items in one transaction. The job id is
// assigned here; item ids are assigned by the database in insertion order.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job, items []domain.Item) error {
	if !job.Type.Valid() {
		return fmt.Errorf("unknown job type %q", job.Type)
	}

	jobID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate job id: %w", err)
	}
	job.ID = jobID.String()
	job.Phase = domain.PhaseGenerating
	job.Status = domain.StatusQueued
	job.Total = len(items)

	rawConfig, err := encodeConfig(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant, job_type, phase, status, config, total, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING created_at
	`, job.ID, job.Tenant, job.Type, job.Phase, job.Status, rawConfig, job.Total).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for i := range items {
		item := &items[i]
		item.JobID = job.ID
		// seo_description seeds the live-alt baseline for image items.
		err := tx.QueryRow(ctx, `
			INSERT INTO job_items (job_id, target_type, target_id, parent_id, title, media_id, image_url, seo_description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, job.ID, item.TargetType, item.TargetID, item.ParentID, item.Title, item.MediaID, item.ImageURL, item.SeoDescription).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert item for %s %s: %w", item.TargetType, item.TargetID, err)
		}
		item.Status = domain.ItemQueued
		item.PublishStatus = domain.ItemQueued
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// AcquireLease claims the job for owner. The claim succeeds when the job is
// unleased, the previous lease expired, or owner already holds it.
func (s *Store) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lock_owner = $2,
			lock_expires_at = NOW() + ($3 * INTERVAL '1 second'),
			last_heartbeat_at = NOW()
		WHERE id = $1
		  AND (lock_owner IS NULL OR lock_expires_at < NOW() OR lock_owner = $2)
	`, jobID, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchLease extends the lease and records a heartbeat. Returns ErrLeaseLost
// when owner no longer holds the lease.
func (s *Store) TouchLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lock_expires_at = NOW() + ($3 * INTERVAL '1 second'),
			last_heartbeat_at = NOW()
		WHERE id = $1 AND lock_owner = $2
	`, jobID, owner, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to touch lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", domain.ErrLeaseLost, jobID)
	}
	return nil
}

// ReleaseLease clears the lease when owner holds it; releasing a lease you do
// not own is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $1 AND lock_owner = $2
	`, jobID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// SetPhase transitions the job's phase and status with the matching
// timestamp bookkeeping.
func (s *Store) SetPhase(ctx context.Context, jobID string, phase domain.Phase, status domain.Status) error {
	var stamp string
	switch phase {
	case domain.PhaseGenerating:
		stamp = "started_at = COALESCE(started_at, NOW())"
	case domain.PhaseGenerated:
		stamp = "finished_at = NOW()"
	case domain.PhasePublishing:
		stamp = "publish_started_at = NOW()"
	case domain.PhasePublished:
		stamp = "publish_finished_at = NOW()"
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET phase = $2, status = $3, `+stamp+` WHERE id = $1`,
		jobID, phase, status)
	if err != nil {
		return fmt.Errorf("failed to set phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return nil
}

// IncrementCounters applies the deltas atomically. Deltas may be negative;
// a user retry walks the failed counters back when it requeues items.
func (s *Store) IncrementCounters(ctx context.Context, jobID string, d domain.CounterDeltas) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET ok_count = ok_count + $2,
			failed_count = failed_count + $3,
			publish_ok_count = publish_ok_count + $4,
			publish_failed_count = publish_failed_count + $5,
			total_attempts = total_attempts + $6,
			total_retry_wait_ms = total_retry_wait_ms + $7
		WHERE id = $1
	`, jobID, d.OK, d.Failed, d.PublishOK, d.PublishFailed, d.Attempts, d.RetryWaitMs)
	if err != nil {
		return fmt.Errorf("failed to increment counters: %w", err)
	}
	return nil
}

// SetLastError records the most recent human-readable condition on the job,
// including transient retry narration shown while a phase runs.
func (s *Store) SetLastError(ctx context.Context, jobID, msg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET last_error = $2 WHERE id = $1`, jobID, msg)
	if err != nil {
		return fmt.Errorf("failed to set last error: %w", err)
	}
	return nil
}

// MarkUsageReserved flags the job's one-time usage reservation as applied.
func (s *Store) MarkUsageReserved(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET usage_reserved = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark usage reserved: %w", err)
	}
	return nil
}

// SetApplyOnlyChanged records the publish-time no-change pruning choice.
func (s *Store) SetApplyOnlyChanged(ctx context.Context, jobID string, v bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET apply_only_changed = $2 WHERE id = $1`, jobID, v)
	if err != nil {
		return fmt.Errorf("failed to set apply-only-changed: %w", err)
	}
	return nil
}

// RefreshTotal re-derives total from the item count and returns it. Used as
// a self-heal when the stored total drifted.
func (s *Store) RefreshTotal(ctx context.Context, jobID string) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET total = (SELECT COUNT(*) FROM job_items WHERE job_id = $1)
		WHERE id = $1
		RETURNING total
	`, jobID).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return 0, fmt.Errorf("failed to refresh total: %w", err)
	}
	return total, nil
}

// Cancel marks a queued or running job cancelled.
func (s *Store) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'cancelled'
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns,
		jobID))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrJobNotCancellable, jobID)
}

// IsCancelled reports whether the job has been cancelled. Phases check this
// at every item boundary.
func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var status domain.Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return status == domain.StatusCancelled, nil
}

// FindStuck returns running jobs whose lease expired without a recent
// heartbeat, oldest first, at most 25 per tick.
func (s *Store) FindStuck(ctx context.Context, now time.Time, staleAfter time.Duration) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'running'
		  AND lock_expires_at < $1
		  AND (last_heartbeat_at IS NULL
		       OR last_heartbeat_at < $1 - ($2 * INTERVAL '1 second')
		       OR (started_at IS NULL AND publish_started_at IS NULL))
		ORDER BY created_at ASC
		LIMIT 25
	`, now, staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stuck job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecoverStuck fails the job's running items with reason, marks the job
// failed and clears the lease, all in one transaction.
func (s *Store) RecoverStuck(ctx context.Context, job *domain.Job, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	publishing := job.Phase == domain.PhasePublishing || job.Phase == domain.PhasePublished
	var failed int64
	if publishing {
		tag, err := tx.Exec(ctx, `
			UPDATE job_items SET publish_status = 'failed', publish_error = $2
			WHERE job_id = $1 AND publish_status = 'running'
		`, job.ID, reason)
		if err != nil {
			return fmt.Errorf("failed to fail running publish items: %w", err)
		}
		failed = tag.RowsAffected()
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'failed', last_error = $2,
				publish_failed_count = publish_failed_count + $3,
				publish_finished_at = NOW(),
				lock_owner = NULL, lock_expires_at = NULL
			WHERE id = $1
		`, job.ID, reason, failed)
		if err != nil {
			return fmt.Errorf("failed to mark job recovered: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE job_items SET status = 'failed', error = $2, finished_at = NOW()
			WHERE job_id = $1 AND status = 'running'
		`, job.ID, reason)
		if err != nil {
			return fmt.Errorf("failed to fail running items: %w", err)
		}
		failed = tag.RowsAffected()
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'failed', last_error = $2,
				failed_count = failed_count + $3,
				finished_at = NOW(),
				lock_owner = NULL, lock_expires_at = NULL
			WHERE id = $1
		`, job.ID, reason, failed)
		if err != nil {
			return fmt.Errorf("failed to mark job recovered: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit recovery: %w", err)
	}
	return nil
}

// FailAll fails every still-eligible item of the phase together with the job
// itself. Used when the whole run is doomed (free-tier limit exceeded).
func (s *Store) FailAll(ctx context.Context, jobID string, phase domain.Phase, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	publishing := phase == domain.PhasePublishing || phase == domain.PhasePublished
	var failed int64
	if publishing {
		tag, err := tx.Exec(ctx, `
			UPDATE job_items SET publish_status = 'failed', publish_error = $2
			WHERE job_id = $1 AND publish_status IN ('queued', 'running', 'failed')
		`, jobID, reason)
		if err != nil {
			return fmt.Errorf("failed to fail publish items: %w", err)
		}
		failed = tag.RowsAffected()
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'failed', last_error = $2,
				publish_failed_count = $3,
				publish_finished_at = NOW()
			WHERE id = $1
		`, jobID, reason, failed)
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE job_items SET status = 'failed', error = $2, finished_at = NOW()
			WHERE job_id = $1 AND status IN ('queued', 'running', 'failed')
		`, jobID, reason)
		if err != nil {
			return fmt.Errorf("failed to fail items: %w", err)
		}
		failed = tag.RowsAffected()
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'failed', last_error = $2,
				failed_count = $3,
				finished_at = NOW()
			WHERE id = $1
		`, jobID, reason, failed)
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListJobs pages a tenant's jobs newest first with an opaque keyset cursor.
func (s *Store) ListJobs(ctx context.Context, tenant string, filter domain.JobFilter) ([]*domain.Job, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	conds := []string{"tenant = $1"}
	args := []any{tenant}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	}
	if filter.Phase != "" {
		conds = append(conds, "phase = "+arg(filter.Phase))
	}
	if filter.Type != "" {
		conds = append(conds, "job_type = "+arg(filter.Type))
	}
	if filter.Query != "" {
		conds = append(conds, "id ILIKE "+arg("%"+filter.Query+"%"))
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		conds = append(conds, "(created_at, id) < ("+arg(createdAt)+", "+arg(id)+")")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return jobs, next, nil
}

func encodeCursor(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return time.Unix(0, n).UTC(), id, nil
}
