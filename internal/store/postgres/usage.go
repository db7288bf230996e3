package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/storeseo/engine/internal/domain"
)

const reserveMaxAttempts = 3

// Reserve debits n items from the tenant's monthly free-tier budget. The
// check-and-increment runs in a serializable transaction, retried up to three
// times on serialization conflicts, so concurrent jobs cannot overshoot the
// cap.
func (s *Store) Reserve(ctx context.Context, tenant, monthKey string, n, limit int) (domain.Reservation, error) {
	var lastErr error
	for attempt := 1; attempt <= reserveMaxAttempts; attempt++ {
		res, err := s.reserveOnce(ctx, tenant, monthKey, n, limit)
		if err == nil {
			return res, nil
		}
		if !isSerializationFailure(err) {
			return domain.Reservation{}, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return domain.Reservation{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return domain.Reservation{}, fmt.Errorf("usage reservation kept conflicting: %w", lastErr)
}

func (s *Store) reserveOnce(ctx context.Context, tenant, monthKey string, n, limit int) (domain.Reservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var used int
	err = tx.QueryRow(ctx, `
		INSERT INTO usage_monthly (tenant, month_key, used)
		VALUES ($1, $2, 0)
		ON CONFLICT (tenant, month_key) DO UPDATE SET updated_at = NOW()
		RETURNING used
	`, tenant, monthKey).Scan(&used)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("failed to read usage row: %w", err)
	}

	if used+n > limit {
		// Leave the counter untouched; commit only the upsert.
		if err := tx.Commit(ctx); err != nil {
			return domain.Reservation{}, fmt.Errorf("failed to commit: %w", err)
		}
		return domain.Reservation{OK: false, Used: used, Remaining: max(0, limit-used)}, nil
	}

	used += n
	_, err = tx.Exec(ctx, `
		UPDATE usage_monthly SET used = $3, updated_at = NOW()
		WHERE tenant = $1 AND month_key = $2
	`, tenant, monthKey, used)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("failed to update usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return domain.Reservation{OK: true, Used: used, Remaining: limit - used}, nil
}

// Usage returns the tenant's consumed item count for the month.
func (s *Store) Usage(ctx context.Context, tenant, monthKey string) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		SELECT used FROM usage_monthly WHERE tenant = $1 AND month_key = $2
	`, tenant, monthKey).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return used, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
