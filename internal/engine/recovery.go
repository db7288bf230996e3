package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/storeseo/engine/internal/domain"
)

// RecoveryStore is the slice of the store the recovery loop needs.
type RecoveryStore interface {
	FindStuck(ctx context.Context, now time.Time, staleAfter time.Duration) ([]*domain.Job, error)
	RecoverStuck(ctx context.Context, job *domain.Job, reason string) error
}

// Recovery finalizes jobs whose worker died mid-run: running jobs with an
// expired lease and no heartbeat are failed in place so their partial results
// stay visible and the tenant is unblocked.
type Recovery struct {
	store      RecoveryStore
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewRecovery builds the loop with its cadence and staleness window.
func NewRecovery(store RecoveryStore, interval, staleAfter time.Duration, logger *slog.Logger) *Recovery {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run sweeps on the configured cadence until ctx is done. A random startup
// delay spreads replicas so their sweeps interleave.
func (r *Recovery) Run(ctx context.Context) error {
	jitter := time.Duration(rand.Int63n(int64(r.interval)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx, time.Now().UTC()); err != nil {
			r.logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep. Recovery is lease-guarded in the store,
// so concurrent sweeps from multiple replicas are safe.
func (r *Recovery) RunOnce(ctx context.Context, now time.Time) error {
	jobs, err := r.store.FindStuck(ctx, now, r.staleAfter)
	if err != nil {
		return fmt.Errorf("failed to find stuck jobs: %w", err)
	}

	reason := fmt.Sprintf("Recovered stuck job (no heartbeat >= %dm)", int(r.staleAfter.Minutes()))
	for _, job := range jobs {
		if err := r.store.RecoverStuck(ctx, job, reason); err != nil {
			r.logger.ErrorContext(ctx, "failed to recover stuck job", "job_id", job.ID, "error", err)
			continue
		}
		r.logger.InfoContext(ctx, "recovered stuck job",
			"job_id", job.ID, "tenant", job.Tenant, "phase", string(job.Phase))
	}
	return nil
}
