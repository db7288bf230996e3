// Package engine executes enrichment jobs: it dispatches broker deliveries
// into the generate and publish phases under a per-tenant mutex and a job
// lease, recovers stuck jobs, and exposes the producer-side operations the
// UI calls.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/storeseo/engine/internal/broker"
	"github.com/storeseo/engine/internal/domain"
	"github.com/storeseo/engine/internal/generator"
	"github.com/storeseo/engine/internal/storeapi"
)

// Store is the durable job state surface the engine runs against. The
// database is the sole source of truth; every mutation is a guarded update.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, job *domain.Job, items []domain.Item) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	SetPhase(ctx context.Context, jobID string, phase domain.Phase, status domain.Status) error
	IncrementCounters(ctx context.Context, jobID string, d domain.CounterDeltas) error
	SetLastError(ctx context.Context, jobID, msg string) error
	MarkUsageReserved(ctx context.Context, jobID string) error
	SetApplyOnlyChanged(ctx context.Context, jobID string, v bool) error
	RefreshTotal(ctx context.Context, jobID string) (int, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	FailAll(ctx context.Context, jobID string, phase domain.Phase, reason string) error
	ListJobs(ctx context.Context, tenant string, filter domain.JobFilter) ([]*domain.Job, string, error)

	// Leases.
	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	TouchLease(ctx context.Context, jobID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, jobID, owner string) error

	// Items.
	NextItems(ctx context.Context, jobID string, phase domain.Phase, afterID int64, limit int) ([]*domain.Item, error)
	ListItems(ctx context.Context, jobID string) ([]*domain.Item, error)
	MarkItemRunning(ctx context.Context, id int64) error
	MarkItemGenerated(ctx context.Context, id int64, seoTitle, seoDescription string, attempts int, retryWaitMs int64) error
	MarkItemFailed(ctx context.Context, id int64, reason string, attempts int, retryWaitMs int64) error
	MarkItemPublishRunning(ctx context.Context, id int64) error
	MarkItemPublished(ctx context.Context, id int64, copyAltBaseline bool, attempts int, retryWaitMs int64) error
	MarkItemPublishFailed(ctx context.Context, id int64, reason string, attempts int, retryWaitMs int64) error
	SelectForPublish(ctx context.Context, jobID string, itemIDs []int64) (int, error)
	SkipPublish(ctx context.Context, jobID string, itemIDs []int64) error
	RequeueFailed(ctx context.Context, jobID string, phase domain.Phase) (int, error)
	FailRunning(ctx context.Context, jobID string, phase domain.Phase, reason string) (int, error)
	CountEligible(ctx context.Context, jobID string, phase domain.Phase) (int, error)

	// Usage and tenants.
	Reserve(ctx context.Context, tenant, monthKey string, n, limit int) (domain.Reservation, error)
	Usage(ctx context.Context, tenant, monthKey string) (int, error)
	GetTenant(ctx context.Context, name string) (*domain.Tenant, error)
}

// TenantLocks is the cross-process per-tenant mutex.
type TenantLocks interface {
	Acquire(ctx context.Context, tenant, owner string) (bool, error)
	Refresh(ctx context.Context, tenant, owner string) (bool, error)
	Release(ctx context.Context, tenant, owner string) error
}

// Queue is the producer-facing slice of the broker.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, kind broker.Kind) error
	Remove(ctx context.Context, jobID string, kind broker.Kind) error
}

// Generator produces metadata drafts.
type Generator interface {
	Generate(ctx context.Context, jobType domain.JobType, cfg domain.JobConfig, target generator.Target, hooks generator.Hooks) (generator.Draft, error)
}

// StoreAPI is the per-tenant admin API surface the phases use.
type StoreAPI interface {
	FetchProduct(ctx context.Context, id string, hooks storeapi.Hooks) (*storeapi.Product, error)
	FetchArticle(ctx context.Context, id string, hooks storeapi.Hooks) (*storeapi.Article, error)
	FetchProductSeoBatch(ctx context.Context, ids []string, hooks storeapi.Hooks) (map[string]storeapi.SeoState, error)
	FetchArticleSeoBatch(ctx context.Context, ids []string, hooks storeapi.Hooks) (map[string]storeapi.SeoState, error)
	WriteProductSeo(ctx context.Context, productID string, write storeapi.SeoWrite, hooks storeapi.Hooks) error
	WriteArticleSeo(ctx context.Context, articleID string, write storeapi.SeoWrite, hooks storeapi.Hooks) error
	WriteImageAlt(ctx context.Context, productID, mediaID, alt string, hooks storeapi.Hooks) error
}

// StoreAPIProvider resolves the admin API client for a tenant.
type StoreAPIProvider interface {
	ForTenant(ctx context.Context, tenant string) (StoreAPI, error)
}

// Config carries the dispatcher's runtime settings.
type Config struct {
	WorkerID string

	LeaseTTL             time.Duration
	TenantLockRetryDelay time.Duration

	FreeMonthlyLimit int
	FreeLocation     *time.Location

	// Cooperative pacing between items, against both external services.
	GeneratePause time.Duration
	PublishPause  time.Duration

	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.TenantLockRetryDelay <= 0 {
		c.TenantLockRetryDelay = 10 * time.Second
	}
	if c.FreeLocation == nil {
		c.FreeLocation = time.UTC
	}
	if c.GeneratePause <= 0 {
		c.GeneratePause = 450 * time.Millisecond
	}
	if c.PublishPause <= 0 {
		c.PublishPause = 350 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Dispatcher routes broker deliveries into phase runs while holding the
// tenant lock and the job lease.
type Dispatcher struct {
	store  Store
	locks  TenantLocks
	gen    Generator
	apis   StoreAPIProvider
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher wires the worker-side engine.
func NewDispatcher(store Store, locks TenantLocks, gen Generator, apis StoreAPIProvider, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		locks:  locks,
		gen:    gen,
		apis:   apis,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Handle processes one broker delivery. A nil return completes the message;
// an error consumes a broker retry attempt. Malformed and stale messages are
// dropped silently after logging so the broker never redelivers them.
func (d *Dispatcher) Handle(ctx context.Context, delivery *broker.Delivery) error {
	if delivery.JobID == "" {
		d.logger.ErrorContext(ctx, "dropping message without job id", "kind", string(delivery.Kind))
		return nil
	}

	job, err := d.store.GetJob(ctx, delivery.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			d.logger.WarnContext(ctx, "dropping message for unknown job", "job_id", delivery.JobID)
			return nil
		}
		return err
	}
	if !job.Type.Valid() {
		d.logger.ErrorContext(ctx, "dropping job with unknown type", "job_id", job.ID, "job_type", string(job.Type))
		return nil
	}

	acquired, err := d.locks.Acquire(ctx, job.Tenant, d.cfg.WorkerID)
	if err != nil {
		return err
	}
	if !acquired {
		// Another job runs for this tenant; bounce the message instead of
		// blocking a worker slot. Delay does not consume a broker attempt.
		until := time.Now().Add(d.cfg.TenantLockRetryDelay)
		delivery.Delay(until)
		d.logger.InfoContext(ctx, "tenant busy, re-delivering later",
			"job_id", job.ID, "tenant", job.Tenant, "until", until)
		return nil
	}
	defer func() {
		ctx := context.WithoutCancel(ctx)
		if err := d.locks.Release(ctx, job.Tenant, d.cfg.WorkerID); err != nil {
			d.logger.WarnContext(ctx, "failed to release tenant lock", "tenant", job.Tenant, "error", err)
		}
	}()

	leased, err := d.store.AcquireLease(ctx, job.ID, d.cfg.WorkerID, d.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !leased {
		d.logger.InfoContext(ctx, "job leased by another worker", "job_id", job.ID)
		return nil
	}
	defer func() {
		ctx := context.WithoutCancel(ctx)
		if err := d.store.ReleaseLease(ctx, job.ID, d.cfg.WorkerID); err != nil {
			d.logger.WarnContext(ctx, "failed to release job lease", "job_id", job.ID, "error", err)
		}
	}()

	if cancelled, err := d.store.IsCancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		d.logger.InfoContext(ctx, "skipping cancelled job", "job_id", job.ID)
		return nil
	}

	// Self-heal a drifted total before any usage accounting reads it.
	total, err := d.store.RefreshTotal(ctx, job.ID)
	if err != nil {
		return err
	}
	job.Total = total

	lease := &leaseHandle{d: d, job: job}

	switch delivery.Kind {
	case broker.KindGenerate:
		if job.Phase != domain.PhaseGenerating {
			d.logger.WarnContext(ctx, "dropping stale generate message", "job_id", job.ID, "phase", string(job.Phase))
			return nil
		}
		if !job.UsageReserved {
			doomed, err := d.reserveUsage(ctx, job)
			if err != nil || doomed {
				return err
			}
		}
		return d.runGenerate(ctx, job, lease)

	case broker.KindPublish:
		if job.Phase != domain.PhasePublishing {
			d.logger.WarnContext(ctx, "dropping stale publish message", "job_id", job.ID, "phase", string(job.Phase))
			return nil
		}
		return d.runPublish(ctx, job, lease)

	default:
		d.logger.ErrorContext(ctx, "dropping message with unknown kind", "job_id", job.ID, "kind", string(delivery.Kind))
		return nil
	}
}

// reserveUsage debits the tenant's free-tier budget exactly once per job
// lifetime. Returns doomed=true when the limit denial already failed the job.
func (d *Dispatcher) reserveUsage(ctx context.Context, job *domain.Job) (doomed bool, err error) {
	tenant, err := d.store.GetTenant(ctx, job.Tenant)
	if err != nil {
		return false, err
	}

	if tenant.FreePlan {
		monthKey := domain.MonthKey(job.CreatedAt, d.cfg.FreeLocation)
		res, err := d.store.Reserve(ctx, job.Tenant, monthKey, job.Total, d.cfg.FreeMonthlyLimit)
		if err != nil {
			return false, err
		}
		if !res.OK {
			if err := d.store.FailAll(ctx, job.ID, job.Phase, limitExceededMessage); err != nil {
				return false, err
			}
			d.logger.InfoContext(ctx, "job denied by free-tier limit",
				"job_id", job.ID, "tenant", job.Tenant, "used", res.Used, "requested", job.Total)
			return true, nil
		}
	}

	if err := d.store.MarkUsageReserved(ctx, job.ID); err != nil {
		return false, err
	}
	job.UsageReserved = true
	return false, nil
}

// leaseHandle is the borrowed refresh capability phase code holds while it
// runs; the dispatcher owns acquisition and release.
type leaseHandle struct {
	d   *Dispatcher
	job *domain.Job
}

// refresh extends the job lease and the tenant lock at an item boundary.
// Losing the lease aborts the run; a missed tenant-lock refresh only risks
// temporary double work and is logged.
func (l *leaseHandle) refresh(ctx context.Context) error {
	if err := l.d.store.TouchLease(ctx, l.job.ID, l.d.cfg.WorkerID, l.d.cfg.LeaseTTL); err != nil {
		return err
	}
	held, err := l.d.locks.Refresh(ctx, l.job.Tenant, l.d.cfg.WorkerID)
	if err != nil {
		l.d.logger.WarnContext(ctx, "failed to refresh tenant lock", "tenant", l.job.Tenant, "error", err)
	} else if !held {
		l.d.logger.WarnContext(ctx, "tenant lock expired mid-run", "tenant", l.job.Tenant, "job_id", l.job.ID)
	}
	return nil
}

// limitExceededMessage is the user-facing reason stamped on jobs denied by
// the free-tier budget.
const limitExceededMessage = "Free plan limit exceeded"

// maxStoredError bounds item-level error text.
const maxStoredError = 900

func truncateMessage(s string) string {
	r := []rune(s)
	if len(r) <= maxStoredError {
		return s
	}
	return string(r[:maxStoredError])
}
