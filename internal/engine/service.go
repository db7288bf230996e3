package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storeseo/engine/internal/broker"
	"github.com/storeseo/engine/internal/domain"
	"github.com/storeseo/engine/internal/storeapi"
)

// Service is the producer side of the engine: job creation, publish
// selection, retry, cancellation and listing. It never executes work itself;
// execution always goes through the queue.
type Service struct {
	store  Store
	queue  Queue
	apis   StoreAPIProvider
	cfg    Config
	logger *slog.Logger
}

// NewService wires the producer operations.
func NewService(store Store, queue Queue, apis StoreAPIProvider, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		queue:  queue,
		apis:   apis,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// TargetSpec is one requested work target as submitted by the caller, before
// id normalization.
type TargetSpec struct {
	Type TargetTypeSpec

	// ID is the entity id, either canonical GID or bare numeric.
	ID string

	// Image targets only.
	ParentID string // owning product
	Title    string // product title snapshot, optional
	MediaID  string // media GID, defaults to ID
	ImageURL string
	Alt      string // current live alt text
}

// TargetTypeSpec mirrors domain.TargetType for the request surface.
type TargetTypeSpec = domain.TargetType

// CreateJob validates and persists a new job with its items and enqueues the
// generate run. Duplicate targets collapse to one item.
func (s *Service) CreateJob(ctx context.Context, tenant string, jobType domain.JobType, cfg domain.JobConfig, targets []TargetSpec) (*domain.Job, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	if !jobType.Valid() {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: job needs at least one target", domain.ErrInvalidTarget)
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if jobType != domain.JobTypeImageAlt && !cfg.MetaTitle && !cfg.MetaDescription {
		return nil, fmt.Errorf("job must produce at least one of meta title or meta description")
	}

	items := make([]domain.Item, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		item, err := buildItem(jobType, t)
		if err != nil {
			return nil, err
		}
		key := string(item.TargetType) + "|" + item.TargetID
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, item)
	}

	job := &domain.Job{
		Tenant: tenant,
		Type:   jobType,
		Config: cfg,
	}
	if err := s.store.CreateJob(ctx, job, items); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID, broker.KindGenerate); err != nil {
		return nil, fmt.Errorf("job %s stored but not enqueued: %w", job.ID, err)
	}

	s.logger.InfoContext(ctx, "job created",
		"job_id", job.ID, "tenant", tenant, "job_type", string(jobType), "items", len(items))
	return job, nil
}

// buildItem normalizes one target into its stored item shape.
func buildItem(jobType domain.JobType, t TargetSpec) (domain.Item, error) {
	switch t.Type {
	case domain.TargetProduct:
		if jobType != domain.JobTypeProductSeo {
			return domain.Item{}, fmt.Errorf("%w: product target in %s job", domain.ErrInvalidTarget, jobType)
		}
		id, err := domain.NormalizeGID("Product", t.ID)
		if err != nil {
			return domain.Item{}, err
		}
		return domain.Item{TargetType: domain.TargetProduct, TargetID: id, Title: t.Title}, nil

	case domain.TargetArticle:
		if jobType != domain.JobTypeBlogSeo {
			return domain.Item{}, fmt.Errorf("%w: article target in %s job", domain.ErrInvalidTarget, jobType)
		}
		id, err := domain.NormalizeGID("Article", t.ID)
		if err != nil {
			return domain.Item{}, err
		}
		return domain.Item{TargetType: domain.TargetArticle, TargetID: id, Title: t.Title}, nil

	case domain.TargetImage:
		if jobType != domain.JobTypeImageAlt {
			return domain.Item{}, fmt.Errorf("%w: image target in %s job", domain.ErrInvalidTarget, jobType)
		}
		raw := t.MediaID
		if raw == "" {
			raw = t.ID
		}
		mediaID, err := domain.NormalizeGID("MediaImage", raw)
		if err != nil {
			return domain.Item{}, err
		}
		if t.ParentID == "" {
			return domain.Item{}, fmt.Errorf("%w: image target needs its product id", domain.ErrInvalidTarget)
		}
		parentID, err := domain.NormalizeGID("Product", t.ParentID)
		if err != nil {
			return domain.Item{}, err
		}
		return domain.Item{
			TargetType: domain.TargetImage,
			TargetID:   mediaID,
			ParentID:   parentID,
			Title:      t.Title,
			MediaID:    mediaID,
			ImageURL:   t.ImageURL,
			// The live alt at creation seeds the change-detection baseline.
			SeoDescription: t.Alt,
		}, nil

	default:
		return domain.Item{}, fmt.Errorf("%w: unknown target type %q", domain.ErrInvalidTarget, t.Type)
	}
}

// StartPublish queues the selected generated items for publishing and
// enqueues the publish run. With applyOnlyChanged, items whose draft matches
// the live store value are skipped up front.
func (s *Service) StartPublish(ctx context.Context, jobID string, itemIDs []int64, applyOnlyChanged bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.StatusRunning {
		return fmt.Errorf("job %s is still running", jobID)
	}
	if job.Phase == domain.PhaseGenerating {
		return fmt.Errorf("job %s has not finished generating", jobID)
	}

	queued, err := s.store.SelectForPublish(ctx, jobID, itemIDs)
	if err != nil {
		return err
	}

	if applyOnlyChanged && queued > 0 {
		if err := s.pruneUnchanged(ctx, job); err != nil {
			// Pruning is an optimization; a failed live lookup must not block
			// the publish.
			s.logger.WarnContext(ctx, "skipping no-change pruning", "job_id", jobID, "error", err)
		}
	}

	if err := s.store.SetApplyOnlyChanged(ctx, jobID, applyOnlyChanged); err != nil {
		return err
	}
	if err := s.store.SetPhase(ctx, jobID, domain.PhasePublishing, domain.StatusQueued); err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, jobID, broker.KindPublish); err != nil {
		return fmt.Errorf("job %s queued for publish but not enqueued: %w", jobID, err)
	}

	s.logger.InfoContext(ctx, "publish started", "job_id", jobID, "selected", queued)
	return nil
}

// pruneUnchanged skips queued items whose draft would not change the live
// store value.
func (s *Service) pruneUnchanged(ctx context.Context, job *domain.Job) error {
	items, err := s.store.ListItems(ctx, job.ID)
	if err != nil {
		return err
	}

	var (
		queued     []*domain.Item
		productIDs []string
		articleIDs []string
	)
	for _, item := range items {
		if item.PublishStatus != domain.ItemQueued {
			continue
		}
		queued = append(queued, item)
		switch item.TargetType {
		case domain.TargetProduct:
			productIDs = append(productIDs, item.TargetID)
		case domain.TargetArticle:
			articleIDs = append(articleIDs, item.TargetID)
		}
	}
	if len(queued) == 0 {
		return nil
	}

	var (
		api           StoreAPI
		productStates map[string]storeapi.SeoState
		articleStates map[string]storeapi.SeoState
	)
	if len(productIDs) > 0 || len(articleIDs) > 0 {
		if api, err = s.apis.ForTenant(ctx, job.Tenant); err != nil {
			return err
		}
	}
	if len(productIDs) > 0 {
		if productStates, err = api.FetchProductSeoBatch(ctx, productIDs, storeapi.Hooks{}); err != nil {
			return err
		}
	}
	if len(articleIDs) > 0 {
		if articleStates, err = api.FetchArticleSeoBatch(ctx, articleIDs, storeapi.Hooks{}); err != nil {
			return err
		}
	}

	var skip []int64
	for _, item := range queued {
		var unchanged bool
		switch item.TargetType {
		case domain.TargetProduct:
			live, ok := productStates[item.TargetID]
			unchanged = ok && seoUnchanged(job.Config, item, live)
		case domain.TargetArticle:
			live, ok := articleStates[item.TargetID]
			unchanged = ok && seoUnchanged(job.Config, item, live)
		case domain.TargetImage:
			unchanged = strings.TrimSpace(item.DraftAlt()) == strings.TrimSpace(item.LiveAltBaseline())
		}
		if unchanged {
			skip = append(skip, item.ID)
		}
	}
	if len(skip) == 0 {
		return nil
	}

	if err := s.store.SkipPublish(ctx, job.ID, skip); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "skipped unchanged items", "job_id", job.ID, "skipped", len(skip))
	return nil
}

// seoUnchanged reports whether publishing the item's draft would be a no-op
// for every field the job is configured to write.
func seoUnchanged(cfg domain.JobConfig, item *domain.Item, live storeapi.SeoState) bool {
	if cfg.MetaTitle && !fieldUnchanged(item.SeoTitle, live.MetaTitle, live.NativeTitle) {
		return false
	}
	if cfg.MetaDescription && !fieldUnchanged(item.SeoDescription, live.MetaDescription, live.NativeDescription) {
		return false
	}
	return true
}

// fieldUnchanged compares one draft field against its live effective value.
// An empty draft never writes, so it counts as unchanged.
func fieldUnchanged(draft, meta, native string) bool {
	d := strings.TrimSpace(draft)
	if d == "" {
		return true
	}
	live := meta
	if live == "" {
		live = native
	}
	return d == strings.TrimSpace(live)
}

// RetryFailed requeues the job's failed items in its current phase and
// enqueues a fresh run. Returns how many items were requeued.
func (s *Service) RetryFailed(ctx context.Context, jobID string) (int, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status == domain.StatusRunning {
		return 0, fmt.Errorf("job %s is still running", jobID)
	}

	publishSide := job.Phase == domain.PhasePublishing || job.Phase == domain.PhasePublished

	n, err := s.store.RequeueFailed(ctx, jobID, job.Phase)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("job %s has no failed items to retry", jobID)
	}

	// The requeued items are no longer failed; walk the counters back so the
	// progress numbers stay truthful during the rerun.
	deltas := domain.CounterDeltas{Failed: -int64(n)}
	phase, kind := domain.PhaseGenerating, broker.KindGenerate
	if publishSide {
		deltas = domain.CounterDeltas{PublishFailed: -int64(n)}
		phase, kind = domain.PhasePublishing, broker.KindPublish
	}
	if err := s.store.IncrementCounters(ctx, jobID, deltas); err != nil {
		return 0, err
	}
	if err := s.store.SetPhase(ctx, jobID, phase, domain.StatusQueued); err != nil {
		return 0, err
	}
	if err := s.queue.Enqueue(ctx, jobID, kind); err != nil {
		return 0, fmt.Errorf("job %s requeued but not enqueued: %w", jobID, err)
	}

	s.logger.InfoContext(ctx, "retrying failed items", "job_id", jobID, "items", n)
	return n, nil
}

// Cancel stops a queued or running job. A worker mid-run observes the
// cancellation at its next item boundary; queued broker messages are removed
// here so the job never starts again.
func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.store.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	for _, kind := range []broker.Kind{broker.KindGenerate, broker.KindPublish} {
		if err := s.queue.Remove(ctx, jobID, kind); err != nil {
			s.logger.WarnContext(ctx, "failed to remove queued message",
				"job_id", jobID, "kind", string(kind), "error", err)
		}
	}

	s.logger.InfoContext(ctx, "job cancelled", "job_id", jobID)
	return job, nil
}

// GetJob returns one job.
func (s *Service) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListItems returns a job's items in id order.
func (s *Service) ListItems(ctx context.Context, jobID string) ([]*domain.Item, error) {
	return s.store.ListItems(ctx, jobID)
}

// ListJobs returns a tenant's jobs, newest first, with a keyset cursor.
func (s *Service) ListJobs(ctx context.Context, tenant string, filter domain.JobFilter) ([]*domain.Job, string, error) {
	return s.store.ListJobs(ctx, tenant, filter)
}

// Usage reports the tenant's current-month free-tier consumption and limit.
func (s *Service) Usage(ctx context.Context, tenant string) (used, limit int, err error) {
	monthKey := domain.MonthKey(time.Now(), s.cfg.FreeLocation)
	used, err = s.store.Usage(ctx, tenant, monthKey)
	if err != nil {
		return 0, 0, err
	}
	return used, s.cfg.FreeMonthlyLimit, nil
}
