package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storeseo/engine/internal/broker"
	"github.com/storeseo/engine/internal/domain"
	"github.com/storeseo/engine/internal/generator"
	"github.com/storeseo/engine/internal/storeapi"
)

// fakeStore is an in-memory Store with the same guard semantics as the
// Postgres implementation. Function fields override individual methods.
type fakeStore struct {
	mu sync.Mutex

	jobs       map[string]*domain.Job
	items      map[int64]*domain.Item
	tenants    map[string]*domain.Tenant
	usage      map[string]int
	nextJobID  int
	nextItemID int64

	reserveCalls int
	recoverCalls []string // reasons passed to RecoverStuck
	lastErrors   []string
	phaseLog     []domain.Phase

	isCancelledFunc func(ctx context.Context, jobID string) (bool, error)
	touchLeaseFunc  func(ctx context.Context, jobID, owner string, ttl time.Duration) error
	reserveFunc     func(ctx context.Context, tenant, monthKey string, n, limit int) (domain.Reservation, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[string]*domain.Job),
		items:   make(map[int64]*domain.Item),
		tenants: make(map[string]*domain.Tenant),
		usage:   make(map[string]int),
	}
}

func (f *fakeStore) addTenant(name string, freePlan bool) {
	f.tenants[name] = &domain.Tenant{
		Name:        name,
		APIEndpoint: "https://" + name + ".example.com/graphql",
		APIToken:    "token-" + name,
		FreePlan:    freePlan,
	}
}

func (f *fakeStore) CreateJob(ctx context.Context, job *domain.Job, items []domain.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextJobID++
	job.ID = fmt.Sprintf("job-%d", f.nextJobID)
	job.Phase = domain.PhaseGenerating
	job.Status = domain.StatusQueued
	job.Total = len(items)
	job.UsageCount = len(items)
	job.CreatedAt = time.Now().UTC()
	f.jobs[job.ID] = job

	for i := range items {
		f.nextItemID++
		item := items[i]
		item.ID = f.nextItemID
		item.JobID = job.ID
		item.Status = domain.ItemQueued
		f.items[item.ID] = &item
	}
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	copied := *job
	return &copied, nil
}

func (f *fakeStore) SetPhase(ctx context.Context, jobID string, phase domain.Phase, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Phase = phase
	job.Status = status
	f.phaseLog = append(f.phaseLog, phase)
	return nil
}

func (f *fakeStore) IncrementCounters(ctx context.Context, jobID string, d domain.CounterDeltas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.OKCount += int(d.OK)
	job.FailedCount += int(d.Failed)
	job.PublishOKCount += int(d.PublishOK)
	job.PublishFailedCount += int(d.PublishFailed)
	job.TotalAttempts += int(d.Attempts)
	job.TotalRetryWaitMs += d.RetryWaitMs
	return nil
}

func (f *fakeStore) SetLastError(ctx context.Context, jobID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.LastError = msg
	f.lastErrors = append(f.lastErrors, msg)
	return nil
}

func (f *fakeStore) MarkUsageReserved(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.UsageReserved = true
	return nil
}

func (f *fakeStore) SetApplyOnlyChanged(ctx context.Context, jobID string, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.ApplyOnlyChanged = v
	return nil
}

func (f *fakeStore) RefreshTotal(ctx context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	n := 0
	for _, item := range f.items {
		if item.JobID == jobID {
			n++
		}
	}
	job.Total = n
	return n, nil
}

func (f *fakeStore) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.StatusQueued && job.Status != domain.StatusRunning {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotCancellable, jobID)
	}
	job.Status = domain.StatusCancelled
	copied := *job
	return &copied, nil
}

func (f *fakeStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	if f.isCancelledFunc != nil {
		return f.isCancelledFunc(ctx, jobID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	return job.Status == domain.StatusCancelled, nil
}

func (f *fakeStore) FailAll(ctx context.Context, jobID string, phase domain.Phase, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	n := 0
	for _, item := range f.items {
		if item.JobID != jobID {
			continue
		}
		if phase == domain.PhasePublishing || phase == domain.PhasePublished {
			if item.PublishStatus == domain.ItemQueued || item.PublishStatus == domain.ItemRunning || item.PublishStatus == domain.ItemFailed {
				item.PublishStatus = domain.ItemFailed
				item.PublishError = reason
				n++
			}
		} else {
			if item.Status == domain.ItemQueued || item.Status == domain.ItemRunning || item.Status == domain.ItemFailed {
				item.Status = domain.ItemFailed
				item.Error = reason
				n++
			}
		}
	}
	if phase == domain.PhasePublishing || phase == domain.PhasePublished {
		job.PublishFailedCount = n
	} else {
		job.FailedCount = n
	}
	job.Status = domain.StatusFailed
	job.LastError = reason
	return nil
}

func (f *fakeStore) ListJobs(ctx context.Context, tenant string, filter domain.JobFilter) ([]*domain.Job, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, job := range f.jobs {
		if job.Tenant != tenant {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, "", nil
}

func (f *fakeStore) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	now := time.Now()
	if job.LockOwner != nil && *job.LockOwner != owner && job.LockExpiresAt != nil && job.LockExpiresAt.After(now) {
		return false, nil
	}
	expires := now.Add(ttl)
	job.LockOwner = &owner
	job.LockExpiresAt = &expires
	job.LastHeartbeatAt = &now
	return true, nil
}

func (f *fakeStore) TouchLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	if f.touchLeaseFunc != nil {
		return f.touchLeaseFunc(ctx, jobID, owner, ttl)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.LockOwner == nil || *job.LockOwner != owner {
		return fmt.Errorf("%w: %s", domain.ErrLeaseLost, jobID)
	}
	now := time.Now()
	expires := now.Add(ttl)
	job.LockExpiresAt = &expires
	job.LastHeartbeatAt = &now
	return nil
}

func (f *fakeStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.LockOwner != nil && *job.LockOwner == owner {
		job.LockOwner = nil
		job.LockExpiresAt = nil
	}
	return nil
}

func (f *fakeStore) jobItems(jobID string) []*domain.Item {
	var out []*domain.Item
	for _, item := range f.items {
		if item.JobID == jobID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func publishPhase(phase domain.Phase) bool {
	return phase == domain.PhasePublishing || phase == domain.PhasePublished
}

func (f *fakeStore) NextItems(ctx context.Context, jobID string, phase domain.Phase, afterID int64, limit int) ([]*domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Item
	for _, item := range f.jobItems(jobID) {
		if item.ID <= afterID {
			continue
		}
		eligible := item.Status == domain.ItemQueued || item.Status == domain.ItemFailed
		if publishPhase(phase) {
			eligible = item.PublishStatus == domain.ItemQueued || item.PublishStatus == domain.ItemFailed
		}
		if !eligible {
			continue
		}
		copied := *item
		out = append(out, &copied)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListItems(ctx context.Context, jobID string) ([]*domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Item
	for _, item := range f.jobItems(jobID) {
		copied := *item
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) MarkItemRunning(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.Status = domain.ItemRunning
	item.Error = ""
	return nil
}

func (f *fakeStore) MarkItemGenerated(ctx context.Context, id int64, seoTitle, seoDescription string, attempts int, retryWaitMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.Status = domain.ItemSuccess
	item.SeoTitle = seoTitle
	item.SeoDescription = seoDescription
	item.GenAttempts += attempts
	item.GenRetryWaitMs += retryWaitMs
	return nil
}

func (f *fakeStore) MarkItemFailed(ctx context.Context, id int64, reason string, attempts int, retryWaitMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.Status = domain.ItemFailed
	item.Error = reason
	item.GenAttempts += attempts
	item.GenRetryWaitMs += retryWaitMs
	return nil
}

func (f *fakeStore) MarkItemPublishRunning(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.PublishStatus = domain.ItemRunning
	item.PublishError = ""
	return nil
}

func (f *fakeStore) MarkItemPublished(ctx context.Context, id int64, copyAltBaseline bool, attempts int, retryWaitMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.PublishStatus = domain.ItemSuccess
	item.PublishAttempts += attempts
	item.PublishRetryWaitMs += retryWaitMs
	if copyAltBaseline {
		item.SeoDescription = item.SeoTitle
	}
	return nil
}

func (f *fakeStore) MarkItemPublishFailed(ctx context.Context, id int64, reason string, attempts int, retryWaitMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.PublishStatus = domain.ItemFailed
	item.PublishError = reason
	item.PublishAttempts += attempts
	item.PublishRetryWaitMs += retryWaitMs
	return nil
}

func (f *fakeStore) SelectForPublish(ctx context.Context, jobID string, itemIDs []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	selected := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		selected[id] = true
	}
	n := 0
	for _, item := range f.jobItems(jobID) {
		switch {
		case !selected[item.ID]:
			item.PublishStatus = domain.ItemSkipped
		case item.Status == domain.ItemSuccess:
			item.PublishStatus = domain.ItemQueued
			item.PublishError = ""
			n++
		default:
			item.PublishStatus = domain.ItemSkipped
		}
	}
	return n, nil
}

func (f *fakeStore) SkipPublish(ctx context.Context, jobID string, itemIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range itemIDs {
		if item, ok := f.items[id]; ok && item.JobID == jobID {
			item.PublishStatus = domain.ItemSkipped
		}
	}
	return nil
}

func (f *fakeStore) RequeueFailed(ctx context.Context, jobID string, phase domain.Phase) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.jobItems(jobID) {
		if publishPhase(phase) {
			if item.PublishStatus == domain.ItemFailed {
				item.PublishStatus = domain.ItemQueued
				item.PublishError = ""
				n++
			}
		} else if item.Status == domain.ItemFailed {
			item.Status = domain.ItemQueued
			item.Error = ""
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) FailRunning(ctx context.Context, jobID string, phase domain.Phase, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.jobItems(jobID) {
		if publishPhase(phase) {
			if item.PublishStatus == domain.ItemRunning {
				item.PublishStatus = domain.ItemFailed
				item.PublishError = reason
				n++
			}
		} else if item.Status == domain.ItemRunning {
			item.Status = domain.ItemFailed
			item.Error = reason
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountEligible(ctx context.Context, jobID string, phase domain.Phase) (int, error) {
	items, err := f.NextItems(ctx, jobID, phase, 0, 1<<30)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (f *fakeStore) Reserve(ctx context.Context, tenant, monthKey string, n, limit int) (domain.Reservation, error) {
	f.mu.Lock()
	f.reserveCalls++
	f.mu.Unlock()
	if f.reserveFunc != nil {
		return f.reserveFunc(ctx, tenant, monthKey, n, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenant + "|" + monthKey
	used := f.usage[key]
	if used+n > limit {
		return domain.Reservation{OK: false, Used: used, Remaining: max(0, limit-used)}, nil
	}
	f.usage[key] = used + n
	return domain.Reservation{OK: true, Used: used + n, Remaining: limit - used - n}, nil
}

func (f *fakeStore) Usage(ctx context.Context, tenant, monthKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[tenant+"|"+monthKey], nil
}

func (f *fakeStore) GetTenant(ctx context.Context, name string) (*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tenant, ok := f.tenants[name]
	if !ok {
		return nil, fmt.Errorf("tenant not found: %s", name)
	}
	copied := *tenant
	return &copied, nil
}

func (f *fakeStore) FindStuck(ctx context.Context, now time.Time, staleAfter time.Duration) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, job := range f.jobs {
		if job.Status != domain.StatusRunning {
			continue
		}
		if job.LockExpiresAt != nil && job.LockExpiresAt.After(now) {
			continue
		}
		if job.LastHeartbeatAt != nil && job.LastHeartbeatAt.After(now.Add(-staleAfter)) {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) RecoverStuck(ctx context.Context, job *domain.Job, reason string) error {
	f.mu.Lock()
	f.recoverCalls = append(f.recoverCalls, reason)
	f.mu.Unlock()
	return f.FailAll(ctx, job.ID, job.Phase, reason)
}

// mockLocks is a function-field tenant lock.
type mockLocks struct {
	acquireFunc func(ctx context.Context, tenant, owner string) (bool, error)
	refreshFunc func(ctx context.Context, tenant, owner string) (bool, error)
	releaseFunc func(ctx context.Context, tenant, owner string) error

	mu       sync.Mutex
	acquired []string
	released []string
}

func (m *mockLocks) Acquire(ctx context.Context, tenant, owner string) (bool, error) {
	m.mu.Lock()
	m.acquired = append(m.acquired, tenant)
	m.mu.Unlock()
	if m.acquireFunc != nil {
		return m.acquireFunc(ctx, tenant, owner)
	}
	return true, nil
}

func (m *mockLocks) Refresh(ctx context.Context, tenant, owner string) (bool, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, tenant, owner)
	}
	return true, nil
}

func (m *mockLocks) Release(ctx context.Context, tenant, owner string) error {
	m.mu.Lock()
	m.released = append(m.released, tenant)
	m.mu.Unlock()
	if m.releaseFunc != nil {
		return m.releaseFunc(ctx, tenant, owner)
	}
	return nil
}

// mockQueue records enqueued and removed messages.
type mockQueue struct {
	mu         sync.Mutex
	enqueueErr error
	enqueued   []string // "jobID/kind"
	removed    []string
}

func (m *mockQueue) Enqueue(ctx context.Context, jobID string, kind broker.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.enqueued = append(m.enqueued, jobID+"/"+string(kind))
	return nil
}

func (m *mockQueue) Remove(ctx context.Context, jobID string, kind broker.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, jobID+"/"+string(kind))
	return nil
}

// mockGenerator is a function-field Generator.
type mockGenerator struct {
	generateFunc func(ctx context.Context, jobType domain.JobType, cfg domain.JobConfig, target generator.Target, hooks generator.Hooks) (generator.Draft, error)
}

func (m *mockGenerator) Generate(ctx context.Context, jobType domain.JobType, cfg domain.JobConfig, target generator.Target, hooks generator.Hooks) (generator.Draft, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, jobType, cfg, target, hooks)
	}
	return generator.Draft{SeoTitle: "Generated title", SeoDescription: "Generated description", AltText: "Generated alt"}, nil
}

// mockAPI is a function-field StoreAPI.
type mockAPI struct {
	fetchProductFunc    func(ctx context.Context, id string, hooks storeapi.Hooks) (*storeapi.Product, error)
	fetchArticleFunc    func(ctx context.Context, id string, hooks storeapi.Hooks) (*storeapi.Article, error)
	productBatchFunc    func(ctx context.Context, ids []string, hooks storeapi.Hooks) (map[string]storeapi.SeoState, error)
	articleBatchFunc    func(ctx context.Context, ids []string, hooks storeapi.Hooks) (map[string]storeapi.SeoState, error)
	writeProductSeoFunc func(ctx context.Context, productID string, write storeapi.SeoWrite, hooks storeapi.Hooks) error
	writeArticleSeoFunc func(ctx context.Context, articleID string, write storeapi.SeoWrite, hooks storeapi.Hooks) error
	writeImageAltFunc   func(ctx context.Context, productID, mediaID, alt string, hooks storeapi.Hooks) error

	mu            sync.Mutex
	productWrites []string
	articleWrites []string
	altWrites     []string
}

func (m *mockAPI) FetchProduct(ctx context.Context, id string, hooks storeapi.Hooks) (*storeapi.Product, error) {
	if m.fetchProductFunc != nil {
		return m.fetchProductFunc(ctx, id, hooks)
	}
	return &storeapi.Product{ID: id, Title: "Walnut Desk", DescriptionHTML: "<p>Solid walnut desk.</p>"}, nil
}

func (m *mockAPI) FetchArticle(ctx context.Context, id string, hooks storeapi.Hooks) (*storeapi.Article, error) {
	if m.fetchArticleFunc != nil {
		return m.fetchArticleFunc(ctx, id, hooks)
	}
	return &storeapi.Article{ID: id, Title: "Care Guide", Body: "<p>Oil the wood yearly.</p>"}, nil
}

func (m *mockAPI) FetchProductSeoBatch(ctx context.Context, ids []string, hooks storeapi.Hooks) (map[string]storeapi.SeoState, error) {
	if m.productBatchFunc != nil {
		return m.productBatchFunc(ctx, ids, hooks)
	}
	return map[string]storeapi.SeoState{}, nil
}

func (m *mockAPI) FetchArticleSeoBatch(ctx context.Context, ids []string, hooks storeapi.Hooks) (map[string]storeapi.SeoState, error) {
	if m.articleBatchFunc != nil {
		return m.articleBatchFunc(ctx, ids, hooks)
	}
	return map[string]storeapi.SeoState{}, nil
}

func (m *mockAPI) WriteProductSeo(ctx context.Context, productID string, write storeapi.SeoWrite, hooks storeapi.Hooks) error {
	m.mu.Lock()
	m.productWrites = append(m.productWrites, productID)
	m.mu.Unlock()
	if m.writeProductSeoFunc != nil {
		return m.writeProductSeoFunc(ctx, productID, write, hooks)
	}
	return nil
}

func (m *mockAPI) WriteArticleSeo(ctx context.Context, articleID string, write storeapi.SeoWrite, hooks storeapi.Hooks) error {
	m.mu.Lock()
	m.articleWrites = append(m.articleWrites, articleID)
	m.mu.Unlock()
	if m.writeArticleSeoFunc != nil {
		return m.writeArticleSeoFunc(ctx, articleID, write, hooks)
	}
	return nil
}

func (m *mockAPI) WriteImageAlt(ctx context.Context, productID, mediaID, alt string, hooks storeapi.Hooks) error {
	m.mu.Lock()
	m.altWrites = append(m.altWrites, mediaID)
	m.mu.Unlock()
	if m.writeImageAltFunc != nil {
		return m.writeImageAltFunc(ctx, productID, mediaID, alt, hooks)
	}
	return nil
}

// staticProvider always returns the same API client.
type staticProvider struct {
	api StoreAPI
	err error
}

func (p *staticProvider) ForTenant(ctx context.Context, tenant string) (StoreAPI, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.api, nil
}
