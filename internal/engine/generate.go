package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/storeseo/engine/internal/domain"
	"github.com/storeseo/engine/internal/generator"
	"github.com/storeseo/engine/internal/storeapi"
)

// runGenerate walks the job's eligible items in id order and produces a
// draft for each. Item failures are recorded and do not stop the run; the
// phase always completes once every item is terminal.
func (d *Dispatcher) runGenerate(ctx context.Context, job *domain.Job, lease *leaseHandle) error {
	if err := d.store.SetPhase(ctx, job.ID, domain.PhaseGenerating, domain.StatusRunning); err != nil {
		return err
	}

	api, err := d.apis.ForTenant(ctx, job.Tenant)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(d.cfg.GeneratePause), 1)
	var lastID int64
	for {
		items, err := d.store.NextItems(ctx, job.ID, domain.PhaseGenerating, lastID, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			lastID = item.ID

			if cancelled, err := d.store.IsCancelled(ctx, job.ID); err != nil {
				return err
			} else if cancelled {
				return d.abortCancelled(ctx, job, domain.PhaseGenerating)
			}

			if err := lease.refresh(ctx); err != nil {
				if errors.Is(err, domain.ErrLeaseLost) {
					d.logger.WarnContext(ctx, "lost job lease mid-generate", "job_id", job.ID)
					return nil
				}
				return err
			}

			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			if err := d.generateItem(ctx, api, job, item, lease); err != nil {
				return err
			}
		}
	}

	d.logger.InfoContext(ctx, "generate phase complete", "job_id", job.ID)
	return d.store.SetPhase(ctx, job.ID, domain.PhaseGenerated, domain.StatusSuccess)
}

// generateItem produces and stores one item's draft. A returned error is
// infrastructural; target and model failures land on the item instead.
func (d *Dispatcher) generateItem(ctx context.Context, api StoreAPI, job *domain.Job, item *domain.Item, lease *leaseHandle) error {
	if err := d.store.MarkItemRunning(ctx, item.ID); err != nil {
		return err
	}

	var (
		attempts int
		waitMs   int64
	)
	apiHooks := d.apiHooks(ctx, job, lease, &attempts, &waitMs, "store API")

	target, err := d.loadTarget(ctx, api, item, apiHooks)
	if err != nil {
		var perm *storeapi.PermanentError
		if errors.As(err, &perm) {
			return d.failGenerateItem(ctx, job, item, perm.Message, attempts, waitMs)
		}
		if errors.Is(err, domain.ErrInvalidTarget) {
			return d.failGenerateItem(ctx, job, item, err.Error(), attempts, waitMs)
		}
		return err
	}

	genHooks := generator.Hooks{
		OnAttempt: func(int) { attempts++ },
		OnRetry: func(wait time.Duration, reason string) {
			waitMs += wait.Milliseconds()
			d.narrateRetry(ctx, job.ID, "generator", wait)
		},
	}

	draft, err := d.gen.Generate(ctx, job.Type, job.Config, target, genHooks)
	if err != nil {
		var perm *generator.PermanentError
		if errors.As(err, &perm) {
			return d.failGenerateItem(ctx, job, item, perm.Message, attempts, waitMs)
		}
		return err
	}

	title, description := draft.SeoTitle, draft.SeoDescription
	if job.Type == domain.JobTypeImageAlt {
		// Alt drafts ride the title column; the description column keeps the
		// live-alt baseline captured at creation.
		title, description = draft.AltText, item.SeoDescription
	}

	if err := d.store.MarkItemGenerated(ctx, item.ID, title, description, attempts, waitMs); err != nil {
		return err
	}
	deltas := domain.CounterDeltas{
		OK:          1,
		Attempts:    int64(attempts),
		RetryWaitMs: waitMs,
	}
	if item.Status == domain.ItemFailed {
		// Redelivery re-picks items that already counted as failed; walk the
		// counter back so each item holds exactly one terminal count.
		deltas.Failed = -1
	}
	return d.store.IncrementCounters(ctx, job.ID, deltas)
}

func (d *Dispatcher) failGenerateItem(ctx context.Context, job *domain.Job, item *domain.Item, reason string, attempts int, waitMs int64) error {
	reason = truncateMessage(reason)
	if err := d.store.MarkItemFailed(ctx, item.ID, reason, attempts, waitMs); err != nil {
		return err
	}
	deltas := domain.CounterDeltas{
		Failed:      1,
		Attempts:    int64(attempts),
		RetryWaitMs: waitMs,
	}
	if item.Status == domain.ItemFailed {
		deltas.Failed = 0 // re-failure: the item is already counted
	}
	if err := d.store.IncrementCounters(ctx, job.ID, deltas); err != nil {
		return err
	}
	d.logger.WarnContext(ctx, "item generation failed",
		"job_id", job.ID, "item_id", item.ID, "reason", reason)
	return d.store.SetLastError(ctx, job.ID, reason)
}

// loadTarget fetches the live entity the draft is generated from.
func (d *Dispatcher) loadTarget(ctx context.Context, api StoreAPI, item *domain.Item, hooks storeapi.Hooks) (generator.Target, error) {
	switch item.TargetType {
	case domain.TargetProduct:
		p, err := api.FetchProduct(ctx, item.TargetID, hooks)
		if err != nil {
			return generator.Target{}, err
		}
		return generator.Target{
			Kind:        domain.TargetProduct,
			Title:       p.Title,
			Description: stripTags(p.DescriptionHTML),
		}, nil

	case domain.TargetArticle:
		a, err := api.FetchArticle(ctx, item.TargetID, hooks)
		if err != nil {
			return generator.Target{}, err
		}
		return generator.Target{
			Kind:        domain.TargetArticle,
			Title:       a.Title,
			Description: stripTags(a.Body),
		}, nil

	case domain.TargetImage:
		title := item.Title
		if title == "" {
			if item.ParentID == "" {
				return generator.Target{}, fmt.Errorf("%w: image item without parent product", domain.ErrInvalidTarget)
			}
			p, err := api.FetchProduct(ctx, item.ParentID, hooks)
			if err != nil {
				return generator.Target{}, err
			}
			title = p.Title
		}
		return generator.Target{
			Kind:         domain.TargetImage,
			ProductTitle: title,
			ImageURL:     item.ImageURL,
		}, nil

	default:
		return generator.Target{}, fmt.Errorf("%w: unknown target type %q", domain.ErrInvalidTarget, item.TargetType)
	}
}

// stripTags flattens product description HTML into prompt-safe plain text.
func stripTags(s string) string {
	var (
		b     strings.Builder
		inTag bool
	)
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// apiHooks wires a store API call's telemetry into the item's attempt
// counters, the job's retry narration, and the lease.
func (d *Dispatcher) apiHooks(ctx context.Context, job *domain.Job, lease *leaseHandle, attempts *int, waitMs *int64, label string) storeapi.Hooks {
	return storeapi.Hooks{
		OnAttempt: func(int) { *attempts++ },
		OnRetry: func(wait time.Duration, reason string) {
			*waitMs += wait.Milliseconds()
			d.narrateRetry(ctx, job.ID, label, wait)
		},
		OnThrottle: func(wait time.Duration, status storeapi.ThrottleStatus) {
			*waitMs += wait.Milliseconds()
			d.logger.DebugContext(ctx, "pacing for cost budget",
				"job_id", job.ID, "wait", wait, "available", status.CurrentlyAvailable)
			// Cost waits can stack up; keep the lease warm through them.
			if err := lease.refresh(ctx); err != nil {
				d.logger.WarnContext(ctx, "failed to refresh lease during throttle wait", "job_id", job.ID, "error", err)
			}
		},
	}
}

// narrateRetry surfaces in-flight retry waits on the job so the UI can show
// progress instead of an apparent hang.
func (d *Dispatcher) narrateRetry(ctx context.Context, jobID, label string, wait time.Duration) {
	secs := int(wait.Round(time.Second) / time.Second)
	msg := fmt.Sprintf("Retrying %s in %ds", label, secs)
	if err := d.store.SetLastError(ctx, jobID, msg); err != nil {
		d.logger.WarnContext(ctx, "failed to record retry narration", "job_id", jobID, "error", err)
	}
}

// abortCancelled fails the in-flight items and leaves the rest untouched;
// Cancel already stamped the job itself.
func (d *Dispatcher) abortCancelled(ctx context.Context, job *domain.Job, phase domain.Phase) error {
	n, err := d.store.FailRunning(ctx, job.ID, phase, "Cancelled by user")
	if err != nil {
		return err
	}
	if n > 0 {
		deltas := domain.CounterDeltas{Failed: int64(n)}
		if phase == domain.PhasePublishing || phase == domain.PhasePublished {
			deltas = domain.CounterDeltas{PublishFailed: int64(n)}
		}
		if err := d.store.IncrementCounters(ctx, job.ID, deltas); err != nil {
			return err
		}
	}
	d.logger.InfoContext(ctx, "aborted cancelled job", "job_id", job.ID, "phase", string(phase))
	return nil
}
