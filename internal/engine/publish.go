package engine

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/storeseo/engine/internal/domain"
	"github.com/storeseo/engine/internal/storeapi"
)

// runPublish writes the selected drafts back to the store. Item failures are
// recorded and never stop the run; the job still finishes Published/Success
// so the per-item errors stay visible.
func (d *Dispatcher) runPublish(ctx context.Context, job *domain.Job, lease *leaseHandle) error {
	if err := d.store.SetPhase(ctx, job.ID, domain.PhasePublishing, domain.StatusRunning); err != nil {
		return err
	}

	eligible, err := d.store.CountEligible(ctx, job.ID, domain.PhasePublishing)
	if err != nil {
		return err
	}
	if eligible == 0 {
		// Everything was skipped or already published.
		d.logger.InfoContext(ctx, "publish phase has nothing to do", "job_id", job.ID)
		return d.store.SetPhase(ctx, job.ID, domain.PhasePublished, domain.StatusSuccess)
	}

	api, err := d.apis.ForTenant(ctx, job.Tenant)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(d.cfg.PublishPause), 1)
	var lastID int64
	for {
		items, err := d.store.NextItems(ctx, job.ID, domain.PhasePublishing, lastID, d.cfg.BatchSize)
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
				return d.abortCancelled(ctx, job, domain.PhasePublishing)
			}

			if err := lease.refresh(ctx); err != nil {
				if errors.Is(err, domain.ErrLeaseLost) {
					d.logger.WarnContext(ctx, "lost job lease mid-publish", "job_id", job.ID)
					return nil
				}
				return err
			}

			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			if err := d.publishItem(ctx, api, job, item, lease); err != nil {
				return err
			}
		}
	}

	d.logger.InfoContext(ctx, "publish phase complete", "job_id", job.ID)
	return d.store.SetPhase(ctx, job.ID, domain.PhasePublished, domain.StatusSuccess)
}

// publishItem writes one item's draft. Only configured fields are written
// and empty drafts never overwrite live values; that staging lives in the
// store API client.
func (d *Dispatcher) publishItem(ctx context.Context, api StoreAPI, job *domain.Job, item *domain.Item, lease *leaseHandle) error {
	if err := d.store.MarkItemPublishRunning(ctx, item.ID); err != nil {
		return err
	}

	var (
		attempts int
		waitMs   int64
	)
	hooks := d.apiHooks(ctx, job, lease, &attempts, &waitMs, "store API")

	var writeErr error
	switch item.TargetType {
	case domain.TargetProduct:
		writeErr = api.WriteProductSeo(ctx, item.TargetID, storeapi.SeoWrite{
			Title:            item.SeoTitle,
			Description:      item.SeoDescription,
			WriteTitle:       job.Config.MetaTitle,
			WriteDescription: job.Config.MetaDescription,
		}, hooks)

	case domain.TargetArticle:
		writeErr = api.WriteArticleSeo(ctx, item.TargetID, storeapi.SeoWrite{
			Title:            item.SeoTitle,
			Description:      item.SeoDescription,
			WriteTitle:       job.Config.MetaTitle,
			WriteDescription: job.Config.MetaDescription,
		}, hooks)

	case domain.TargetImage:
		if item.MediaID == "" {
			writeErr = &storeapi.PermanentError{Message: "missing media id"}
		} else {
			writeErr = api.WriteImageAlt(ctx, item.ParentID, item.MediaID, item.DraftAlt(), hooks)
		}

	default:
		writeErr = &storeapi.PermanentError{Message: "unknown target type"}
	}

	if writeErr != nil {
		var perm *storeapi.PermanentError
		if errors.As(writeErr, &perm) {
			return d.failPublishItem(ctx, job, item, perm.Message, attempts, waitMs)
		}
		return writeErr
	}

	copyAltBaseline := item.TargetType == domain.TargetImage
	if err := d.store.MarkItemPublished(ctx, item.ID, copyAltBaseline, attempts, waitMs); err != nil {
		return err
	}
	deltas := domain.CounterDeltas{
		PublishOK:   1,
		Attempts:    int64(attempts),
		RetryWaitMs: waitMs,
	}
	if item.PublishStatus == domain.ItemFailed {
		// Redelivery re-picks items that already counted as failed; walk the
		// counter back so each item holds exactly one terminal count.
		deltas.PublishFailed = -1
	}
	return d.store.IncrementCounters(ctx, job.ID, deltas)
}

func (d *Dispatcher) failPublishItem(ctx context.Context, job *domain.Job, item *domain.Item, reason string, attempts int, waitMs int64) error {
	reason = truncateMessage(reason)
	if err := d.store.MarkItemPublishFailed(ctx, item.ID, reason, attempts, waitMs); err != nil {
		return err
	}
	deltas := domain.CounterDeltas{
		PublishFailed: 1,
		Attempts:      int64(attempts),
		RetryWaitMs:   waitMs,
	}
	if item.PublishStatus == domain.ItemFailed {
		deltas.PublishFailed = 0 // re-failure: the item is already counted
	}
	if err := d.store.IncrementCounters(ctx, job.ID, deltas); err != nil {
		return err
	}
	d.logger.WarnContext(ctx, "item publish failed",
		"job_id", job.ID, "item_id", item.ID, "reason", reason)
	return d.store.SetLastError(ctx, job.ID, reason)
}
