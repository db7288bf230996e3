// Package broker is the at-least-once work queue between the job producer
// and the worker pool, backed by Redis. Messages carry a job id and a phase
// kind, keyed by a deterministic external id so re-enqueueing the same work
// is idempotent while a message is still pending.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind selects which phase a message drives.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindPublish  Kind = "publish"
)

const (
	readyKey   = "seo-queue:ready"
	delayedKey = "seo-queue:delayed"
	msgPrefix  = "seo-queue:msg:"

	// Delivery policy: three attempts with exponential backoff starting at
	// 2s; completed and exhausted messages are removed.
	maxAttempts = 3
	retryBase   = 2 * time.Second
)

// message is the persisted payload for one external id.
type message struct {
	JobID    string `json:"jobId"`
	Kind     Kind   `json:"kind"`
	Attempts int    `json:"attempts"`
}

// ExternalID builds the deterministic message id for a (job, kind) pair.
// Colons are stripped so ids stay safe for key-based brokers.
func ExternalID(jobID string, kind Kind) string {
	return sanitize(string(kind)) + "-" + sanitize(jobID)
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, ":", "")
}

// Queue is the Redis-backed broker adapter.
type Queue struct {
	client       redis.UniversalClient
	pollInterval time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval sets how often the consumer polls for ready messages.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// New creates a queue on the given Redis client.
func New(client redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{client: client, pollInterval: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue publishes a (job, kind) message for immediate delivery. If a
// message with the same external id is already pending the call is a no-op.
func (q *Queue) Enqueue(ctx context.Context, jobID string, kind Kind) error {
	return q.enqueueAt(ctx, jobID, kind, time.Time{})
}

// EnqueueDelayed publishes a message that becomes deliverable at the given time.
func (q *Queue) EnqueueDelayed(ctx context.Context, jobID string, kind Kind, at time.Time) error {
	return q.enqueueAt(ctx, jobID, kind, at)
}

func (q *Queue) enqueueAt(ctx context.Context, jobID string, kind Kind, at time.Time) error {
	id := ExternalID(jobID, kind)
	payload, err := json.Marshal(message{JobID: jobID, Kind: kind})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	set, err := q.client.SetNX(ctx, msgPrefix+id, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	if !set {
		queued, err := q.isQueued(ctx, id)
		if err != nil {
			return err
		}
		if queued {
			return nil // already pending; deterministic id makes this idempotent
		}
		// The payload exists but the id sits on neither list: a consumer died
		// between popping the id and acking it. Requeue so the message is not
		// wedged forever; a surviving in-flight handler that completes first
		// deletes the payload, which makes the requeued id a harmless no-op
		// at dispatch time.
	}

	if !at.IsZero() && at.After(time.Now()) {
		if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err(); err != nil {
			return fmt.Errorf("failed to schedule message: %w", err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, readyKey, id).Err(); err != nil {
		return fmt.Errorf("failed to push message: %w", err)
	}
	return nil
}

// isQueued reports whether the id is currently deliverable: on the ready
// list or parked in the delayed set.
func (q *Queue) isQueued(ctx context.Context, id string) (bool, error) {
	if err := q.client.ZScore(ctx, delayedKey, id).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to check delayed set: %w", err)
	}
	if _, err := q.client.LPos(ctx, readyKey, id, redis.LPosArgs{}).Result(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to check ready list: %w", err)
	}
	return false, nil
}

// Remove drops a pending (job, kind) message. Best effort: a message that
// already completed or is mid-flight is left alone silently.
func (q *Queue) Remove(ctx context.Context, jobID string, kind Kind) error {
	id := ExternalID(jobID, kind)
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, msgPrefix+id)
	pipe.LRem(ctx, readyKey, 0, id)
	pipe.ZRem(ctx, delayedKey, id)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	return nil
}

// Delivery is one received message. The handler may call Delay to bounce the
// message to a later time without consuming a retry attempt.
type Delivery struct {
	JobID    string
	Kind     Kind
	Attempts int

	delayUntil time.Time
}

// Delay reschedules the message for the given time. The attempt counter is
// not incremented; used when the tenant lock is busy.
func (d *Delivery) Delay(until time.Time) {
	d.delayUntil = until
}

// Handler processes one delivery. A non-nil error consumes a retry attempt.
type Handler func(ctx context.Context, d *Delivery) error

// Consume polls for messages and runs handler on each until ctx is done.
// Failed deliveries are retried with exponential backoff up to the attempts
// policy, then dropped.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			slog.WarnContext(ctx, "failed to promote delayed messages", "error", err)
		}

		id, err := q.client.RPop(ctx, readyKey).Result()
		if errors.Is(err, redis.Nil) {
			if err := sleep(ctx, q.pollInterval); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.WarnContext(ctx, "failed to pop message", "error", err)
			if err := sleep(ctx, q.pollInterval); err != nil {
				return err
			}
			continue
		}

		q.dispatch(ctx, id, handler)
	}
}

// RunOnce drains and handles at most one ready message; used by tests and
// by deployments that drive consumption from an external scheduler.
// Returns false when no message was ready.
func (q *Queue) RunOnce(ctx context.Context, handler Handler) (bool, error) {
	if err := q.promoteDue(ctx); err != nil {
		return false, err
	}
	id, err := q.client.RPop(ctx, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to pop message: %w", err)
	}
	q.dispatch(ctx, id, handler)
	return true, nil
}

func (q *Queue) dispatch(ctx context.Context, id string, handler Handler) {
	raw, err := q.client.Get(ctx, msgPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return // removed while queued
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to load message payload", "external_id", id, "error", err)
		return
	}

	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		slog.ErrorContext(ctx, "dropping undecodable message", "external_id", id, "error", err)
		q.client.Del(ctx, msgPrefix+id)
		return
	}

	d := &Delivery{JobID: msg.JobID, Kind: msg.Kind, Attempts: msg.Attempts}
	handlerErr := handler(ctx, d)

	if !d.delayUntil.IsZero() && handlerErr == nil {
		// Bounced by the handler: reschedule without touching attempts.
		if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(d.delayUntil.UnixMilli()), Member: id}).Err(); err != nil {
			slog.WarnContext(ctx, "failed to delay message", "external_id", id, "error", err)
		}
		return
	}

	if handlerErr == nil {
		q.client.Del(ctx, msgPrefix+id) // remove-on-complete
		return
	}

	msg.Attempts++
	if msg.Attempts >= maxAttempts {
		slog.ErrorContext(ctx, "message exhausted delivery attempts",
			"external_id", id,
			"job_id", msg.JobID,
			"kind", string(msg.Kind),
			"error", handlerErr)
		q.client.Del(ctx, msgPrefix+id) // remove-on-fail
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to re-marshal message", "external_id", id, "error", err)
		q.client.Del(ctx, msgPrefix+id)
		return
	}
	retryAt := time.Now().Add(retryBase << (msg.Attempts - 1))
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, msgPrefix+id, payload, 0)
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(retryAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "failed to schedule retry", "external_id", id, "error", err)
	}
}

// promoteDue moves delayed messages whose time has come onto the ready list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another consumer promoted it first
		}
		if err := q.client.LPush(ctx, readyKey, id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
