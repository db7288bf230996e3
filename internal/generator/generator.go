// Package generator produces SEO metadata drafts through an external
// text-completion service, enforcing a strict JSON output contract, retry
// with backoff, and an output-language guard with a single rewrite pass.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storeseo/engine/internal/backoff"
	"github.com/storeseo/engine/internal/classify"
	"github.com/storeseo/engine/internal/domain"
)

// Field length caps applied after acceptance (by character count).
const (
	TitleMax       = 70
	DescriptionMax = 160
	AltTextMax     = 125
)

// Completer is the transport to the text-completion service.
type Completer interface {
	// Complete returns the raw model output for a system + user prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)
}

// StatusError carries the HTTP status of a failed completion call so the
// classifier can apply its status rules.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// Target is the entity payload a draft is generated for.
type Target struct {
	Kind domain.TargetType

	Title       string
	Description string // product description or article body, plain text

	// Image targets only.
	ProductTitle string
	ImageURL     string
}

// Draft is an accepted, truncated generation result.
type Draft struct {
	SeoTitle       string
	SeoDescription string
	AltText        string
}

// Hooks let the calling phase observe retry activity for telemetry.
type Hooks struct {
	// OnAttempt fires before attempt n (1-based).
	OnAttempt func(n int)
	// OnRetry fires before sleeping between attempts.
	OnRetry func(wait time.Duration, reason string)
}

func (h Hooks) attempt(n int) {
	if h.OnAttempt != nil {
		h.OnAttempt(n)
	}
}

func (h Hooks) retry(wait time.Duration, reason string) {
	if h.OnRetry != nil {
		h.OnRetry(wait, reason)
	}
}

// Config controls the retry loop.
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
}

// Client drives the completion service for one job type at a time.
type Client struct {
	completer Completer
	cfg       Config
}

// New creates a generator client.
func New(completer Completer, cfg Config) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Client{completer: completer, cfg: cfg}
}

// PermanentError marks a generation failure that retrying cannot fix, either
// classified permanent or transient-but-exhausted.
type PermanentError struct {
	Message string // human-readable, stored on the item
	Err     error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Generate produces a draft for the target, in cfg.Language, honoring the
// job's configured hints. On transient failures it retries with backoff up
// to MaxAttempts; the language guard triggers at most one rewrite pass.
func (c *Client) Generate(ctx context.Context, jobType domain.JobType, jobCfg domain.JobConfig, target Target, hooks Hooks) (Draft, error) {
	system, user := buildPrompts(jobType, jobCfg, target)

	raw, err := c.completeWithRetry(ctx, system, user, hooks)
	if err != nil {
		return Draft{}, err
	}

	draft, err := parseDraft(jobType, raw)
	if err != nil {
		// One more full attempt cycle on unparsable output.
		raw, retryErr := c.completeWithRetry(ctx, system, user, hooks)
		if retryErr != nil {
			return Draft{}, retryErr
		}
		if draft, err = parseDraft(jobType, raw); err != nil {
			return Draft{}, &PermanentError{Message: "malformed response", Err: err}
		}
	}

	// Language guard: a single rewrite pass, then accept whatever comes back.
	if IsLanguageMismatch(jobCfg.Language, draft.texts()...) {
		rewritten, err := c.rewrite(ctx, jobType, jobCfg.Language, draft, hooks)
		if err == nil {
			draft = rewritten
		}
	}

	draft.truncate()
	return draft, nil
}

// completeWithRetry runs the explicit retry state machine:
// Calling -> Classifying -> Sleeping -> Calling ... -> Done.
func (c *Client) completeWithRetry(ctx context.Context, system, user string, hooks Hooks) (string, error) {
	type state int
	const (
		stateCalling state = iota
		stateClassifying
		stateSleeping
		stateDone
	)

	var (
		current  = stateCalling
		attempt  = 0
		raw      string
		callErr  error
		verdict  classify.Classification
		lastWait time.Duration
	)

	for {
		switch current {
		case stateCalling:
			attempt++
			hooks.attempt(attempt)
			callErr = backoff.WithTimeout(ctx, c.cfg.Timeout, "generator call", func(ctx context.Context) error {
				var err error
				raw, err = c.completer.Complete(ctx, system, user)
				return err
			})
			if callErr == nil {
				current = stateDone
				break
			}
			current = stateClassifying

		case stateClassifying:
			verdict = classify.Classify(classifyInput(callErr))
			if !verdict.Transient {
				return "", &PermanentError{Message: verdict.UserMessage, Err: callErr}
			}
			if attempt >= c.cfg.MaxAttempts {
				return "", &PermanentError{Message: verdict.UserMessage, Err: callErr}
			}
			current = stateSleeping

		case stateSleeping:
			lastWait = backoff.Delay(attempt, c.cfg.BackoffBase)
			if verdict.RetryAfter > lastWait {
				lastWait = verdict.RetryAfter
			}
			hooks.retry(lastWait, verdict.UserMessage)
			if err := backoff.Sleep(ctx, lastWait); err != nil {
				return "", err
			}
			current = stateCalling

		case stateDone:
			return raw, nil
		}
	}
}

func classifyInput(err error) classify.Input {
	in := classify.Input{Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		in.Status = se.Status
		in.Message = se.Err.Error()
	}
	return in
}

// rewrite asks the service to re-express the draft strictly in lang,
// preserving meaning, under the same JSON-only contract.
func (c *Client) rewrite(ctx context.Context, jobType domain.JobType, lang string, draft Draft, hooks Hooks) (Draft, error) {
	current, err := json.Marshal(draft.payload(jobType))
	if err != nil {
		return Draft{}, fmt.Errorf("failed to marshal draft for rewrite: %w", err)
	}

	system, user := buildRewritePrompts(jobType, lang, string(current))
	raw, err := c.completeWithRetry(ctx, system, user, hooks)
	if err != nil {
		return Draft{}, err
	}
	return parseDraft(jobType, raw)
}

// parseDraft decodes the closed JSON object for the job type. Model output
// wrapped in markdown code fences is unwrapped first.
func parseDraft(jobType domain.JobType, raw string) (Draft, error) {
	raw = stripFences(raw)

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	switch jobType {
	case domain.JobTypeImageAlt:
		var out struct {
			AltText string `json:"altText"`
		}
		if err := dec.Decode(&out); err != nil {
			return Draft{}, fmt.Errorf("response is not the required JSON object: %w", err)
		}
		if strings.TrimSpace(out.AltText) == "" {
			return Draft{}, fmt.Errorf("response is missing altText")
		}
		return Draft{AltText: strings.TrimSpace(out.AltText)}, nil

	default:
		var out struct {
			SeoTitle       string `json:"seoTitle"`
			SeoDescription string `json:"seoDescription"`
		}
		if err := dec.Decode(&out); err != nil {
			return Draft{}, fmt.Errorf("response is not the required JSON object: %w", err)
		}
		if strings.TrimSpace(out.SeoTitle) == "" && strings.TrimSpace(out.SeoDescription) == "" {
			return Draft{}, fmt.Errorf("response is missing seoTitle and seoDescription")
		}
		return Draft{
			SeoTitle:       strings.TrimSpace(out.SeoTitle),
			SeoDescription: strings.TrimSpace(out.SeoDescription),
		}, nil
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func (d Draft) texts() []string {
	var out []string
	for _, s := range []string{d.SeoTitle, d.SeoDescription, d.AltText} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (d Draft) payload(jobType domain.JobType) any {
	if jobType == domain.JobTypeImageAlt {
		return map[string]string{"altText": d.AltText}
	}
	return map[string]string{"seoTitle": d.SeoTitle, "seoDescription": d.SeoDescription}
}

// truncate hard-caps fields to their maximum lengths by character count.
func (d *Draft) truncate() {
	d.SeoTitle = truncateRunes(d.SeoTitle, TitleMax)
	d.SeoDescription = truncateRunes(d.SeoDescription, DescriptionMax)
	d.AltText = truncateRunes(d.AltText, AltTextMax)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
