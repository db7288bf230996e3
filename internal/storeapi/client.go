// Package storeapi is the GraphQL client for the store admin API. All calls
// go through a retry loop with failure classification and cost-based pacing
// driven by the API's throttle telemetry.
package storeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/storeseo/engine/internal/backoff"
	"github.com/storeseo/engine/internal/classify"
)

// Config controls retry and pacing behavior for one client.
type Config struct {
	Endpoint string // per-store GraphQL endpoint
	Token    string // per-store access token

	MaxAttempts  int
	Timeout      time.Duration
	BackoffBase  time.Duration
	MinAvailable int           // pacing floor for throttleStatus.currentlyAvailable
	MaxWait      time.Duration // pacing sleep cap
}

// ThrottleStatus is the cost telemetry the API attaches to every response.
type ThrottleStatus struct {
	CurrentlyAvailable float64 `json:"currentlyAvailable"`
	RestoreRate        float64 `json:"restoreRate"`
}

// Hooks let the calling phase observe retries and pacing waits.
type Hooks struct {
	OnAttempt  func(n int)
	OnRetry    func(wait time.Duration, reason string)
	OnThrottle func(wait time.Duration, status ThrottleStatus)
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

func (h Hooks) throttle(wait time.Duration, status ThrottleStatus) {
	if h.OnThrottle != nil {
		h.OnThrottle(wait, status)
	}
}

// PermanentError marks a store API failure that retrying cannot fix, either
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

// userError is a GraphQL-level mutation rejection (userErrors payload).
type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func joinUserErrors(errs []userError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Client talks to one store's admin API.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// New creates a store API client. The http.Client is shared and safe for
// concurrent use; per-call deadlines come from cfg.Timeout.
func New(httpClient *http.Client, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MinAvailable <= 0 {
		cfg.MinAvailable = 100
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	return &Client{httpClient: httpClient, cfg: cfg}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data       json.RawMessage `json:"data"`
	Errors     []gqlError      `json:"errors"`
	Extensions struct {
		Cost struct {
			ThrottleStatus ThrottleStatus `json:"throttleStatus"`
		} `json:"cost"`
	} `json:"extensions"`
}

// graphqlWithRetry executes one operation through the retry state machine:
// Calling -> Classifying -> Sleeping -> Calling ... -> Done. Successful
// responses still pass through cost pacing before returning.
func (c *Client) graphqlWithRetry(ctx context.Context, query string, vars map[string]any, hooks Hooks) (json.RawMessage, error) {
	type state int
	const (
		stateCalling state = iota
		stateClassifying
		stateSleeping
		stateDone
	)

	var (
		current = stateCalling
		attempt = 0
		data    json.RawMessage
		callErr error
		input   classify.Input
		verdict classify.Classification
	)

	for {
		switch current {
		case stateCalling:
			attempt++
			hooks.attempt(attempt)
			data, input, callErr = c.call(ctx, query, vars, hooks)
			if callErr == nil {
				current = stateDone
				break
			}
			current = stateClassifying

		case stateClassifying:
			verdict = classify.Classify(input)
			if !verdict.Transient {
				return nil, &PermanentError{Message: verdict.UserMessage, Err: callErr}
			}
			if attempt >= c.cfg.MaxAttempts {
				return nil, &PermanentError{Message: verdict.UserMessage, Err: callErr}
			}
			current = stateSleeping

		case stateSleeping:
			wait := backoff.Delay(attempt, c.cfg.BackoffBase)
			if verdict.RetryAfter > wait {
				wait = verdict.RetryAfter
			}
			hooks.retry(wait, verdict.UserMessage)
			if err := backoff.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			current = stateCalling

		case stateDone:
			return data, nil
		}
	}
}

// call performs one HTTP round trip. It returns the classifier input
// alongside the error so the state machine never re-derives it.
func (c *Client) call(ctx context.Context, query string, vars map[string]any, hooks Hooks) (json.RawMessage, classify.Input, error) {
	var (
		data json.RawMessage
		in   classify.Input
	)

	err := backoff.WithTimeout(ctx, c.cfg.Timeout, "store API call", func(ctx context.Context) error {
		body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Store-Access-Token", c.cfg.Token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			in = classify.Input{Err: err}
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			in = classify.Input{Err: err}
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			in = classify.Input{
				Status:     resp.StatusCode,
				Message:    strings.TrimSpace(string(raw)),
				RetryAfter: resp.Header.Get("Retry-After"),
			}
			err := fmt.Errorf("store API returned status %d", resp.StatusCode)
			in.Err = err
			return err
		}

		var out gqlResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			in = classify.Input{Err: err, BadJSON: true}
			return fmt.Errorf("store API response is not JSON: %w", err)
		}

		if len(out.Errors) > 0 {
			msgs := make([]string, 0, len(out.Errors))
			for _, e := range out.Errors {
				msgs = append(msgs, e.Message)
			}
			joined := strings.Join(msgs, "; ")
			err := fmt.Errorf("store API error: %s", joined)
			// Throttling arrives as a GraphQL error with HTTP 200.
			if classify.ThrottledMessage(msgs...) {
				in = classify.Input{Status: 429, Message: joined, Err: err}
				return err
			}
			in = classify.Input{Message: joined, Err: err}
			return err
		}

		c.pace(ctx, out.Extensions.Cost.ThrottleStatus, hooks)
		data = out.Data
		return nil
	})

	if err != nil && in.Err == nil {
		// Timeout or context errors surface from WithTimeout itself.
		in = classify.Input{Err: err}
	}
	return data, in, err
}

// pace sleeps when the API's cost budget runs low, so the next call does not
// trip the rate limiter.
func (c *Client) pace(ctx context.Context, status ThrottleStatus, hooks Hooks) {
	if status.RestoreRate <= 0 {
		return
	}
	available := status.CurrentlyAvailable
	if available >= float64(c.cfg.MinAvailable) {
		return
	}

	secs := math.Ceil((float64(c.cfg.MinAvailable) - available) / status.RestoreRate)
	wait := time.Duration(secs) * time.Second
	if wait < 0 {
		wait = 0
	}
	if wait > c.cfg.MaxWait {
		wait = c.cfg.MaxWait
	}
	if wait == 0 {
		return
	}

	hooks.throttle(wait, status)
	_ = backoff.Sleep(ctx, wait)
}

// mutate runs a mutation and decodes its payload into out.
func (c *Client) mutate(ctx context.Context, query string, vars map[string]any, out any, hooks Hooks) error {
	data, err := c.graphqlWithRetry(ctx, query, vars, hooks)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &PermanentError{Message: "malformed response", Err: err}
	}
	return nil
}

func isInvalidID(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm) && strings.Contains(perm.Message, "Invalid id")
}
