// Package classify maps downstream failures (HTTP statuses, transport
// errors, GraphQL error messages) onto a retry decision.
package classify

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/storeseo/engine/internal/backoff"
)

// Classification is the verdict for one failure.
type Classification struct {
	Transient   bool
	UserMessage string
	RetryAfter  time.Duration
}

// Input describes a single failed call. Status is 0 when no HTTP status
// applies (pure transport errors).
type Input struct {
	Status     int
	Err        error
	Message    string // response body or error text, used for pattern rules
	RetryAfter string // Retry-After header value, if present
	// BadJSON marks a response that was required to be JSON but did not
	// parse; retried once more by policy.
	BadJSON bool
}

var (
	tooLongRe  = regexp.MustCompile(`(?i)context length|too long|max.*tokens`)
	throttleRe = regexp.MustCompile(`(?i)throttl|rate limit|too many requests`)
)

// Classify applies the rule table, first match wins.
func Classify(in Input) Classification {
	switch {
	case in.Status == 401 || in.Status == 403:
		return Classification{Transient: false, UserMessage: "authentication failed"}

	case in.Status == 429:
		return Classification{
			Transient:   true,
			UserMessage: "rate limited",
			RetryAfter:  parseRetryAfter(in.RetryAfter),
		}

	case in.Status == 400 && tooLongRe.MatchString(in.Message):
		return Classification{Transient: false, UserMessage: "input too long"}

	case in.Status >= 400 && in.Status < 500:
		return Classification{Transient: false, UserMessage: userMessage(in)}

	case in.Status >= 500 && in.Status < 600:
		return Classification{Transient: true, UserMessage: userMessage(in)}
	}

	if in.Err != nil && isTransportTransient(in.Err) {
		return Classification{Transient: true, UserMessage: userMessage(in)}
	}

	if in.BadJSON {
		return Classification{Transient: true, UserMessage: "malformed response"}
	}

	return Classification{Transient: false, UserMessage: userMessage(in)}
}

// ThrottledMessage reports whether any GraphQL-layer error message indicates
// throttling. The store API returns these with HTTP 200, so they must be
// checked before the status rules.
func ThrottledMessage(msgs ...string) bool {
	for _, m := range msgs {
		if throttleRe.MatchString(m) {
			return true
		}
	}
	return false
}

func userMessage(in Input) string {
	if in.Message != "" {
		return in.Message
	}
	if in.Err != nil {
		return in.Err.Error()
	}
	return "request failed"
}

func isTransportTransient(err error) bool {
	if backoff.IsTimeout(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{"connection reset", "EAI_AGAIN", "ETIMEDOUT", "broken pipe", "unexpected EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// parseRetryAfter understands the delta-seconds form of a Retry-After header.
// The HTTP-date form is rare on rate-limit responses and is ignored.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
