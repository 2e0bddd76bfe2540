package tracker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
)

// Kind classifies an API failure for retry and reporting decisions.
type Kind int

const (
	// KindUnexpected covers validation and programmer errors; never retried,
	// always propagated.
	KindUnexpected Kind = iota
	// KindTransient covers 502/503/504, connection resets/timeouts, and
	// rate limiting (429, or 403 carrying rate-limit signals). Retried with
	// backoff.
	KindTransient
	// KindResourceGone covers 404/410 on a specific issue or PR. Logged and
	// skipped, never escalated.
	KindResourceGone
	// KindAccessDenied covers 401/403 without rate-limit signals. Reported
	// to the access-issue collector, not retried.
	KindAccessDenied
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindResourceGone:
		return "resource-gone"
	case KindAccessDenied:
		return "access-denied"
	default:
		return "unexpected"
	}
}

// Classify maps an error from the tracker client onto the taxonomy.
// Typed go-github errors are checked first; the string heuristics at the
// bottom catch transport errors that arrive unwrapped.
func Classify(err error) Kind {
	if err == nil {
		return KindUnexpected
	}

	// Rate limiting is always transient: the limiter window will pass.
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return KindTransient
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return KindTransient
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return classifyStatus(ghErr.Response.StatusCode, ghErr.Response, ghErr.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "gateway timeout"):
		return KindTransient
	}

	return KindUnexpected
}

func classifyStatus(status int, resp *http.Response, message string) Kind {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindTransient
	case http.StatusNotFound, http.StatusGone:
		return KindResourceGone
	case http.StatusTooManyRequests:
		// Only a 429 that tells us when to come back is worth retrying.
		if resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Reset") != "" {
			return KindTransient
		}
		return KindUnexpected
	case http.StatusForbidden:
		// A 403 is rate limiting when the quota header hit zero or the
		// message says so; otherwise it is a genuine permission problem.
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return KindTransient
		}
		if strings.Contains(strings.ToLower(message), "rate limit") {
			return KindTransient
		}
		return KindAccessDenied
	case http.StatusUnauthorized:
		return KindAccessDenied
	}
	return KindUnexpected
}

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// IsGone reports whether the error means the issue or PR no longer exists.
func IsGone(err error) bool {
	return Classify(err) == KindResourceGone
}

// IsAccessDenied reports whether the error is a non-rate-limit 401/403.
func IsAccessDenied(err error) bool {
	return Classify(err) == KindAccessDenied
}

// StatusCode extracts the HTTP status from a classified error, or 0.
func StatusCode(err error) int {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) && rateErr.Response != nil {
		return rateErr.Response.StatusCode
	}
	return 0
}
