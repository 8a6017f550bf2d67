package crawler

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GitHub response headers consulted by the rate-limit gate.
const (
	HeaderStatus             = "Status"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// resumeMargin is added past the reset instant so the first retried call sees a fresh quota.
const resumeMargin = time.Second

var (
	forbiddenStatusPattern = regexp.MustCompile(`(?i)403 Forbidden`)
	rateLimitBodyPattern   = regexp.MustCompile(`(?i)API rate limit exceeded for`)
)

// IsRateLimited reports whether resp is GitHub's primary rate-limit rejection.
// All four signals must agree: status 403, a Status header naming 403
// Forbidden, zero remaining quota, and the rate-limit message in the body.
// Any other 403 is an ordinary error.
func IsRateLimited(resp FetchResponse) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	if !forbiddenStatusPattern.MatchString(resp.Header.Get(HeaderStatus)) {
		return false
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get(HeaderRateLimitRemaining)))
	if err != nil || remaining != 0 {
		return false
	}
	return rateLimitBodyPattern.Match(resp.Body)
}

// ParseRateLimitReset reads the reset instant, in epoch seconds, from h.
// Fractional seconds are truncated.
func ParseRateLimitReset(h http.Header) (int64, bool) {
	raw := strings.TrimSpace(h.Get(HeaderRateLimitReset))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return secs, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// ResumeDelay is how long to wait from now until one second past resetEpochSeconds.
// It is never negative.
func ResumeDelay(resetEpochSeconds int64, now time.Time) time.Duration {
	resumeAt := time.Unix(resetEpochSeconds, 0).Add(resumeMargin)
	delay := resumeAt.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}
