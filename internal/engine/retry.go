package engine

import (
	"context"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// RetryPolicy classifies errors, computes exponential-backoff delay, and
// enforces a Gemini-specific rate-limit floor. The classification split
// (Retryable/Cancelled/Fatal) is keyed on the engine's own error taxonomy
// (engine.Error.Code) rather than an HTTP-status-keyed enum.
type RetryPolicy struct {
	Config ChannelConfig
	// Rand is injectable for deterministic tests.
	Rand *rand.Rand
}

func NewRetryPolicy(cfg ChannelConfig) *RetryPolicy {
	return &RetryPolicy{Config: cfg, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

var geminiRateLimitRe = regexp.MustCompile(`(?i)rate limit|too many requests|quota|resource_exhausted|429`)

// ShouldRetry reports whether attempt (1-indexed, the attempt that just
// failed) should be retried under this channel's retry config.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if IsCancelled(err) {
		return false
	}
	if !p.Config.Retry.Enabled {
		return false
	}
	if !IsRetryable(err) {
		return false
	}
	maxAttempts := p.Config.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return attempt < maxAttempts
}

// Delay computes the backoff delay before the given attempt (1-indexed).
func (p *RetryPolicy) Delay(err error, attempt int) time.Duration {
	base := p.Config.Retry.BaseInterval
	if base <= 0 {
		base = 1
	}
	delay := time.Duration(base*math.Pow(2, float64(attempt-1))) * time.Second

	if p.isGeminiRateLimit(err) {
		floor := 15 * time.Second
		if delay < floor {
			delay = floor
		}
		delay += time.Duration(p.Rand.Intn(500)) * time.Millisecond
	}
	return delay
}

func (p *RetryPolicy) isGeminiRateLimit(err error) bool {
	if p.Config.Dialect != DialectGemini {
		return false
	}
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Status == 429 {
		return true
	}
	return geminiRateLimitRe.MatchString(strings.ToLower(e.Body)) || geminiRateLimitRe.MatchString(strings.ToLower(e.Message))
}

// Wait sleeps for the computed delay, returning a CANCELLED_ERROR
// immediately if ctx is cancelled mid-delay.
func (p *RetryPolicy) Wait(ctx context.Context, err error, attempt int) error {
	d := p.Delay(err, attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Error{Code: ErrCancelled, Message: "retry delay aborted"}
	case <-timer.C:
		return nil
	}
}
