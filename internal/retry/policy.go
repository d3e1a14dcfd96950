// Package retry provides backoff policies for provider and Slack API calls.
package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// Policy defines retry behavior for failed calls
type Policy struct {
	MaxRetries        int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay      time.Duration // Initial delay before first retry
	MaxDelay          time.Duration // Maximum delay between retries
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g., 2.0)
}

// ProviderPolicy returns the retry policy for LLM provider calls.
// Rate limits and overload errors back off slowly.
func ProviderPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// NetworkErrorPolicy returns a retry policy for Slack API calls (more retries)
func NetworkErrorPolicy() Policy {
	return Policy{
		MaxRetries:        5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// QuickRetryPolicy returns a policy for operations that should retry quickly
// with minimal backoff, such as bundle server startup probes.
func QuickRetryPolicy() Policy {
	return Policy{
		MaxRetries:        2,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// CalculateDelay calculates the next retry delay based on the current attempt number
// Uses exponential backoff capped at MaxDelay
func (p *Policy) CalculateDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.InitialDelay
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount))

	if time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}

	return time.Duration(delay)
}

// ShouldRetry determines if a call should be retried based on the attempt count
func (p *Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// IsRetriableError determines if an error should trigger a retry.
// Provider rate limits, overload responses, and transient network
// failures are retriable; everything else is permanent.
func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retriableFragments := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"network is unreachable",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"context deadline exceeded",
		"rate limit",
		"rate_limit",
		"overloaded",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 529",
	}

	for _, fragment := range retriableFragments {
		if strings.Contains(errStr, fragment) {
			return true
		}
	}

	return false
}

// Do runs fn under the policy, sleeping between attempts. It stops early on
// non-retriable errors or context cancellation and returns the last error.
func Do(ctx context.Context, p Policy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetriableError(lastErr) || !p.ShouldRetry(attempt) {
			return lastErr
		}

		select {
		case <-time.After(p.CalculateDelay(attempt)):
		case <-ctx.Done():
			return lastErr
		}
	}
}

// Validate checks if the retry policy configuration is valid
func (p *Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier <= 0 {
		return errors.New("BackoffMultiplier must be positive")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}
