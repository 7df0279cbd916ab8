package client

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the retry bounds.
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", r.MaxAttempts)
	}
	if r.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be > 0 (got %v)", r.InitialBackoff)
	}
	if r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("max_backoff must be >= initial_backoff (got %v < %v)", r.MaxBackoff, r.InitialBackoff)
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %v)", r.BackoffMultiplier)
	}
	return nil
}

// next returns the backoff following current, capped at MaxBackoff.
func (r RetryConfig) next(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * r.BackoffMultiplier)
	if backoff > r.MaxBackoff {
		backoff = r.MaxBackoff
	}
	return backoff
}

// Outcome is the classified result of one attempt.
type Outcome struct {
	Class      ErrorClass
	StatusCode int

	// RetryAfter is the server-requested delay of a 429 response.
	RetryAfter    time.Duration
	HasRetryAfter bool

	// Err is the transport error of a network fault.
	Err error
}

// Classify maps an HTTP status and headers to an Outcome.
func Classify(statusCode int, header http.Header, now time.Time) Outcome {
	out := Outcome{StatusCode: statusCode}

	switch {
	case statusCode >= 200 && statusCode < 300:
		out.Class = ErrorClassNone
	case statusCode == http.StatusTooManyRequests:
		out.Class = ErrorClassRateLimit
		out.RetryAfter, out.HasRetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	case statusCode >= 500:
		out.Class = ErrorClassServer
	default:
		out.Class = ErrorClassClient
	}

	return out
}

// networkOutcome classifies a transport failure.
func networkOutcome(err error) Outcome {
	return Outcome{Class: ErrorClassNetwork, Err: err}
}

// parseRetryAfter accepts delta seconds, fractions included, or an HTTP-date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}

// attemptFunc performs one request. A non-nil error aborts retrying.
type attemptFunc func(ctx context.Context) (*Response, Outcome, error)

// retry runs attempt until it succeeds, fails permanently or the attempt
// budget runs out. The limiter is consulted before every attempt.
func (c *Client) retry(ctx context.Context, target string, attempt attemptFunc) (*Response, error) {
	cfg := c.config.Retry
	backoff := cfg.InitialBackoff
	var lastErr error
	var lastClass ErrorClass

	for n := 1; n <= cfg.MaxAttempts; n++ {
		if err := c.config.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		resp, out, err := attempt(ctx)
		if err != nil {
			return nil, err
		}

		if out.Class == ErrorClassNone {
			if n > 1 {
				c.logger.Info().
					Str("url", target).
					Int("attempt", n).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if !shouldRetry(out.Class) {
			body := ""
			if resp != nil {
				body = truncate(string(resp.Body), maxErrorBody)
			}
			c.logger.Error().
				Str("url", target).
				Int("status", out.StatusCode).
				Str("error_class", string(out.Class)).
				Str("body", body).
				Msg("API rejected request")
			return nil, &APIError{
				URL:        target,
				StatusCode: out.StatusCode,
				ErrorClass: out.Class,
				Message:    http.StatusText(out.StatusCode),
				Body:       body,
			}
		}

		lastClass = out.Class
		if out.Class == ErrorClassNetwork {
			lastErr = &APIError{URL: target, ErrorClass: out.Class, Message: "request failed", Err: out.Err}
		} else {
			lastErr = &APIError{URL: target, StatusCode: out.StatusCode, ErrorClass: out.Class, Message: http.StatusText(out.StatusCode)}
		}

		if n == cfg.MaxAttempts {
			break
		}

		delay := backoff
		if out.Class == ErrorClassRateLimit && out.HasRetryAfter {
			delay = out.RetryAfter
		}

		retriesTotal.WithLabelValues(string(out.Class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(out.Class)).Observe(delay.Seconds())

		event := c.logger.Warn().
			Str("url", target).
			Int("attempt", n).
			Int("max_attempts", cfg.MaxAttempts).
			Str("error_class", string(out.Class)).
			Dur("sleep", delay)
		if out.StatusCode != 0 {
			event = event.Int("status", out.StatusCode)
		}
		if out.Err != nil {
			event = event.Err(out.Err)
		}
		event.Msg("Retrying request after backoff")

		if err := c.sleep(ctx, delay); err != nil {
			c.logger.Warn().
				Str("url", target).
				Int("attempt", n).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		// throttling does not grow the backoff
		if out.Class != ErrorClassRateLimit {
			backoff = cfg.next(backoff)
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	c.logger.Warn().
		Str("url", target).
		Str("error_class", string(lastClass)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetryExhausted, target, cfg.MaxAttempts, lastErr)
}

// sleepContext pauses for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
