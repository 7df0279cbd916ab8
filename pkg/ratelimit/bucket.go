// Package ratelimit paces outbound API requests with a token bucket and
// tracks the remaining request quota reported by the API.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MinSleep is the shortest wait between two refill checks.
const MinSleep = 50 * time.Millisecond

var (
	limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw2_limiter_wait_seconds",
		Help:    "Time spent waiting for rate limiter tokens",
		Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	limiterTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gw2_limiter_tokens",
		Help: "Tokens left in the rate limiter bucket after the last admission",
	})
)

// Bucket is a token bucket limiter. It holds up to capacity tokens and
// refills at refillRate tokens per second. Refill is lazy: it is computed
// from the monotonic clock on every Consume call.
//
// Bucket is safe for concurrent use.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// NewBucket creates a full bucket.
func NewBucket(capacity int, refillRate float64) (*Bucket, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1 (got %d)", capacity)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("refill rate must be > 0 (got %v)", refillRate)
	}

	b := &Bucket{
		capacity: float64(capacity),
		rate:     refillRate,
		tokens:   float64(capacity),
		now:      time.Now,
		sleep:    sleepContext,
		logger:   log.With().Str("component", "rate-limiter").Logger(),
	}
	b.last = b.now()

	return b, nil
}

// SetLogger replaces the logger used for wait diagnostics.
func (b *Bucket) SetLogger(logger zerolog.Logger) {
	b.logger = logger
}

// Wait blocks until one token is available and takes it.
func (b *Bucket) Wait(ctx context.Context) error {
	return b.Consume(ctx, 1)
}

// Consume blocks until n tokens are available, then debits them.
// It never rejects a request; the only error is a cancelled context.
//
// n must not exceed the bucket capacity. Such a call is a contract
// violation and keeps waiting for a balance the bucket can never hold.
func (b *Bucket) Consume(ctx context.Context, n int) error {
	need := float64(n)
	start := b.now()
	waited := false

	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= need {
			b.tokens -= need
			tokens := b.tokens
			b.mu.Unlock()

			limiterTokens.Set(tokens)
			if waited {
				wait := b.now().Sub(start)
				limiterWaitSeconds.Observe(wait.Seconds())
				b.logger.Debug().
					Int("tokens", n).
					Dur("waited", wait).
					Msg("Rate limiter admitted request after wait")
			} else {
				limiterWaitSeconds.Observe(0)
			}
			return nil
		}

		shortfall := need - b.tokens
		b.mu.Unlock()

		pause := time.Duration(shortfall / b.rate * float64(time.Second))
		if pause < MinSleep {
			pause = MinSleep
		}

		waited = true
		if err := b.sleep(ctx, pause); err != nil {
			return err
		}
	}
}

// Tokens returns the current balance after a refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// Capacity returns the maximum number of tokens the bucket holds.
func (b *Bucket) Capacity() int {
	return int(b.capacity)
}

// refillLocked adds the tokens accrued since the last refill.
// b.mu must be held.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed.Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// sleepContext pauses for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
