package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoQuotaState is returned by GetState when no quota has been recorded.
var ErrNoQuotaState = errors.New("no quota state recorded")

var quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gw2_rate_limit_remaining",
	Help: "Requests remaining in the current API quota window",
})

// Tracker records the quota the API reports on successful responses.
// Redis is optional; without it the tracker only logs and exports metrics.
// Operators running several jobs side by side read the shared Redis keys
// to see how much quota is left.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new quota tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// ParseQuotaHeaders extracts the quota from response headers.
// The boolean is false when the API did not send quota headers.
func ParseQuotaHeaders(headers http.Header, now time.Time) (*QuotaState, bool, error) {
	remainStr := headers.Get(HeaderQuotaRemaining)
	if remainStr == "" {
		return nil, false, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse %s header: %w", HeaderQuotaRemaining, err)
	}

	state := &QuotaState{
		Remaining:  remain,
		LastUpdate: now,
	}

	if resetStr := headers.Get(HeaderQuotaReset); resetStr != "" {
		resetSeconds, err := strconv.Atoi(resetStr)
		if err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderQuotaReset, err)
		}
		state.ResetAt = now.Add(time.Duration(resetSeconds) * time.Second)
	}

	return state, true, nil
}

// UpdateFromHeaders parses the quota headers and records them.
// Missing headers are not an error.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, ok, err := ParseQuotaHeaders(headers, time.Now())
	if err != nil || !ok {
		return err
	}

	quotaRemaining.Set(float64(state.Remaining))

	event := t.logger.Debug()
	if state.IsLow() {
		event = t.logger.Warn()
	}
	event.
		Int("remaining", state.Remaining).
		Str("reset", headers.Get(HeaderQuotaReset)).
		Msg("API quota remaining")

	if t.redis == nil {
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyQuotaRemaining, state.Remaining, 0)
	pipe.Set(ctx, RedisKeyQuotaReset, state.ResetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyQuotaUpdated, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}

	return nil
}

// GetState returns the last quota stored in Redis.
func (t *Tracker) GetState(ctx context.Context) (*QuotaState, error) {
	if t.redis == nil {
		return nil, ErrNoQuotaState
	}

	remaining, err := t.redis.Get(ctx, RedisKeyQuotaRemaining).Int()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoQuotaState
	}
	if err != nil {
		return nil, fmt.Errorf("get quota remaining: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, RedisKeyQuotaReset).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get quota reset: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyQuotaUpdated).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get quota last update: %w", err)
	}

	state := &QuotaState{Remaining: remaining}
	if resetTimestamp > 0 {
		state.ResetAt = time.Unix(resetTimestamp, 0)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse quota last update: %w", err)
		}
	}

	return state, nil
}
