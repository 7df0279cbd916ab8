package ratelimit

import (
	"time"
)

// Response headers carrying the server-side request quota.
const (
	HeaderQuotaRemaining = "X-Rate-Limit-Remaining"
	HeaderQuotaReset     = "X-Rate-Limit-Reset"
)

// Redis keys for the last observed quota.
const (
	RedisKeyQuotaRemaining = "gw2tp:quota:remaining"
	RedisKeyQuotaReset     = "gw2tp:quota:reset_timestamp"
	RedisKeyQuotaUpdated   = "gw2tp:quota:last_update"
)

// QuotaLowThreshold marks the remaining quota below which updates are
// logged at warning level.
const QuotaLowThreshold = 10

// QuotaState is the request quota last reported by the API.
type QuotaState struct {
	// Remaining is taken from the X-Rate-Limit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is derived from X-Rate-Limit-Reset (seconds until reset).
	// Zero when the header was absent.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the headers were observed.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge.
func (s *QuotaState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsLow returns true if the remaining quota is below QuotaLowThreshold.
func (s *QuotaState) IsLow() bool {
	return s.Remaining < QuotaLowThreshold
}

// TimeUntilReset returns the duration until the quota resets.
// Returns 0 if the reset time is unknown or has passed.
func (s *QuotaState) TimeUntilReset() time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}
