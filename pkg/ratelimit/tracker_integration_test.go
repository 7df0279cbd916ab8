//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_RoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	if _, err := tracker.GetState(ctx); !errors.Is(err, ErrNoQuotaState) {
		t.Fatalf("GetState() on empty Redis error = %v, want ErrNoQuotaState", err)
	}

	headers := http.Header{}
	headers.Set(HeaderQuotaRemaining, "42")
	headers.Set(HeaderQuotaReset, "60")

	before := time.Now()
	if err := tracker.UpdateFromHeaders(ctx, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}

	if state.Remaining != 42 {
		t.Errorf("Remaining = %d, want 42", state.Remaining)
	}
	if state.ResetAt.Before(before.Add(59 * time.Second).Truncate(time.Second)) {
		t.Errorf("ResetAt = %v, want about 60s after %v", state.ResetAt, before)
	}
	if state.LastUpdate.Before(before.Add(-time.Second)) {
		t.Errorf("LastUpdate = %v, want after %v", state.LastUpdate, before)
	}
	if state.IsStale(time.Minute) {
		t.Error("Freshly stored state should not be stale")
	}
}

func TestTracker_Integration_Overwrite(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(redisClient, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	ctx := context.Background()

	for _, remain := range []string{"300", "150", "7"} {
		headers := http.Header{}
		headers.Set(HeaderQuotaRemaining, remain)
		if err := tracker.UpdateFromHeaders(ctx, headers); err != nil {
			t.Fatalf("UpdateFromHeaders(%s) error = %v", remain, err)
		}
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 7 {
		t.Errorf("Remaining = %d, want last value 7", state.Remaining)
	}
	if !state.IsLow() {
		t.Error("Remaining 7 should be low")
	}
	if !state.ResetAt.IsZero() {
		t.Errorf("ResetAt = %v, want zero without reset header", state.ResetAt)
	}
}
