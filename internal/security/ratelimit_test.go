package security

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/config"
)

func newTestLimiter(t *testing.T, perHour, perDay int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.UploadConfig{UploadsPerHour: perHour, UploadsPerDay: perDay}
	return NewRateLimiter(client, cfg), mr
}

func TestRateLimiter_AllowsWithinQuota(t *testing.T) {
	rl, _ := newTestLimiter(t, 5, 50)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := rl.Allow(ctx, "203.0.113.1")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRateLimiter_BlocksOverHourlyQuota(t *testing.T) {
	rl, _ := newTestLimiter(t, 2, 50)
	ctx := context.Background()

	ok1, _ := rl.Allow(ctx, "203.0.113.2")
	ok2, _ := rl.Allow(ctx, "203.0.113.2")
	ok3, _ := rl.Allow(ctx, "203.0.113.2")
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
}

func TestRateLimiter_TracksPerIPIndependently(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, 50)
	ctx := context.Background()

	okA, _ := rl.Allow(ctx, "203.0.113.3")
	okB, _ := rl.Allow(ctx, "203.0.113.4")
	require.True(t, okA)
	require.True(t, okB)
}

func TestRateLimiter_SourceIP_IgnoresForwardedForByDefault(t *testing.T) {
	rl := &RateLimiter{cfg: config.UploadConfig{TrustForwardedFor: false}}
	req, _ := http.NewRequest(http.MethodPost, "/upload", nil)
	req.RemoteAddr = "198.51.100.9:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	require.Equal(t, "198.51.100.9", rl.SourceIP(req))
}

func TestRateLimiter_SourceIP_TrustsForwardedForWhenConfigured(t *testing.T) {
	rl := &RateLimiter{cfg: config.UploadConfig{TrustForwardedFor: true}}
	req, _ := http.NewRequest(http.MethodPost, "/upload", nil)
	req.RemoteAddr = "198.51.100.9:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")

	require.Equal(t, "1.2.3.4", rl.SourceIP(req))
}
