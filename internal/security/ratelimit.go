package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/scholarly/ingestd/internal/config"
)

// RateLimiter enforces the per-source-IP upload quotas, counted in fixed
// hourly and daily Redis windows so the limit is shared across every
// process behind a load balancer.
type RateLimiter struct {
	redis *redis.Client
	cfg   config.UploadConfig
}

// NewRateLimiter builds a RateLimiter from the upload configuration.
func NewRateLimiter(redisClient *redis.Client, cfg config.UploadConfig) *RateLimiter {
	return &RateLimiter{redis: redisClient, cfg: cfg}
}

// SourceIP resolves the client IP for rate-limiting purposes. When
// TrustForwardedFor is false (the safe default), X-Forwarded-For is
// ignored since it is trivially spoofable by any direct caller; only
// RemoteAddr is trusted.
func (r *RateLimiter) SourceIP(req *http.Request) string {
	if r.cfg.TrustForwardedFor {
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// Allow checks and increments both the hourly and daily counters for ip,
// returning false (without double-incrementing) as soon as either is
// exhausted.
func (r *RateLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	now := time.Now().UTC()
	hourKey := fmt.Sprintf("ratelimit:upload:%s:h:%s", ip, now.Format("2006010215"))
	dayKey := fmt.Sprintf("ratelimit:upload:%s:d:%s", ip, now.Format("20060102"))

	hourCount, err := r.redis.Incr(ctx, hourKey).Result()
	if err != nil {
		return false, err
	}
	if hourCount == 1 {
		r.redis.Expire(ctx, hourKey, time.Hour)
	}
	if int(hourCount) > r.cfg.UploadsPerHour {
		return false, nil
	}

	dayCount, err := r.redis.Incr(ctx, dayKey).Result()
	if err != nil {
		return false, err
	}
	if dayCount == 1 {
		r.redis.Expire(ctx, dayKey, 24*time.Hour)
	}
	if int(dayCount) > r.cfg.UploadsPerDay {
		return false, nil
	}

	return true, nil
}
