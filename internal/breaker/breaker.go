// Package breaker is a Redis-hash-backed circuit breaker keyed per
// external service, shared by every adapter so breaker state survives
// process restarts and is visible across worker instances.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/metrics"
	"github.com/scholarly/ingestd/internal/model"
)

// Breaker is a per-service circuit breaker backed by a Redis hash, so state
// survives process restarts and is shared across worker instances.
type Breaker struct {
	redis            *redis.Client
	failureThreshold int
	window           time.Duration
	openDuration     time.Duration
	probeTimeout     time.Duration
}

// New builds a Breaker from the circuit configuration.
func New(redisClient *redis.Client, failureThreshold int, window, openDuration, probeTimeout time.Duration) *Breaker {
	return &Breaker{
		redis:            redisClient,
		failureThreshold: failureThreshold,
		window:           window,
		openDuration:     openDuration,
		probeTimeout:     probeTimeout,
	}
}

func key(service string) string { return fmt.Sprintf("breaker:%s", service) }

// Allow reports whether a call to service may proceed. An open breaker
// past its cooldown transitions to half-open and allows exactly the probe.
func (b *Breaker) Allow(ctx context.Context, service string) bool {
	k := key(service)

	state, err := b.redis.HGet(ctx, k, "state").Result()
	if err != nil || state == "" || state == string(model.BreakerClosed) {
		return true
	}
	if state == string(model.BreakerHalfOpen) {
		// A probe is already in flight; only let it through once per
		// probe window by checking a short-lived marker.
		set, _ := b.redis.SetNX(ctx, k+":probe", "1", b.probeTimeout).Result()
		return set
	}

	// Open: check whether the cooldown has elapsed.
	retryAtStr, _ := b.redis.HGet(ctx, k, "retry_at").Result()
	retryAt, _ := strconv.ParseInt(retryAtStr, 10, 64)
	if time.Now().Unix() < retryAt {
		return false
	}

	b.redis.HSet(ctx, k, "state", string(model.BreakerHalfOpen))
	b.redis.Set(ctx, k+":probe", "1", b.probeTimeout)
	metrics.BreakerHalfOpened(service)
	log.Info().Str("service", service).Msg("breaker moved to half-open")
	return true
}

// RecordSuccess counts a successful call to service. A success while the
// breaker is open or half-open closes it and clears its stored state; in
// the closed state the failure count is left to expire with the window.
func (b *Breaker) RecordSuccess(ctx context.Context, service string) {
	k := key(service)
	state, _ := b.redis.HGet(ctx, k, "state").Result()
	b.redis.HIncrBy(ctx, k, "total_calls", 1)
	b.redis.HIncrBy(ctx, k, "successes", 1)
	if state == "" || state == string(model.BreakerClosed) {
		return
	}
	b.redis.Del(ctx, k, k+":probe")
	metrics.BreakerClosed(service)
	log.Info().Str("service", service).Msg("breaker closed (reset on success)")
}

// RecordFailure registers a failure against service, opening the breaker
// once the failure threshold within window is reached.
func (b *Breaker) RecordFailure(ctx context.Context, service string) {
	k := key(service)

	b.redis.HIncrBy(ctx, k, "total_calls", 1)
	b.redis.HIncrBy(ctx, k, "total_failures", 1)

	failuresStr, _ := b.redis.HGet(ctx, k, "failures").Result()
	failures, _ := strconv.Atoi(failuresStr)
	failures++

	if failures < b.failureThreshold {
		b.redis.HSet(ctx, k, "failures", failures)
		b.redis.Expire(ctx, k, b.window)
		return
	}

	backoff := b.openDuration
	for i := b.failureThreshold; i < failures; i++ {
		backoff *= 2
		if backoff > b.openDuration*8 {
			backoff = b.openDuration * 8
			break
		}
	}

	retryAt := time.Now().Add(backoff).Unix()
	openedAt := time.Now().Unix()

	b.redis.HSet(ctx, k, map[string]interface{}{
		"state":     string(model.BreakerOpen),
		"retry_at":  retryAt,
		"failures":  failures,
		"opened_at": openedAt,
	})
	b.redis.Del(ctx, k+":probe")
	b.redis.Expire(ctx, k, 10*time.Minute)

	metrics.BreakerOpened(service)
	log.Warn().
		Str("service", service).
		Dur("cooldown", backoff).
		Int("failures", failures).
		Msg("breaker opened")
}

// State returns the observable snapshot for a service, used by /status.
func (b *Breaker) State(ctx context.Context, service string) model.ServiceBreakerState {
	k := key(service)
	vals, err := b.redis.HGetAll(ctx, k).Result()
	out := model.ServiceBreakerState{Service: service, State: model.BreakerClosed}
	if err != nil || len(vals) == 0 {
		return out
	}

	if s, ok := vals["state"]; ok && s != "" {
		out.State = model.BreakerState(s)
	}
	if f, err := strconv.Atoi(vals["failures"]); err == nil {
		out.FailureCount = f
	}
	if sc, err := strconv.Atoi(vals["successes"]); err == nil {
		out.SuccessCount = sc
	}
	if tc, err := strconv.ParseInt(vals["total_calls"], 10, 64); err == nil {
		out.TotalCalls = tc
	}
	if tf, err := strconv.ParseInt(vals["total_failures"], 10, 64); err == nil {
		out.TotalFailures = tf
	}
	if oa, err := strconv.ParseInt(vals["opened_at"], 10, 64); err == nil && oa > 0 {
		t := time.Unix(oa, 0)
		out.OpenedAt = &t
	}
	return out
}

// Execute runs fn under the breaker for service: it short-circuits with a
// ServiceUnavailable error when the breaker is open, and records the
// outcome of fn against the breaker otherwise.
func (b *Breaker) Execute(ctx context.Context, service string, fn func(context.Context) error) error {
	if !b.Allow(ctx, service) {
		return apierrors.New(apierrors.KindServiceUnavailable, fmt.Sprintf("%s circuit open", service))
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure(ctx, service)
		return err
	}
	b.RecordSuccess(ctx, service)
	return nil
}
