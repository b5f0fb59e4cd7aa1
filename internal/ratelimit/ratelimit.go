package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whereabouts/internal/fault"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
)

var ErrTooManyAttempts = errors.New("too many attempts")

const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// RateLimiter counts attempts per key in fixed windows kept in Redis. After
// repeated Redis failures a circuit breaker stops calling Redis for a while and
// every check fails fast as a transient error.
type RateLimiter struct {
	redis   *redis.Client
	limit   int64
	window  time.Duration
	breaker *gobreaker.CircuitBreaker[int64]
}

func NewRateLimiter(redis *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:  redis,
		limit:  int64(limit),
		window: window,
		breaker: gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
			Name:        "join-ratelimit",
			MaxRequests: 1,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
		}),
	}
}

// CheckJoin counts one join attempt from key, usually the client IP. Group
// codes are short, so unbounded attempts would allow guessing them.
func (r *RateLimiter) CheckJoin(ctx context.Context, key string) error {
	return r.check(ctx, fmt.Sprintf("join_attempts:%s", key))
}

func (r *RateLimiter) check(ctx context.Context, key string) error {
	count, err := r.breaker.Execute(func() (int64, error) {
		count, err := r.redis.Incr(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		if count == 1 {
			r.redis.Expire(ctx, key, r.window)
		}
		return count, nil
	})
	if err != nil {
		return fmt.Errorf("%w: ratelimit: %w", fault.ErrTransientStore, err)
	}

	if count > r.limit {
		return ErrTooManyAttempts
	}

	return nil
}

func (r *RateLimiter) ResetJoin(ctx context.Context, key string) error {
	return r.redis.Del(ctx, fmt.Sprintf("join_attempts:%s", key)).Err()
}

// State reports the breaker state: closed, half-open or open.
func (r *RateLimiter) State() string {
	return r.breaker.State().String()
}
