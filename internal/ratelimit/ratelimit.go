// Package ratelimit enforces fixed-window per-user event quotas backed
// by a shared counter store, so all gateway instances count against the
// same budget.
package ratelimit

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/pkg/redis"
)

// Store is the counter backend. One counter per (subject, scope) pair,
// expiring at the end of its window.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	rdb goredis.Cmdable
}

func NewRedisStore(rdb goredis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter applies a fixed window of defaultLimit events per subject and
// scope, with optional per-scope overrides.
type Limiter struct {
	store        Store
	window       time.Duration
	defaultLimit int
	overrides    map[string]int
	failOpen     bool
	log          *zap.Logger
}

// Config carries the limiter knobs.
type Config struct {
	Window       time.Duration
	DefaultLimit int
	Overrides    map[string]int
	FailOpen     bool
}

// New creates a limiter over the given counter store.
func New(store Store, cfg Config, log *zap.Logger) *Limiter {
	return &Limiter{
		store:        store,
		window:       cfg.Window,
		defaultLimit: cfg.DefaultLimit,
		overrides:    cfg.Overrides,
		failOpen:     cfg.FailOpen,
		log:          log.With(zap.String("component", "ratelimit")),
	}
}

// Allow consumes one unit of the subject's quota for the scope. When the
// counter store is unreachable the configured failure policy decides;
// with fail-open the request passes so a Redis outage degrades quota
// enforcement rather than taking the service down.
func (l *Limiter) Allow(ctx context.Context, subject, scope string) Decision {
	limit := int64(l.defaultLimit)
	if v, ok := l.overrides[scope]; ok {
		limit = int64(v)
	}
	key := redis.RateLimitKey(subject, scope)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.onStoreError("incrementing rate limit counter", err)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			return l.onStoreError("arming rate limit window", err)
		}
	}
	if count > limit {
		retryAfter := l.window
		if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Remaining: limit - count}
}

func (l *Limiter) onStoreError(op string, err error) Decision {
	l.log.Warn("rate limit store unavailable",
		zap.String("op", op),
		zap.Bool("fail_open", l.failOpen),
		zap.Error(err),
	)
	if l.failOpen {
		return Decision{Allowed: true, Remaining: -1}
	}
	return Decision{Allowed: false, RetryAfter: l.window}
}
