// Package ratelimit bounds request rates on the credential endpoints, keyed by
// scope and client address. This is the outer brute-force bound for OTP
// guessing; the gateway itself keeps no per-code attempt counter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request under key is allowed. When it is
// not, retryAfter says how long until the window reopens.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

var ErrUnavailable = errors.New("rate limiter unavailable")

type Config struct {
	RedisURL   string
	Requests   int
	Window     time.Duration
	TrustProxy bool
}

// ConfigFromEnv reads limiter settings from environment variables.
func ConfigFromEnv() Config {
	requests := 10
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_REQUESTS")); err == nil && v > 0 {
		requests = v
	}
	window := time.Minute
	if v, err := time.ParseDuration(os.Getenv("RATE_LIMIT_WINDOW")); err == nil && v > 0 {
		window = v
	}
	trust, _ := strconv.ParseBool(os.Getenv("RATE_LIMIT_TRUST_PROXY"))
	return Config{
		RedisURL:   os.Getenv("REDIS_URL"),
		Requests:   requests,
		Window:     window,
		TrustProxy: trust,
	}
}

// New returns a RedisLimiter when REDIS_URL is set and a LocalLimiter otherwise.
func New(cfg Config) (Limiter, func() error, error) {
	if cfg.RedisURL == "" {
		return NewLocalLimiter(cfg.Requests, cfg.Window, nil), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisLimiter(client, cfg.Requests, cfg.Window), client.Close, nil
}

// RedisLimiter is a fixed-window counter shared by every instance.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window, prefix: "rl:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := l.prefix + key
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count <= l.limit {
		return true, 0, nil
	}
	ttl, err := l.client.TTL(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		// the expire after the first increment was lost; restore it
		_ = l.client.Expire(ctx, k, l.window).Err()
		ttl = l.window
	}
	return false, ttl, nil
}

// LocalLimiter is a per-process token bucket per key. Buckets idle for a full
// window are dropped on the next sweep.
type LocalLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	window   time.Duration
	buckets  map[string]*bucket
	lastScan time.Time
	clock    clockwork.Clock
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func NewLocalLimiter(requests int, window time.Duration, clock clockwork.Clock) *LocalLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalLimiter{
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		window:  window,
		buckets: map[string]*bucket{},
		clock:   clock,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, l.window, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

func (l *LocalLimiter) sweep(now time.Time) {
	if now.Sub(l.lastScan) < l.window {
		return
	}
	l.lastScan = now
	for k, b := range l.buckets {
		if now.Sub(b.seen) >= l.window {
			delete(l.buckets, k)
		}
	}
}
