// Package ratelimit bounds attempts per key, either in process or shared
// across instances through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Config allows Requests events per Window for every key.
type Config struct {
	Requests int
	Window   time.Duration
}

func (c Config) valid() error {
	if c.Requests <= 0 || c.Window <= 0 {
		return fmt.Errorf("ratelimit: requests and window must be positive, got %d per %s", c.Requests, c.Window)
	}
	return nil
}

// Local is a token bucket per key held in memory.
type Local struct {
	cfg   Config
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	seen  map[string]*bucket
	swept time.Time
}

type bucket struct {
	lim  *rate.Limiter
	last time.Time
}

// NewLocal returns an in-process limiter. Buckets idle for longer than the
// window (at least five minutes) are dropped.
func NewLocal(cfg Config) (*Local, error) {
	if err := cfg.valid(); err != nil {
		return nil, err
	}
	ttl := cfg.Window
	if ttl < 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &Local{cfg: cfg, ttl: ttl, now: time.Now, seen: make(map[string]*bucket)}, nil
}

// Allow consumes one token for key.
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > time.Minute {
		l.sweepLocked(now)
	}
	b, ok := l.seen[key]
	if !ok {
		every := l.cfg.Window / time.Duration(l.cfg.Requests)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), l.cfg.Requests)}
		l.seen[key] = b
	}
	b.last = now
	return b.lim.AllowN(now, 1), nil
}

// Len reports the number of tracked keys.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func (l *Local) sweepLocked(now time.Time) {
	for k, b := range l.seen {
		if now.Sub(b.last) > l.ttl {
			delete(l.seen, k)
		}
	}
	l.swept = now
}

// fixedWindow increments the counter and starts its expiry on the first hit
// only, so retries inside a window do not extend it.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Redis is a fixed-window counter shared by every instance using the same
// Redis and prefix.
type Redis struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedis returns a Redis-backed limiter.
func NewRedis(client *redis.Client, cfg Config, prefix string) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("ratelimit: redis client is required")
	}
	if err := cfg.valid(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, cfg: cfg, prefix: prefix}, nil
}

// Allow counts one event for key. On Redis failure it allows the event and
// returns the error so the caller can log it.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	n, err := fixedWindow.Run(ctx, r.client, []string{r.key(key)}, r.cfg.Window.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	return n <= int64(r.cfg.Requests), nil
}

// Remaining returns the number of events left in the current window.
func (r *Redis) Remaining(ctx context.Context, key string) (int, error) {
	count, err := r.client.Get(ctx, r.key(key)).Int()
	if err == redis.Nil {
		return r.cfg.Requests, nil
	}
	if err != nil {
		return 0, err
	}
	if remaining := r.cfg.Requests - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Reset clears the counter for key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) key(k string) string { return r.prefix + ":" + k }
