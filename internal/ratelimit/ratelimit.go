// Package ratelimit provides the fixed-window limiter guarding LLM provider
// calls. A Redis counter is shared between concurrent runs when configured;
// otherwise the window is kept in process.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const window = time.Minute

// Limiter enforces requests-per-minute limits per key.
type Limiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config Config

	mu    sync.Mutex
	local map[string]*localWindow

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Config configures the limiter
type Config struct {
	// RequestsPerMinute applies to keys without an entry in Providers. Zero
	// disables limiting.
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	Providers         map[string]int `yaml:"providers"`
	KeyPrefix         string         `yaml:"key_prefix"`
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Shared     bool // counted in Redis
}

type localWindow struct {
	start time.Time
	count int
}

// New creates a limiter. A nil client keeps all counters in process.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "corrforge:ratelimit"
	}
	return &Limiter{
		redis:  client,
		logger: logger,
		config: cfg,
		local:  make(map[string]*localWindow),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Limit returns the effective per-minute limit for key.
func (l *Limiter) Limit(key string) int {
	if n, ok := l.config.Providers[key]; ok {
		return n
	}
	return l.config.RequestsPerMinute
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// Check consumes one request slot for key if one is available.
func (l *Limiter) Check(ctx context.Context, key string) (*Result, error) {
	limit := l.Limit(key)
	if limit <= 0 {
		return &Result{Allowed: true}, nil
	}

	if l.redis != nil {
		res, err := l.checkRedis(ctx, key, limit)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Warn("Shared rate limit unavailable, using local window",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	return l.checkLocal(key, limit), nil
}

func (l *Limiter) checkRedis(ctx context.Context, key string, limit int) (*Result, error) {
	redisKey := fmt.Sprintf("%s:%s:minute", l.config.KeyPrefix, key)
	vals, err := incrScript.Run(ctx, l.redis, []string{redisKey}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected script reply %v", vals)
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return l.result(count, limit, l.now().Add(ttl), true), nil
}

func (l *Limiter) checkLocal(key string, limit int) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.local[key]
	if !ok || now.Sub(w.start) >= window {
		w = &localWindow{start: now}
		l.local[key] = w
	}
	w.count++

	res := l.result(w.count, limit, w.start.Add(window), false)
	if !res.Allowed {
		// Rejected requests do not consume a slot.
		w.count--
	}
	return res
}

func (l *Limiter) result(count, limit int, resetAt time.Time, shared bool) *Result {
	res := &Result{
		Allowed:   count <= limit,
		Remaining: limit - count,
		Limit:     limit,
		ResetAt:   resetAt,
		Shared:    shared,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(l.now())
		if res.RetryAfter <= 0 {
			res.RetryAfter = 10 * time.Millisecond
		}
	}
	return res
}

// Wait blocks until a slot for key is available or ctx is done. It returns
// the time spent waiting.
func (l *Limiter) Wait(ctx context.Context, key string) (time.Duration, error) {
	start := l.now()
	for {
		res, err := l.Check(ctx, key)
		if err != nil {
			return l.now().Sub(start), err
		}
		if res.Allowed {
			return l.now().Sub(start), nil
		}

		l.logger.Debug("Rate limit reached, waiting",
			zap.String("key", key),
			zap.Int("limit", res.Limit),
			zap.Duration("retry_after", res.RetryAfter),
		)
		if err := l.sleep(ctx, res.RetryAfter); err != nil {
			return l.now().Sub(start), err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
