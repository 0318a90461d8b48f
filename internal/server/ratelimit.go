package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds request volume at the edge. The global bucket
// protects the process as a whole; the sign limiter throttles admission
// requests per admin so one operator cannot starve the rest.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	SignLimit     int
	SignWindow    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global      *tokenBucket
	signLimit   int
	signWindow  time.Duration
	signMu      sync.Mutex
	signBuckets map[string]*adminLimiter
	store       tokenStore
}

type adminLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

// newSignStore is a seam for tests; constructor failures fall back to
// process-local buckets.
var newSignStore = newRedisStore

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		signLimit:   cfg.SignLimit,
		signWindow:  cfg.SignWindow,
		signBuckets: make(map[string]*adminLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.signWindow <= 0 {
		rl.signWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.signLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		if store := newSignStore(cfg.RedisAddr, cfg.RedisPassword, timeout); store != nil {
			rl.store = store
		}
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowSign throttles admission requests per admin identity. With a
// Redis store configured the window is shared across replicas;
// otherwise each process keeps local buckets.
func (r *rateLimiter) AllowSign(adminID string) (bool, time.Duration, error) {
	if r == nil || r.signLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("mediagate:signrl:%s", adminID), r.signLimit, r.signWindow)
	}
	if adminID == "" {
		adminID = "unknown"
	}
	r.signMu.Lock()
	limiter, exists := r.signBuckets[adminID]
	if !exists {
		rate := float64(r.signLimit) / r.signWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.signWindow.Seconds()
		}
		limiter = &adminLimiter{bucket: newTokenBucket(rate, r.signLimit)}
		r.signBuckets[adminID] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.signMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) Close() {
	if r == nil || r.store == nil {
		return
	}
	_ = r.store.Close()
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.signBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.signWindow)
	for key, limiter := range r.signBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.signBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
