package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sonara-chat/sonara/internal/infra/cache"
)

// Limiter throttles inbound events per connection. Gift sends get a
// tighter budget than presence chatter. Redis counters give a shared
// view across instances; without redis each instance falls back to
// local token buckets.
type Limiter struct {
	cache       *cache.Cache
	enabled     bool
	limits      map[string]LimitConfig
	localCache  map[string]*rate.Limiter
	mu          sync.RWMutex
	cleanupDone chan struct{}
}

type LimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

const (
	ClassDefault = "default"
	ClassGift    = "gift"
	ClassJoin    = "join"
)

func NewLimiter(cacheClient *cache.Cache, requestsPerMinute, burst int, enabled bool) *Limiter {
	l := &Limiter{
		cache:   cacheClient,
		enabled: enabled,
		limits: map[string]LimitConfig{
			ClassDefault: {
				RequestsPerMinute: requestsPerMinute,
				Burst:             burst,
			},
			ClassGift: {
				RequestsPerMinute: 30,
				Burst:             5,
			},
			ClassJoin: {
				RequestsPerMinute: 20,
				Burst:             5,
			},
		},
		localCache:  make(map[string]*rate.Limiter),
		cleanupDone: make(chan struct{}),
	}

	if enabled {
		go l.cleanup()
	}

	return l
}

// Allow checks the budget for one event from the given connection.
// class selects the limit profile; unknown classes use the default.
func (l *Limiter) Allow(ctx context.Context, connID, class string) (bool, error) {
	if !l.enabled {
		return true, nil
	}

	config, ok := l.limits[class]
	if !ok {
		class = ClassDefault
		config = l.limits[ClassDefault]
	}

	key := connID + ":" + class

	if l.cache != nil {
		return l.allowRedis(ctx, key, config)
	}
	return l.allowLocal(key, config), nil
}

func (l *Limiter) allowLocal(key string, config LimitConfig) bool {
	l.mu.Lock()
	limiter, exists := l.localCache[key]
	if !exists {
		limit := rate.Limit(float64(config.RequestsPerMinute) / 60.0)
		limiter = rate.NewLimiter(limit, config.Burst)
		l.localCache[key] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *Limiter) allowRedis(ctx context.Context, key string, config LimitConfig) (bool, error) {
	cacheKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := l.cache.Incr(ctx, cacheKey)
	if err != nil {
		return l.allowLocal(key, config), nil
	}

	if count == 1 {
		_ = l.cache.Expire(ctx, cacheKey, time.Minute)
	}

	return count <= int64(config.RequestsPerMinute), nil
}

// Forget drops per-connection limiter state after disconnect.
func (l *Limiter) Forget(ctx context.Context, connID string) {
	l.mu.Lock()
	for key := range l.localCache {
		if len(key) >= len(connID) && key[:len(connID)] == connID {
			delete(l.localCache, key)
		}
	}
	l.mu.Unlock()

	if l.cache != nil {
		for class := range l.limits {
			_ = l.cache.Delete(ctx, fmt.Sprintf("ratelimit:%s:%s", connID, class))
		}
	}
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.localCache = make(map[string]*rate.Limiter)
			l.mu.Unlock()
		case <-l.cleanupDone:
			return
		}
	}
}

func (l *Limiter) Close() {
	close(l.cleanupDone)
}
