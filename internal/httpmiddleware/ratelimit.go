package httpmiddleware

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a client may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// GinMiddleware enforces per-IP limits with the given limiter.
func GinMiddleware(l Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow(c.Request.Context(), ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// RedisLimiter is a fixed-window counter shared across instances.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewRedisLimiter creates a limiter allowing perMinute requests per key.
func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	return &RedisLimiter{client: client, perMinute: perMinute}
}

// Allow increments the current minute's counter for key. Redis being down
// fails open; throttling is not worth dropping attendance marks over.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	window := time.Now().UTC().Format("200601021504")
	redisKey := "rollcall:ratelimit:" + key + ":" + window

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("rate limit check failed, allowing: %v", err)
		return true
	}
	return count.Val() <= int64(l.perMinute)
}

// TokenBucket is an in-memory limiter for single-instance and dev setups.
type TokenBucket struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTokenBucket creates a limiter with capacity tokens refilled at rate
// per minute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     perMinute,
		state:    make(map[string]*bucket),
	}
}

// Allow takes a token for key if one is available.
func (l *TokenBucket) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.state[key]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: l.capacity - 1, last: now}
		l.state[key] = b
		return true
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
