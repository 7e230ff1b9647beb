package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the client shared by the mark queue, the rate limiter, and
// the per-class stats counters.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects with short timeouts. Redis is a soft dependency for the
// API (callers fall back to in-process alternatives when it is down), so a
// slow broker must not stall request handling.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
	return &Redis{Client: client}
}

// Healthy verifies connectivity with a ping.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}
