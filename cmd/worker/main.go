package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/config"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes mark events and folds them into the per-class/day stats
// counters that back the dashboard's fast path. The document store stays
// the authority; these counters are disposable and carry a TTL.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Fatalf("redis not reachable at %s", cfg.RedisAddr)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:marks")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for mark events...")
	for msg := range messages {
		if msg.Type != "mark" {
			continue
		}

		evt, err := queue.DecodeMarkEvent(msg)
		if err != nil {
			log.Printf("bad mark event: %v", err)
			continue
		}
		if evt.ClassID == "" || evt.Status == "" {
			continue
		}
		count := evt.Count
		if count <= 0 {
			count = 1
		}

		key := fmt.Sprintf("rollcall:stats:%s:%s", evt.ClassID, evt.Day.Format("2006-01-02"))
		pipe := redisClient.Client.TxPipeline()
		pipe.HIncrBy(ctx, key, evt.Status, int64(count))
		pipe.Expire(ctx, key, cfg.StatsTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("stats update failed for %s: %v", key, err)
			continue
		}
		log.Printf("stats %s: %s += %d", key, evt.Status, count)
	}

	log.Println("worker stopped")
}
