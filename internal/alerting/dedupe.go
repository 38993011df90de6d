package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper decides whether an alert key may be delivered now. Allow records
// the delivery when it returns true.
type Deduper interface {
	Allow(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
}

// MemoryDeduper deduplicates within one process.
type MemoryDeduper struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{last: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Allow(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[key]; ok && now.Sub(prev) < window {
		return false, nil
	}
	d.last[key] = now
	return true, nil
}

// RedisDeduper deduplicates across processes with SET NX PX, so the first
// emitter inside the window wins.
type RedisDeduper struct {
	redisClient *redis.Client
	prefix      string
}

func NewRedisDeduper(redisClient *redis.Client) *RedisDeduper {
	return &RedisDeduper{redisClient: redisClient, prefix: "relay:alert-dedupe:"}
}

func (d *RedisDeduper) Allow(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := d.redisClient.SetNX(ctx, d.prefix+key, now.UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("checking alert dedupe key: %w", err)
	}
	return ok, nil
}
