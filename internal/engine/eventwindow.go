package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long recorded events are kept.
const DefaultRetention = 24 * time.Hour

// EventWindow counts operational events over trailing windows. Each code is a
// sorted set of event ids scored by occurrence time in milliseconds.
type EventWindow struct {
	redisClient *redis.Client
	logger      *slog.Logger
	retention   time.Duration
	script      *redis.Script
}

// Atomically trims entries older than the retention window, adds the new
// entry and refreshes the key TTL.
var recordEventScript = redis.NewScript(`
local key = KEYS[1]
local at = tonumber(ARGV[1])
local retention = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, '-inf', at - retention)
redis.call('ZADD', key, at, member)
redis.call('PEXPIRE', key, retention)
return redis.call('ZCARD', key)
`)

func NewEventWindow(redisClient *redis.Client, logger *slog.Logger, retention time.Duration) *EventWindow {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &EventWindow{
		redisClient: redisClient,
		logger:      logger,
		retention:   retention,
		script:      recordEventScript,
	}
}

func ewKey(code string) string {
	return fmt.Sprintf("relay:events:%s", code)
}

// Record stores one occurrence of code at the given time.
func (w *EventWindow) Record(ctx context.Context, code string, at time.Time) error {
	member := uuid.NewString()
	size, err := w.script.Run(ctx, w.redisClient, []string{ewKey(code)},
		at.UnixMilli(), w.retention.Milliseconds(), member,
	).Int64()
	if err != nil {
		return fmt.Errorf("recording %s event: %w", code, err)
	}
	w.logger.Debug("ops event recorded", "code", code, "window_size", size)
	return nil
}

// CountSince returns how many occurrences of code happened at or after since.
func (w *EventWindow) CountSince(ctx context.Context, code string, since time.Time) (int64, error) {
	n, err := w.redisClient.ZCount(ctx, ewKey(code), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("counting %s events: %w", code, err)
	}
	return n, nil
}
