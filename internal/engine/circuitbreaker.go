package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker guards a notification sink shared by every relay process.
// State lives in a Redis hash per sink so all processes see the same state.
//
// - Closed: deliveries proceed, consecutive failures are counted.
// - Open: deliveries are skipped until the cooldown has elapsed.
// - Half-open: a single probe is let through. Success closes, failure reopens.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState is a point-in-time view of a sink's circuit.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithThreshold sets how many consecutive failures open the circuit.
func WithThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.failureThreshold = n
		}
	}
}

// WithCooldown sets how long an open circuit rejects deliveries.
func WithCooldown(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.cooldownPeriod = d
		}
	}
}

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: 5,
		cooldownPeriod:   time.Minute,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func cbKey(sink string) string {
	return fmt.Sprintf("relay:cb:%s", sink)
}

// Moves an open circuit whose cooldown has elapsed to half-open. Only the
// caller that performs the transition receives 1 and may send the probe.
var halfOpenScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

if redis.call('HGET', key, 'state') ~= 'open' then
    return 0
end
local last = tonumber(redis.call('HGET', key, 'last_failed_at') or '0')
if now - last < cooldown then
    return 0
end
redis.call('HSET', key, 'state', 'half-open')
return 1
`)

// AllowRequest reports whether a delivery to sink may proceed, along with
// the circuit state it was decided in. Redis errors fail open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, sink string) (string, bool) {
	key := cbKey(sink)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		cb.logger.Error("circuit breaker lookup failed", "error", err, "sink", sink)
		return StateClosed, true
	}
	if len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		won, err := halfOpenScript.Run(ctx, cb.redisClient, []string{key},
			cb.now().Unix(), int64(cb.cooldownPeriod.Seconds()),
		).Int64()
		if err != nil {
			cb.logger.Error("circuit breaker transition failed", "error", err, "sink", sink)
			return StateOpen, false
		}
		if won == 1 {
			cb.logger.Info("circuit breaker half-open", "sink", sink)
			return StateHalfOpen, true
		}
		return StateOpen, false

	case StateHalfOpen:
		// a probe is already in flight
		return StateHalfOpen, false

	default:
		return StateClosed, true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, sink string) {
	key := cbKey(sink)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	if err := cb.redisClient.HSet(ctx, key, "state", StateClosed, "failures", 0).Err(); err != nil {
		cb.logger.Error("failed to record circuit breaker success", "error", err, "sink", sink)
		return
	}

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "sink", sink)
	}
}

// RecordFailure counts a failed delivery and opens the circuit once the
// threshold is reached or when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, sink string) {
	key := cbKey(sink)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "sink", sink)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", cb.now().Unix())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened (probe failed)", "sink", sink)
	case failures >= int64(cb.failureThreshold) && state != StateOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"sink", sink,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the current circuit state for sink.
func (cb *CircuitBreaker) GetState(ctx context.Context, sink string) CircuitBreakerState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(sink)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	if state == "" {
		state = StateClosed
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64); lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}
