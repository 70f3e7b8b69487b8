package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// transitionScript applies one operation to a breaker stored as a hash with
// the fields state, failures, successes and opened_at (milliseconds, Redis
// clock). It returns the state after the operation.
//
// KEYS[1]: breaker hash
// ARGV: op ("allow" | "success" | "failure"), failure threshold,
// success threshold, open timeout in milliseconds
var transitionScript = redis.NewScript(`
local key = KEYS[1]
local op = ARGV[1]

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call('HGET', key, 'state') or 'closed'

if op == 'allow' then
    if state == 'open' then
        local openedAt = tonumber(redis.call('HGET', key, 'opened_at') or '0')
        if now - openedAt >= tonumber(ARGV[4]) then
            redis.call('HSET', key, 'state', 'half-open', 'successes', 0)
            state = 'half-open'
        end
    end
elseif op == 'success' then
    if state == 'closed' then
        redis.call('HSET', key, 'failures', 0)
    elseif state == 'half-open' then
        local successes = redis.call('HINCRBY', key, 'successes', 1)
        if successes >= tonumber(ARGV[3]) then
            redis.call('HSET', key, 'state', 'closed', 'failures', 0, 'successes', 0)
            state = 'closed'
        end
    end
elseif op == 'failure' then
    if state == 'closed' then
        local failures = redis.call('HINCRBY', key, 'failures', 1)
        if failures >= tonumber(ARGV[2]) then
            redis.call('HSET', key, 'state', 'open', 'opened_at', now)
            state = 'open'
        end
    elseif state == 'half-open' then
        redis.call('HSET', key, 'state', 'open', 'opened_at', now, 'successes', 0)
        state = 'open'
    end
end

return state
`)

// RedisClient is the subset of *redis.Client the breaker needs.
type RedisClient interface {
	redis.Scripter
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// RedisCircuitBreaker keeps one deployment's breaker in Redis so every gateway
// instance sees the same state. When Redis is unreachable it lets calls
// through.
type RedisCircuitBreaker struct {
	client     RedisClient
	deployment string
	config     Config
	key        string
}

func NewRedisWithClient(client RedisClient, deployment string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:     client,
		deployment: deployment,
		config:     cfg,
		key:        "foundrygw:cb:" + deployment,
	}
}

func (cb *RedisCircuitBreaker) transition(ctx context.Context, op string) (State, error) {
	result, err := transitionScript.Run(ctx, cb.client, []string{cb.key},
		op,
		cb.config.FailureThreshold,
		cb.config.SuccessThreshold,
		cb.config.Timeout.Milliseconds(),
	).Text()
	if err != nil {
		return StateClosed, err
	}
	return parseState(result), nil
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	state, err := cb.transition(ctx, "allow")
	if err != nil {
		slog.Warn("circuit breaker state unavailable", "deployment", cb.deployment, "error", err)
		return nil
	}
	if state == StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	if _, err := cb.transition(ctx, "success"); err != nil {
		slog.Warn("record circuit breaker success", "deployment", cb.deployment, "error", err)
	}
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	if _, err := cb.transition(ctx, "failure"); err != nil {
		slog.Warn("record circuit breaker failure", "deployment", cb.deployment, "error", err)
	}
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("read circuit breaker state", "deployment", cb.deployment, "error", err)
		}
		return StateClosed
	}
	return parseState(result)
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
