package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// velocityScript trims the actor's window, refuses at the ceiling and
// otherwise records the attempt, all in one round trip.
// Returns {1, 0} when admitted or {0, retryAfterMillis}.
var velocityScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = tonumber(oldest[2]) + window - now + 1
	if retry < 1 then
		retry = 1
	end
	return {0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// quotaReserveScript increments the day counter unless it is at the ceiling.
// Returns {1, count} when reserved or {0, count}.
var quotaReserveScript = redis.NewScript(`
local key = KEYS[1]
local ceiling = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
if current >= ceiling then
	return {0, current}
end
local next = redis.call('INCR', key)
if next == 1 then
	redis.call('PEXPIRE', key, ARGV[2])
end
return {1, next}
`)

var quotaReleaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// quotaGrace keeps a day counter readable briefly past midnight so a late
// release still finds its key.
const quotaGrace = time.Hour

// RedisGuard enforces both limits atomically against shared Redis state, so
// every API replica sees the same counters.
type RedisGuard struct {
	client *redis.Client
	clock  clockwork.Clock
	limits Limits
	prefix string
}

// NewRedisGuard connects to redisURL and verifies the connection.
func NewRedisGuard(redisURL string, limits Limits, clock clockwork.Clock) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisGuardWithClient(client, limits, clock), nil
}

// NewRedisGuardWithClient creates a guard from an existing Redis client
func NewRedisGuardWithClient(client *redis.Client, limits Limits, clock clockwork.Clock) *RedisGuard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisGuard{
		client: client,
		clock:  clock,
		limits: limits.withDefaults(),
		prefix: "tally:",
	}
}

func (g *RedisGuard) velocityKey(actorID string) string {
	return g.prefix + "velocity:" + actorID
}

func (g *RedisGuard) quotaKey(actorID string, now time.Time) string {
	return g.prefix + "quota:" + actorID + ":" + now.UTC().Format("20060102")
}

// Admit records one submission attempt if the velocity window has room.
func (g *RedisGuard) Admit(ctx context.Context, actorID string) (Decision, error) {
	now := g.clock.Now()
	result, err := velocityScript.Run(ctx, g.client,
		[]string{g.velocityKey(actorID)},
		now.UnixMilli(),
		g.limits.VelocityWindow.Milliseconds(),
		g.limits.VelocityLimit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("velocity check: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("velocity check: unexpected reply %v", result)
	}
	if result[0] == 1 {
		return allow(), nil
	}
	return deny(time.Duration(result[1]) * time.Millisecond), nil
}

// ReserveNewVote claims one unit of today's quota.
func (g *RedisGuard) ReserveNewVote(ctx context.Context, actorID string) (Decision, error) {
	now := g.clock.Now()
	ttl := untilNextDay(now) + quotaGrace
	result, err := quotaReserveScript.Run(ctx, g.client,
		[]string{g.quotaKey(actorID, now)},
		g.limits.DailyQuota,
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("quota reserve: unexpected reply %v", result)
	}
	if result[0] == 1 {
		return allow(), nil
	}
	return deny(untilNextDay(now)), nil
}

// ReleaseNewVote returns a unit reserved by ReserveNewVote that did not
// become a stored vote.
func (g *RedisGuard) ReleaseNewVote(ctx context.Context, actorID string) error {
	if err := quotaReleaseScript.Run(ctx, g.client, []string{g.quotaKey(actorID, g.clock.Now())}).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// Ping checks if Redis is reachable
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
