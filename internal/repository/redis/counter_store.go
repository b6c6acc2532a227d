package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"usage-integrity-service/internal/client"
	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/util"
)

const (
	countersKeyPrefix = "gen_counters:"
	counterOpTimeout  = 5 * time.Second

	fieldDailyUsed   = "daily_used"
	fieldMonthlyUsed = "monthly_used"
	fieldLastGenAt   = "last_generation_at"
	fieldResetDay    = "reset_day"
)

// reserveScript performs the quota check, the cooldown check, and the
// increment as one atomic unit. Returns 1 on success, 0 when either
// check loses.
//
// KEYS[1] counters hash
// ARGV[1] daily limit
// ARGV[2] cooldown seconds
// ARGV[3] now, unix seconds
const reserveScript = `
local used = tonumber(redis.call('HGET', KEYS[1], 'daily_used') or '0')
local limit = tonumber(ARGV[1])
if used >= limit then
    return 0
end

local last = tonumber(redis.call('HGET', KEYS[1], 'last_generation_at') or '0')
local cooldown = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
if last > 0 and (now - last) < cooldown then
    return 0
end

redis.call('HSET', KEYS[1], 'daily_used', used + 1, 'last_generation_at', now)
redis.call('HINCRBY', KEYS[1], 'monthly_used', 1)
return 1
`

// rollbackScript compensates one reservation by delta. It decrements
// the counters by exactly one (never below zero) and clears the
// last-generation timestamp only if it still holds the value this
// reservation wrote, so reservations that raced in after ours keep
// their cooldown anchor.
//
// KEYS[1] counters hash
// ARGV[1] reserved-at, unix seconds
const rollbackScript = `
local used = tonumber(redis.call('HGET', KEYS[1], 'daily_used') or '0')
if used > 0 then
    redis.call('HSET', KEYS[1], 'daily_used', used - 1)
end

local monthly = tonumber(redis.call('HGET', KEYS[1], 'monthly_used') or '0')
if monthly > 0 then
    redis.call('HSET', KEYS[1], 'monthly_used', monthly - 1)
end

local last = redis.call('HGET', KEYS[1], 'last_generation_at')
if last and tonumber(last) == tonumber(ARGV[1]) then
    redis.call('HDEL', KEYS[1], 'last_generation_at')
end
return 1
`

// resetScript rolls the daily window forward exactly once per day key.
// Racing callers see reset_day already updated and leave the counters
// alone.
//
// KEYS[1] counters hash
// ARGV[1] day key, YYYY-MM-DD in the reference timezone
const resetScript = `
local day = redis.call('HGET', KEYS[1], 'reset_day')
if day == ARGV[1] then
    return 0
end
redis.call('HSET', KEYS[1], 'reset_day', ARGV[1], 'daily_used', 0)
redis.call('HDEL', KEYS[1], 'last_generation_at')
return 1
`

// CounterStore keeps per-user generation counters in a Redis hash and
// implements every mutation as a Lua script so concurrent reservations
// never interleave between read and write.
type CounterStore struct {
	redis  *client.RedisClient
	logger *zap.Logger
}

func NewCounterStore(redisClient *client.RedisClient, logger *zap.Logger) *CounterStore {
	return &CounterStore{
		redis:  redisClient,
		logger: logger,
	}
}

func (s *CounterStore) key(userID string) string {
	return countersKeyPrefix + userID
}

// GetCounters reads the current counters. A missing hash means a user
// who has never generated; all zero values are returned.
func (s *CounterStore) GetCounters(ctx context.Context, userID string) (*models.GenerationCounters, error) {
	ctx, cancel := context.WithTimeout(ctx, counterOpTimeout)
	defer cancel()

	fields, err := s.redis.HGetAll(ctx, s.key(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	counters := &models.GenerationCounters{UserID: userID}
	if v, ok := fields[fieldDailyUsed]; ok {
		counters.DailyUsed, _ = strconv.Atoi(v)
	}
	if v, ok := fields[fieldMonthlyUsed]; ok {
		counters.MonthlyUsed, _ = strconv.Atoi(v)
	}
	if v, ok := fields[fieldResetDay]; ok {
		counters.ResetDay = v
	}
	if v, ok := fields[fieldLastGenAt]; ok {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
			t := time.Unix(unix, 0).UTC()
			counters.LastGenerationAt = &t
		}
	}

	return counters, nil
}

// AtomicReserve claims one generation slot if neither the daily quota
// nor the cooldown forbids it.
func (s *CounterStore) AtomicReserve(ctx context.Context, userID string, dailyLimit int, cooldown time.Duration, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, counterOpTimeout)
	defer cancel()

	result, err := s.redis.Eval(ctx, reserveScript,
		[]string{s.key(userID)},
		dailyLimit,
		int64(cooldown.Seconds()),
		now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("reserve script failed: %w", err)
	}

	granted, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected reserve script result type %T", result)
	}
	return granted == 1, nil
}

// RollbackReserve returns one slot after a failed generation.
func (s *CounterStore) RollbackReserve(ctx context.Context, userID string, reservedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, counterOpTimeout)
	defer cancel()

	_, err := s.redis.Eval(ctx, rollbackScript,
		[]string{s.key(userID)},
		reservedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("rollback script failed: %w", err)
	}

	s.logger.Debug("Generation counters rolled back",
		util.String("user_id", userID))
	return nil
}

// ResetIfStale starts a fresh daily window when the stored day key is
// behind. Returns true when this call performed the reset.
func (s *CounterStore) ResetIfStale(ctx context.Context, userID, dayKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, counterOpTimeout)
	defer cancel()

	result, err := s.redis.Eval(ctx, resetScript,
		[]string{s.key(userID)},
		dayKey,
	)
	if err != nil {
		return false, fmt.Errorf("reset script failed: %w", err)
	}

	reset, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected reset script result type %T", result)
	}
	return reset == 1, nil
}
