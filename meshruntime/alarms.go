package meshruntime

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/meshcore/common/logger"
	"github.com/lyzr/meshcore/continuation"
)

// claimScript atomically removes an alarm's schedule entry and returns its
// payload iff the alarm is still pending; an already-fired or unknown alarm
// yields false. This single script backs both explicit cancellation (a real
// result racing the sweep) and the sweep's own claim-before-fire step, so
// at most one of {cancel, fire} ever wins for a given id.
const claimScript = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
if removed == 1 then
  local payload = redis.call("HGET", KEYS[2], ARGV[1])
  redis.call("HDEL", KEYS[2], ARGV[1])
  if payload == false then
    return ""
  end
  return payload
end
return false
`

// RedisAlarmScheduler implements continuation.AlarmScheduler over a Redis
// sorted set (due time as score) plus a hash of opaque payloads keyed by
// alarm id.
type RedisAlarmScheduler struct {
	redis   *redis.Client
	log     *logger.Logger
	dueKey  string
	claim   *redis.Script
	pollInt time.Duration
}

// NewRedisAlarmScheduler wraps an existing Redis client.
func NewRedisAlarmScheduler(client *redis.Client, log *logger.Logger) *RedisAlarmScheduler {
	return &RedisAlarmScheduler{
		redis:   client,
		log:     log,
		dueKey:  "mesh:alarms:due",
		claim:   redis.NewScript(claimScript),
		pollInt: 200 * time.Millisecond,
	}
}

func (s *RedisAlarmScheduler) payloadKey() string {
	return s.dueKey + ":payload"
}

// Schedule implements continuation.AlarmScheduler.
func (s *RedisAlarmScheduler) Schedule(ctx context.Context, id string, fireAt time.Time, payload string) error {
	pipe := s.redis.TxPipeline()
	pipe.ZAdd(ctx, s.dueKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: id})
	pipe.HSet(ctx, s.payloadKey(), id, payload)
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel implements continuation.AlarmScheduler: atomic claim-and-remove.
func (s *RedisAlarmScheduler) Cancel(ctx context.Context, id string) (bool, error) {
	_, claimed, err := s.tryClaim(ctx, id)
	return claimed, err
}

func (s *RedisAlarmScheduler) tryClaim(ctx context.Context, id string) (payload string, claimed bool, err error) {
	out, err := s.claim.Run(ctx, s.redis, []string{s.dueKey, s.payloadKey()}, id).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	switch v := out.(type) {
	case string:
		return v, true, nil
	default:
		return "", false, nil
	}
}

// Sweep polls for due alarms and, for each one it successfully claims,
// invokes onFire with the alarm's payload. Polling rather than a blocking
// primitive keeps the sweep restartable: a crashed sweeper loses nothing,
// the next tick picks the backlog up again.
func (s *RedisAlarmScheduler) Sweep(ctx context.Context, onFire func(ctx context.Context, id, payload string)) error {
	ticker := time.NewTicker(s.pollInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fireDue(ctx, onFire)
		}
	}
}

func (s *RedisAlarmScheduler) fireDue(ctx context.Context, onFire func(ctx context.Context, id, payload string)) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := s.redis.ZRangeByScore(ctx, s.dueKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		s.log.Error("mesh alarm sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		payload, claimed, err := s.tryClaim(ctx, id)
		if err != nil {
			s.log.Error("mesh alarm claim failed", "id", id, "error", err)
			continue
		}
		if claimed {
			onFire(ctx, id, payload)
		}
	}
}

var _ continuation.AlarmScheduler = (*RedisAlarmScheduler)(nil)
