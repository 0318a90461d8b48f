package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mediagate/internal/redisutil"
)

const defaultKeyPrefix = "mediagate:quota"

// claimScript checks both ceilings, then increments both counters and
// refreshes their end-of-day TTLs in one atomic step. It returns the
// rejecting ceiling's name, or the post-increment counter values.
const claimScript = `
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
local daily = tonumber(redis.call('GET', KEYS[2]) or '0')
if active >= tonumber(ARGV[1]) then
  return 'concurrent'
end
if daily >= tonumber(ARGV[2]) then
  return 'daily'
end
active = redis.call('INCR', KEYS[1])
daily = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return {active, daily}
`

// releaseScript decrements the active counter, deleting the key once
// it reaches zero. The daily counter is deliberately left alone.
const releaseScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`

// RedisLedgerConfig configures the Redis-backed quota ledger.
type RedisLedgerConfig struct {
	Redis     redisutil.Config
	Limits    Limits
	KeyPrefix string
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewRedisLedger initialises a ledger backed by Redis. The caller is
// responsible for ensuring the Redis instance is reachable.
func NewRedisLedger(cfg RedisLedgerConfig) (*RedisLedger, error) {
	client, err := redisutil.NewClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	return newRedisLedgerWithClient(client, cfg), nil
}

func newRedisLedgerWithClient(client redis.UniversalClient, cfg RedisLedgerConfig) *RedisLedger {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ledger := &RedisLedger{
		client: client,
		prefix: prefix,
		limits: cfg.Limits,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if ledger.logger == nil {
		ledger.logger = slog.Default()
	}
	if ledger.now == nil {
		ledger.now = time.Now
	}
	return ledger
}

// RedisLedger enforces quota ceilings with server-side scripts so that
// check-then-increment is a single atomic operation per claim.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

func (l *RedisLedger) activeKey(adminID string) string {
	return l.prefix + ":active:" + adminID
}

func (l *RedisLedger) dailyKey(adminID string, now time.Time) string {
	return l.prefix + ":daily:" + adminID + ":" + dayStamp(now)
}

func (l *RedisLedger) Claim(ctx context.Context, adminID string) (Counters, error) {
	if err := validateAdminID(adminID); err != nil {
		return Counters{}, err
	}
	now := l.now()
	ttl := secondsUntilEndOfDay(now)
	reply, err := l.client.Do(ctx, "EVAL", claimScript, "2",
		l.activeKey(adminID), l.dailyKey(adminID, now),
		strconv.FormatInt(l.limits.Concurrent, 10),
		strconv.FormatInt(l.limits.Daily, 10),
		strconv.FormatInt(ttl, 10),
	).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("quota claim: %w", err)
	}
	switch value := reply.(type) {
	case string:
		if value == string(ExceededDaily) {
			return Counters{}, &ExceededError{Kind: ExceededDaily}
		}
		return Counters{}, &ExceededError{Kind: ExceededConcurrent}
	case []interface{}:
		if len(value) != 2 {
			return Counters{}, fmt.Errorf("quota claim: unexpected reply %v", value)
		}
		return Counters{Active: asInt64(value[0]), Daily: asInt64(value[1])}, nil
	default:
		return Counters{}, fmt.Errorf("quota claim: unexpected reply type %T", reply)
	}
}

func (l *RedisLedger) Release(ctx context.Context, adminID string) error {
	if err := validateAdminID(adminID); err != nil {
		return err
	}
	if _, err := l.client.Do(ctx, "EVAL", releaseScript, "1", l.activeKey(adminID)).Result(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

func (l *RedisLedger) Snapshot(ctx context.Context, adminID string) (Counters, error) {
	if err := validateAdminID(adminID); err != nil {
		return Counters{}, err
	}
	now := l.now()
	reply, err := l.client.Do(ctx, "MGET", l.activeKey(adminID), l.dailyKey(adminID, now)).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("quota snapshot: %w", err)
	}
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return Counters{}, fmt.Errorf("quota snapshot: unexpected reply %v", reply)
	}
	return Counters{Active: asCounter(values[0]), Daily: asCounter(values[1])}, nil
}

// Ping verifies the ledger can reach Redis.
func (l *RedisLedger) Ping(ctx context.Context) error {
	if l.client == nil {
		return fmt.Errorf("quota ledger: redis client not configured")
	}
	return l.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (l *RedisLedger) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

func asInt64(value interface{}) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case string:
		parsed, _ := strconv.ParseInt(v, 10, 64)
		return parsed
	case []byte:
		parsed, _ := strconv.ParseInt(string(v), 10, 64)
		return parsed
	default:
		return 0
	}
}

func asCounter(value interface{}) int64 {
	if value == nil {
		return 0
	}
	return asInt64(value)
}
