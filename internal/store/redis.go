package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitLua trims, counts and conditionally inserts in one server-side unit.
// A plain pipeline cannot express the conditional insert without a
// compensating removal on the reject path, which would be visible to
// concurrent callers.
const admitLua = `
local key = KEYS[1]
local window_start = ARGV[1]
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call("ZREMRANGEBYSCORE", key, "-inf", window_start)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
  allowed = 1
  redis.call("ZADD", key, now, member)
  redis.call("EXPIRE", key, ttl)
end

local oldest = 0
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
  oldest = tonumber(first[2])
end

return { allowed, count, oldest }
`

// Redis implements Store on top of a go-redis client.
type Redis struct {
	rdb   *redis.Client
	admit *redis.Script
}

func NewRedis(rdb *redis.Client) (*Redis, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Redis{
		rdb:   rdb,
		admit: redis.NewScript(admitLua),
	}, nil
}

func (s *Redis) Increment(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *Redis) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *Redis) HashIncrBy(ctx context.Context, key, field string, delta int64) error {
	return s.rdb.HIncrBy(ctx, key, field, delta).Err()
}

func (s *Redis) HashGetAll(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hash %s field %s: %w", key, k, err)
		}
		out[k] = n
	}
	return out, nil
}

func (s *Redis) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Redis) SortedSetRemoveRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.rdb.ZRemRangeByScore(ctx, key, fmtScore(min), fmtScore(max)).Err()
}

func (s *Redis) SortedSetCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *Redis) SortedSetRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		v, _ := z.Member.(string)
		out = append(out, Member{Value: v, Score: z.Score})
	}
	return out, nil
}

func (s *Redis) SetAdd(ctx context.Context, key, member string) error {
	return s.rdb.SAdd(ctx, key, member).Err()
}

func (s *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Redis) AdmitWindowEntry(ctx context.Context, key, member string, windowStart, now, limit int64, ttl time.Duration) (Admission, error) {
	values, err := s.admit.Run(ctx, s.rdb, []string{key},
		windowStart, now, limit, member, int64(ttl.Seconds()),
	).Result()
	if err != nil {
		return Admission{}, fmt.Errorf("admit script: %w", err)
	}
	return parseAdmission(values)
}

func (s *Redis) RecordSample(ctx context.Context, sm RequestSample) error {
	// MULTI/EXEC: every step is unconditional, only indivisibility is needed.
	pipe := s.rdb.TxPipeline()

	pipe.SAdd(ctx, sm.EndpointSetKey, sm.Endpoint)
	pipe.HIncrBy(ctx, sm.RequestCountKey, sm.Endpoint, 1)
	pipe.HIncrBy(ctx, sm.StatusCountKey, sm.StatusField, 1)
	if sm.ErrorCountKey != "" {
		pipe.Incr(ctx, sm.ErrorCountKey)
	}

	pipe.ZAdd(ctx, sm.LatencyKey, redis.Z{Score: sm.LatencyScore, Member: sm.LatencyMember})
	if sm.KeepSamples > 0 {
		pipe.ZRemRangeByRank(ctx, sm.LatencyKey, 0, -sm.KeepSamples-1)
	}

	if sm.TTL > 0 {
		pipe.Expire(ctx, sm.EndpointSetKey, sm.TTL)
		pipe.Expire(ctx, sm.RequestCountKey, sm.TTL)
		pipe.Expire(ctx, sm.StatusCountKey, sm.TTL)
		if sm.ErrorCountKey != "" {
			pipe.Expire(ctx, sm.ErrorCountKey, sm.TTL)
		}
		pipe.Expire(ctx, sm.LatencyKey, sm.TTL)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

func parseAdmission(values interface{}) (Admission, error) {
	arr, ok := values.([]interface{})
	if !ok || len(arr) < 3 {
		return Admission{}, fmt.Errorf("unexpected admit result: %v", values)
	}
	allowed, err := toInt64(arr[0])
	if err != nil {
		return Admission{}, err
	}
	count, err := toInt64(arr[1])
	if err != nil {
		return Admission{}, err
	}
	oldest, err := toInt64(arr[2])
	if err != nil {
		return Admission{}, err
	}
	return Admission{Allowed: allowed == 1, Count: count, OldestScore: oldest}, nil
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", value)
	}
}

func fmtScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}
