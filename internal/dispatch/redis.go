package dispatch

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua keeps the check-and-set atomic on the server, so multiple daemon
// instances sharing one Redis never double-reply. Times are Redis server
// milliseconds to avoid clock skew between instances.
var observeScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local window = tonumber(ARGV[1])
local minAge = tonumber(ARGV[2])
local at = tonumber(redis.call('HGET', KEYS[1], 'at'))
if at then
  local age = now - at
  if age >= minAge and age < window then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'at', now)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var observeNoticeScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local window = tonumber(ARGV[1])
local repliedWindow = tonumber(ARGV[2])
local at = tonumber(redis.call('HGET', KEYS[1], 'at'))
if at and (now - at) < window then
  return 0
end
if repliedWindow > 0 then
  local repliedAt = tonumber(redis.call('HGET', KEYS[1], 'replied_at'))
  if repliedAt and (now - repliedAt) < repliedWindow then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'at', now)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var markRepliedScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
redis.call('HSET', KEYS[1], 'replied_at', now)
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// redisRecordTTL outlives the longest suppression window so suppression
// never depends on a record surviving its own check.
const redisRecordTTL = 6 * time.Hour

type RedisRecordStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisRecordStore(dsn string) (*RedisRecordStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisRecordStore{
		client:    redis.NewClient(opts),
		keyPrefix: "fishbot:",
	}, nil
}

func (s *RedisRecordStore) Observe(ctx context.Context, key string, window, minAge time.Duration) (bool, error) {
	won, err := observeScript.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		window.Milliseconds(), minAge.Milliseconds(), redisRecordTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return won == 1, nil
}

func (s *RedisRecordStore) ObserveNotice(ctx context.Context, key string, window, repliedWindow time.Duration) (bool, error) {
	won, err := observeNoticeScript.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		window.Milliseconds(), repliedWindow.Milliseconds(), redisRecordTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return won == 1, nil
}

func (s *RedisRecordStore) MarkReplied(ctx context.Context, key string) error {
	return markRepliedScript.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		redisRecordTTL.Milliseconds(),
	).Err()
}

func (s *RedisRecordStore) Release(ctx context.Context, key string) error {
	// Dropping the 'at' field re-admits the next notice; a replied_at flag
	// stays behind and keeps its window.
	return s.client.HDel(ctx, s.keyPrefix+key, "at").Err()
}

func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}
