package redisrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type IdemState int

const (
	// IdemAcquired means the caller owns the key and must Complete or Release it.
	IdemAcquired IdemState = iota
	// IdemInFlight means another request with the same key is still running.
	IdemInFlight
	// IdemDone means a result was stored and should be replayed.
	IdemDone
)

const (
	idemLock      = "LOCK"
	idemResPrefix = "RES:"
)

// KEYS[1] = key
// ARGV[1] = lock ttl ms
const luaIdemReserve = `
local v = redis.call('GET', KEYS[1])
if v == false then
  redis.call('SET', KEYS[1], 'LOCK', 'PX', ARGV[1])
  return {0, ''}
end
if v == 'LOCK' then
  return {1, ''}
end
return {2, string.sub(v, 5)}
`

type IdempotencyStore struct {
	rdb     *redis.Client
	ttl     time.Duration
	reserve *redis.Script
}

func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		rdb:     rdb,
		ttl:     ttl,
		reserve: redis.NewScript(luaIdemReserve),
	}
}

// Reserve atomically claims key for lockTTL. When the key already holds a
// result it is returned together with IdemDone.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string, lockTTL time.Duration) (IdemState, string, error) {
	const op = "redisrepo.IdempotencyStore.Reserve"

	res, err := s.reserve.Run(ctx, s.rdb, []string{key}, formatInt(lockTTL.Milliseconds())).Slice()
	if err != nil {
		return 0, "", fmt.Errorf("%s:%w", op, err)
	}
	if len(res) != 2 {
		return 0, "", fmt.Errorf("%s: bad script result: %v", op, res)
	}

	state, _ := res[0].(int64)
	payload, _ := res[1].(string)

	return IdemState(state), payload, nil
}

// Complete replaces the lock with the response payload for the store TTL.
func (s *IdempotencyStore) Complete(ctx context.Context, key, payload string) error {
	return s.rdb.Set(ctx, key, idemResPrefix+payload, s.ttl).Err()
}

// Release drops a lock so the client may retry with the same key.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
