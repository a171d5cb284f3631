package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return s, true, nil
}

func (c *Cache) SetString(
	ctx context.Context,
	key string,
	val string,
	ttl time.Duration,
) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.rdb.Del(ctx, keys...).Err()
}

// GetJSON decodes the value under key. A value that does not decode is an
// error, not a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T

	s, ok, err := c.GetString(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}

	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return zero, false, err
	}

	return out, true, nil
}

func SetJSON(
	ctx context.Context,
	c *Cache,
	key string,
	val any,
	ttl time.Duration,
) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.SetString(ctx, key, string(b), ttl)
}

// GetOrSetJSON serves key from the cache, or loads it once per key across
// concurrent callers and caches the result for ttl.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
		return v, nil
	}

	vAny, err, _ := c.sf.Do(key, func() (any, error) {
		if v2, ok2, err2 := GetJSON[T](ctx, c, key); err2 == nil && ok2 {
			return v2, nil
		}
		v3, err3 := loader(ctx)
		if err3 != nil {
			return nil, err3
		}
		_ = SetJSON(ctx, c, key, v3, ttl)
		return v3, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	v, ok := vAny.(T)
	if !ok {
		var zero T
		return zero, errors.New("type assertion failed")
	}

	return v, nil
}

func (c *Cache) GetPurchases(ctx context.Context, userID int64) ([]domain.PurchaseRecord, bool, error) {
	return GetJSON[[]domain.PurchaseRecord](ctx, c, KeyUserPurchases(userID))
}

// purchasesGenTTL outlives any in-flight load by a wide margin.
const purchasesGenTTL = 24 * time.Hour

// KEYS[1] = records key, KEYS[2] = generation key
// ARGV[1] = generation read before loading, ARGV[2] = value, ARGV[3] = ttl ms
var setIfGeneration = redis.NewScript(`
local cur = redis.call('GET', KEYS[2]) or '0'
if cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// PurchasesGeneration returns the invalidation generation of the user's
// records. Read it before loading from the store and hand it to
// SetPurchases.
func (c *Cache) PurchasesGeneration(ctx context.Context, userID int64) (int64, error) {
	n, err := c.rdb.Get(ctx, KeyUserPurchasesGen(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetPurchases writes records back only if no invalidation happened since
// generation was read. It reports whether the value was stored.
func (c *Cache) SetPurchases(
	ctx context.Context,
	userID int64,
	records []domain.PurchaseRecord,
	ttl time.Duration,
	generation int64,
) (bool, error) {
	b, err := json.Marshal(records)
	if err != nil {
		return false, err
	}

	n, err := setIfGeneration.Run(
		ctx,
		c.rdb,
		[]string{KeyUserPurchases(userID), KeyUserPurchasesGen(userID)},
		formatInt(generation), b, formatInt(ttl.Milliseconds()),
	).Int64()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// InvalidatePurchases bumps the generation and drops the cached records, so
// a load that started earlier cannot write its stale result back.
func (c *Cache) InvalidatePurchases(ctx context.Context, userID int64) error {
	genKey := KeyUserPurchasesGen(userID)

	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey)
		p.PExpire(ctx, genKey, purchasesGenTTL)
		p.Del(ctx, KeyUserPurchases(userID))
		return nil
	})

	return err
}

func (c *Cache) InvalidateInventory(ctx context.Context, date string) error {
	return c.Del(ctx, KeyInventory(date))
}
