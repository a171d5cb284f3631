package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
)

// BucketStore persists token buckets as JSON values of a CounterStore.
type BucketStore struct {
	counters *CounterStore
}

func NewBucketStore(counters *CounterStore) *BucketStore {
	return &BucketStore{counters: counters}
}

// Load returns the bucket under limitKey and the version it was read at.
// found is false for a bucket that was never written or has expired.
func (s *BucketStore) Load(ctx context.Context, limitKey string) (b domain.RateLimitBucket, version int64, found bool, err error) {
	const op = "redisrepo.BucketStore.Load"

	v, ok, err := s.counters.Get(ctx, KeyBucket(limitKey))
	if err != nil {
		return b, 0, false, fmt.Errorf("%s:%w", op, err)
	}
	if !ok {
		return b, 0, false, nil
	}

	if err := json.Unmarshal([]byte(v.Value), &b); err != nil {
		return b, 0, false, fmt.Errorf("%s: decode: %w", op, err)
	}

	return b, v.Version, true, nil
}

// Save writes b if the bucket is still at version. It reports false when
// another caller got there first.
func (s *BucketStore) Save(
	ctx context.Context,
	limitKey string,
	version int64,
	b domain.RateLimitBucket,
	ttl time.Duration,
) (bool, error) {
	const op = "redisrepo.BucketStore.Save"

	raw, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("%s: encode: %w", op, err)
	}

	ok, err := s.counters.CompareAndSet(ctx, KeyBucket(limitKey), version, string(raw), ttl)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	if ok && version == 0 {
		if err := s.counters.Set(ctx, KeyBucketSeen(limitKey), "1", 0); err != nil {
			return true, fmt.Errorf("%s: mark seen: %w", op, err)
		}
	}

	return ok, nil
}

// Seen reports whether the bucket under limitKey was ever created. A bucket
// that is absent but seen has expired while idle.
func (s *BucketStore) Seen(ctx context.Context, limitKey string) (bool, error) {
	const op = "redisrepo.BucketStore.Seen"

	_, found, err := s.counters.Get(ctx, KeyBucketSeen(limitKey))
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return found, nil
}
