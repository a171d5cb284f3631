package redisrepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewIdempotencyStore(rdb, time.Hour)
	key := KeyIdemPurchase(7, "abc")

	state, _, err := s.Reserve(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, IdemAcquired, state)

	state, _, err = s.Reserve(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, IdemInFlight, state)

	require.NoError(t, s.Complete(ctx, key, `{"request_id":"abc"}`))
	assert.Equal(t, time.Hour, mr.TTL(key))

	state, payload, err := s.Reserve(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, IdemDone, state)
	assert.Equal(t, `{"request_id":"abc"}`, payload)
}

func TestKeyIdemPurchase_ScopedByUser(t *testing.T) {
	assert.NotEqual(t, KeyIdemPurchase(1, "abc"), KeyIdemPurchase(2, "abc"))
	assert.Equal(t, "tixrush:v1:idem:purchases:1:abc", KeyIdemPurchase(1, "abc"))
}

func TestIdempotencyStore_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewIdempotencyStore(rdb, time.Hour)

	state, _, err := s.Reserve(ctx, "k", time.Second)
	require.NoError(t, err)
	require.Equal(t, IdemAcquired, state)

	require.NoError(t, s.Release(ctx, "k"))

	state, _, err = s.Reserve(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, IdemAcquired, state)
}
