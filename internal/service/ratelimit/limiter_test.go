package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kirinyoku/tix-rush/internal/clock"
	"github.com/kirinyoku/tix-rush/internal/domain"
	redisrepo "github.com/kirinyoku/tix-rush/internal/repository/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newBuckets(t *testing.T) *redisrepo.BucketStore {
	t.Helper()

	_, store := newBucketsServer(t)
	return store
}

func newBucketsServer(t *testing.T) (*miniredis.Miniredis, *redisrepo.BucketStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, redisrepo.NewBucketStore(redisrepo.NewCounterStore(rdb))
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (domain.RateLimitBucket, int64, bool, error) {
	return domain.RateLimitBucket{}, 0, false, errors.New("connection refused")
}

func (failingStore) Save(context.Context, string, int64, domain.RateLimitBucket, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) Seen(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestLimiter_BucketBoundAndExactRefill(t *testing.T) {
	ctx := context.Background()
	store := newBuckets(t)
	clk := clock.NewManualClock(1_000_000_000)
	l := New(store, clk, discard)

	rule := Rule{Name: "t", Capacity: 5, RefillPerSecond: 1, Warmup: true}

	for i := 0; i < 5; i++ {
		require.NoError(t, l.TryAcquire(ctx, "k", 1, rule), "token %d", i)
	}
	err := l.TryAcquire(ctx, "k", 1, rule)
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)

	clk.Advance(2 * time.Second)
	require.NoError(t, l.TryAcquire(ctx, "k", 2, rule))
	assert.ErrorIs(t, l.TryAcquire(ctx, "k", 1, rule), domain.ErrRateLimitExceeded)

	// capacity/rate seconds of idleness refills exactly to capacity, never beyond
	clk.Advance(time.Hour)
	require.NoError(t, l.TryAcquire(ctx, "k", 5, rule))
	assert.ErrorIs(t, l.TryAcquire(ctx, "k", 1, rule), domain.ErrRateLimitExceeded)

	b, _, found, err := store.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.GreaterOrEqual(t, b.Tokens, 0.0)
	assert.LessOrEqual(t, b.Tokens, b.Capacity)
}

func TestLimiter_NoWarmupStartsEmpty(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManualClock(0)
	l := New(newBuckets(t), clk, discard)

	rule := Rule{Name: "t", Capacity: 3, RefillPerSecond: 1}

	assert.ErrorIs(t, l.TryAcquire(ctx, "k", 1, rule), domain.ErrRateLimitExceeded)

	clk.Advance(time.Second)
	assert.NoError(t, l.TryAcquire(ctx, "k", 1, rule))
}

func TestLimiter_ExpiredIdleBucketComesBackFull(t *testing.T) {
	ctx := context.Background()
	mr, store := newBucketsServer(t)
	clk := clock.NewManualClock(0)
	l := New(store, clk, discard)

	rule := Rule{Name: "t", Capacity: 5, RefillPerSecond: 1}

	assert.ErrorIs(t, l.TryAcquire(ctx, "k", 1, rule), domain.ErrRateLimitExceeded, "first creation starts empty")

	clk.Advance(5 * time.Second)
	require.NoError(t, l.TryAcquire(ctx, "k", 5, rule))

	// idle past the 10s expiry of the bucket key
	clk.Advance(11 * time.Second)
	mr.FastForward(11 * time.Second)
	assert.False(t, mr.Exists(redisrepo.KeyBucket("k")))

	require.NoError(t, l.TryAcquire(ctx, "k", 5, rule))
	assert.ErrorIs(t, l.TryAcquire(ctx, "k", 1, rule), domain.ErrRateLimitExceeded)
}

func TestLimiter_WarmupOnlyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	store := newBuckets(t)
	clk := clock.NewManualClock(0)
	l := New(store, clk, discard)

	rule := Rule{Name: "t", Capacity: 2, RefillPerSecond: 0.001}

	require.NoError(t, l.Warmup(ctx, "k", rule))
	require.NoError(t, l.TryAcquire(ctx, "k", 2, rule))

	require.NoError(t, l.Warmup(ctx, "k", rule))
	assert.ErrorIs(t, l.TryAcquire(ctx, "k", 1, rule), domain.ErrRateLimitExceeded, "warmup must not refill an existing bucket")
}

func TestLimiter_BlockingTimesOutAfterTimeout(t *testing.T) {
	ctx := context.Background()
	l := New(newBuckets(t), clock.NewManualClock(0), discard)

	rule := Rule{
		Name:            "t",
		Capacity:        1,
		RefillPerSecond: 1,
		Blocking:        true,
		Timeout:         200 * time.Millisecond,
	}

	start := time.Now()
	err := l.TryAcquire(ctx, "k", 1, rule)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "must wait, not fail immediately")
	assert.Less(t, elapsed, 2*time.Second, "must not wait indefinitely")
}

func TestLimiter_BlockingGrantsAfterRefill(t *testing.T) {
	ctx := context.Background()
	l := New(newBuckets(t), clock.NewSystemClock(), discard)

	rule := Rule{
		Name:            "t",
		Capacity:        1,
		RefillPerSecond: 20,
		Warmup:          true,
		Blocking:        true,
		Timeout:         2 * time.Second,
	}

	require.NoError(t, l.TryAcquire(ctx, "k", 1, rule))
	assert.NoError(t, l.TryAcquire(ctx, "k", 1, rule))
}

func TestLimiter_UnsatisfiableFailsFastEvenWhenBlocking(t *testing.T) {
	l := New(newBuckets(t), clock.NewManualClock(0), discard)

	rule := Rule{Name: "t", Capacity: 2, RefillPerSecond: 1, Warmup: true, Blocking: true, Timeout: time.Minute}

	start := time.Now()
	err := l.TryAcquire(context.Background(), "k", 3, rule)
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiter_FailsClosed(t *testing.T) {
	l := New(failingStore{}, clock.NewManualClock(0), discard)

	rule := Rule{Name: "t", Capacity: 100, RefillPerSecond: 100, Warmup: true, Strategy: StrategyUser}

	err := l.TryAcquire(context.Background(), "k", 1, rule)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	d := l.Admit(context.Background(), rule, Subject{UserID: 7})
	assert.False(t, d.Granted)
	assert.Equal(t, domain.CodeStoreUnavailable, d.Code)
	assert.True(t, domain.Retryable(d.Code))
}

func TestLimiter_ConcurrentNeverOverGrants(t *testing.T) {
	ctx := context.Background()
	store := newBuckets(t)
	l := New(store, clock.NewManualClock(0), discard)

	rule := Rule{Name: "t", Capacity: 10, RefillPerSecond: 0.0001, Warmup: true}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ctx, "hot", 1, rule) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	b, _, found, err := store.Load(ctx, "hot")
	require.NoError(t, err)
	require.True(t, found)

	assert.LessOrEqual(t, granted, 10)
	assert.InDelta(t, 10-float64(granted), b.Tokens, 1e-9, "every grant is persisted exactly once")
}

func TestLimiter_AdmitDecision(t *testing.T) {
	l := New(newBuckets(t), clock.NewManualClock(0), discard)

	rule := Rule{Name: "purchase", Capacity: 1, RefillPerSecond: 2, Warmup: true, Strategy: StrategyUser}

	d := l.Admit(context.Background(), rule, Subject{UserID: 12345})
	assert.True(t, d.Granted)

	d = l.Admit(context.Background(), rule, Subject{UserID: 12345})
	assert.False(t, d.Granted)
	assert.Equal(t, domain.CodeRateLimitExceeded, d.Code)
	assert.NotEmpty(t, d.Message)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	d = l.Admit(context.Background(), rule, Subject{UserID: 99})
	assert.True(t, d.Granted, "buckets are per user")

	d = l.Admit(context.Background(), rule, Subject{})
	assert.Equal(t, domain.CodeInvalidRequest, d.Code)
}

func TestLimiter_Guard(t *testing.T) {
	l := New(newBuckets(t), clock.NewManualClock(0), discard)

	rule := Rule{Name: "g", Key: "checkout", Capacity: 1, RefillPerSecond: 1, Warmup: true, Strategy: StrategyInterface}

	calls := 0
	op := l.Guard(rule, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, op(context.Background()))
	assert.ErrorIs(t, op(context.Background()), domain.ErrRateLimitExceeded)
	assert.Equal(t, 1, calls)
}

func TestRule_KeyFor(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		subject Subject
		want    string
		wantErr bool
	}{
		{"interface", Rule{Name: "r", Strategy: StrategyInterface}, Subject{Operation: "POST /purchases"}, "r:op:POST /purchases", false},
		{"interface falls back to rule key", Rule{Name: "r", Key: "buy"}, Subject{}, "r:op:buy", false},
		{"user", Rule{Name: "r", Strategy: StrategyUser}, Subject{UserID: 42}, "r:user:42", false},
		{"user missing", Rule{Name: "r", Strategy: StrategyUser}, Subject{}, "", true},
		{"global", Rule{Name: "r", Strategy: StrategyGlobal}, Subject{UserID: 42}, "r:global", false},
		{"custom", Rule{Name: "r", Strategy: StrategyCustom}, Subject{Custom: "ip:1.2.3.4"}, "r:custom:ip:1.2.3.4", false},
		{"custom missing", Rule{Name: "r", Strategy: StrategyCustom}, Subject{}, "", true},
		{"unknown", Rule{Name: "r", Strategy: "NOPE"}, Subject{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.rule.KeyFor(tt.subject)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
