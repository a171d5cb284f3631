package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-rush/internal/clock"
	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/metrics"
)

const (
	maxCASAttempts = 16
	maxBackoff     = 50 * time.Millisecond
	minBackoff     = time.Millisecond
)

// BucketStore is the versioned bucket persistence the limiter runs on.
type BucketStore interface {
	Load(ctx context.Context, limitKey string) (domain.RateLimitBucket, int64, bool, error)
	Save(ctx context.Context, limitKey string, version int64, b domain.RateLimitBucket, ttl time.Duration) (bool, error)
	// Seen reports whether the bucket existed before, even if it has since
	// expired.
	Seen(ctx context.Context, limitKey string) (bool, error)
}

// Operation is a unit of work that can be guarded by a rule.
type Operation func(ctx context.Context) error

// Decision is the admission answer handed to the inbound layer.
type Decision struct {
	Granted    bool
	Code       domain.Code
	Message    string
	RetryAfter time.Duration
}

// Limiter is a token-bucket limiter whose state lives in a shared store, so
// every serving process sees the same budget. It fails closed.
type Limiter struct {
	store BucketStore
	clock clock.Clock
	log   *slog.Logger
}

func New(store BucketStore, clk clock.Clock, log *slog.Logger) *Limiter {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Limiter{
		store: store,
		clock: clk,
		log:   log,
	}
}

// TryAcquire takes tokens from the bucket under key.
//
// Returns:
//   - error: domain.ErrRateLimitExceeded when denied, or after rule.Timeout
//     in blocking mode.
//   - error: domain.ErrStoreUnavailable when the bucket store fails.
func (l *Limiter) TryAcquire(ctx context.Context, key string, tokens int, rule Rule) error {
	_, err := l.acquire(ctx, key, tokens, rule)
	return err
}

// Admit derives the key for subject and runs one acquisition.
func (l *Limiter) Admit(ctx context.Context, rule Rule, subject Subject) Decision {
	key, err := rule.KeyFor(subject)
	if err == nil {
		var wait time.Duration
		wait, err = l.acquire(ctx, key, rule.tokens(), rule)
		if err == nil {
			return Decision{Granted: true}
		}

		d := Decision{Code: domain.CodeOf(err), Message: domain.MessageOf(err)}
		if d.Code == domain.CodeRateLimitExceeded {
			d.RetryAfter = wait
		}
		return d
	}

	return Decision{Code: domain.CodeOf(err), Message: domain.MessageOf(err)}
}

// Guard wraps op so it only runs once the rule admits the subject carried
// by the context (see WithSubject).
func (l *Limiter) Guard(rule Rule, op Operation) Operation {
	return func(ctx context.Context) error {
		key, err := rule.KeyFor(SubjectFrom(ctx))
		if err != nil {
			return err
		}

		if _, err := l.acquire(ctx, key, rule.tokens(), rule); err != nil {
			return err
		}

		return op(ctx)
	}
}

// Warmup creates the bucket under key filled to capacity, unless it exists.
func (l *Limiter) Warmup(ctx context.Context, key string, rule Rule) error {
	const op = "service.ratelimit.Limiter.Warmup"

	_, _, found, err := l.store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if found {
		return nil
	}

	b := domain.RateLimitBucket{
		Capacity:        rule.Capacity,
		RefillPerSecond: rule.RefillPerSecond,
		Tokens:          rule.Capacity,
		LastRefillNanos: l.clock.NowNanos(),
	}

	// losing the race means someone else created it first
	if _, err := l.store.Save(ctx, key, 0, b, rule.ttl()); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (l *Limiter) acquire(ctx context.Context, key string, tokens int, rule Rule) (time.Duration, error) {
	const op = "service.ratelimit.Limiter.acquire"

	if tokens <= 0 {
		tokens = 1
	}

	waitCtx := ctx
	if rule.Blocking && rule.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, rule.Timeout)
		defer cancel()
	}

	for {
		granted, wait, err := l.attempt(waitCtx, key, float64(tokens), rule)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return 0, fmt.Errorf("%s:%w", op, cerr)
			}
			if waitCtx.Err() != nil {
				return 0, l.deny(op, rule, key, wait)
			}
			l.log.Warn("rate limiter store unavailable", "rule", rule.Name, "key", key, "err", err)
			metrics.RateLimitDenied(rule.Name, string(domain.CodeStoreUnavailable))
			return 0, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
		}
		if granted {
			return 0, nil
		}

		if !rule.Blocking || rule.Timeout <= 0 || wait < 0 {
			return wait, l.deny(op, rule, key, wait)
		}

		backoff := min(wait, maxBackoff)
		if backoff < minBackoff {
			backoff = minBackoff
		}

		t := time.NewTimer(backoff)
		select {
		case <-waitCtx.Done():
			t.Stop()
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("%s:%w", op, err)
			}
			return wait, l.deny(op, rule, key, wait)
		case <-t.C:
		}
	}
}

// attempt runs one read-refill-decide-write cycle. A negative wait means the
// request can never be satisfied by this rule.
func (l *Limiter) attempt(ctx context.Context, key string, n float64, rule Rule) (bool, time.Duration, error) {
	for i := 0; i < maxCASAttempts; i++ {
		now := l.clock.NowNanos()

		b, version, found, err := l.store.Load(ctx, key)
		if err != nil {
			return false, 0, err
		}

		if found {
			b.Capacity = rule.Capacity
			b.RefillPerSecond = rule.RefillPerSecond
			b.Tokens = min(b.Tokens, b.Capacity)
			b = b.Refill(now)
		} else {
			b = domain.RateLimitBucket{
				Capacity:        rule.Capacity,
				RefillPerSecond: rule.RefillPerSecond,
				LastRefillNanos: now,
			}

			// an expired bucket was idle for longer than it takes to refill
			full := rule.Warmup
			if !full {
				if full, err = l.store.Seen(ctx, key); err != nil {
					return false, 0, err
				}
			}
			if full {
				b.Tokens = rule.Capacity
			}
		}

		granted := b.Tokens >= n
		if granted {
			b.Tokens -= n
		}

		ok, err := l.store.Save(ctx, key, version, b, rule.ttl())
		if err != nil {
			return false, 0, err
		}
		if !ok {
			continue
		}

		if granted {
			return true, 0, nil
		}

		return false, time.Duration(b.WaitNanos(n)), nil
	}

	// the bucket is too hot to win a write; treat it as exhausted
	return false, minBackoff, nil
}

func (l *Limiter) deny(op string, rule Rule, key string, wait time.Duration) error {
	l.log.Debug("rate limit denied", "rule", rule.Name, "key", key, "retry_after", wait)
	metrics.RateLimitDenied(rule.Name, string(domain.CodeRateLimitExceeded))

	return fmt.Errorf("%s:%w", op, domain.ErrRateLimitExceeded)
}
