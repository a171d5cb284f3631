package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kirinyoku/tix-rush/internal/clock"
	"github.com/kirinyoku/tix-rush/internal/domain"
	redisx "github.com/kirinyoku/tix-rush/internal/redis"
	"github.com/kirinyoku/tix-rush/internal/repository"
	"github.com/kirinyoku/tix-rush/internal/service/ratelimit"
	"github.com/kirinyoku/tix-rush/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLimiter struct {
	deny  map[string]ratelimit.Decision
	rules []string
}

func (l *fakeLimiter) Admit(_ context.Context, rule ratelimit.Rule, _ ratelimit.Subject) ratelimit.Decision {
	l.rules = append(l.rules, rule.Name)
	if d, ok := l.deny[rule.Name]; ok {
		return d
	}
	return ratelimit.Decision{Granted: true}
}

type fakeRequests struct {
	pending     []domain.PurchaseIntent
	transitions []domain.MessageStatus
	rows        map[string]*domain.PurchaseRequest
	err         error
}

func (r *fakeRequests) CreatePending(_ context.Context, in domain.PurchaseIntent) error {
	if r.err != nil {
		return r.err
	}
	for _, p := range r.pending {
		if p.RequestID == in.RequestID && (p.UserID != in.UserID || p.Date != in.Date) {
			return repository.ErrRequestMismatch
		}
	}
	r.pending = append(r.pending, in)
	return nil
}

func (r *fakeRequests) Transition(_ context.Context, _ domain.PurchaseIntent, st domain.MessageStatus, _ string) error {
	r.transitions = append(r.transitions, st)
	return nil
}

func (r *fakeRequests) Get(_ context.Context, id string) (*domain.PurchaseRequest, error) {
	if pr, ok := r.rows[id]; ok {
		return pr, nil
	}
	return nil, repository.ErrNotFound
}

type fakeQueue struct {
	enqueued []domain.PurchaseIntent
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, in domain.PurchaseIntent) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.enqueued = append(q.enqueued, in)
	return "1-0", nil
}

type fixture struct {
	limiter  *fakeLimiter
	requests *fakeRequests
	queue    *fakeQueue
	signer   *signature.Signer
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := signature.NewSigner([]byte("k"))
	require.NoError(t, err)

	f := &fixture{
		limiter:  &fakeLimiter{deny: map[string]ratelimit.Decision{}},
		requests: &fakeRequests{},
		queue:    &fakeQueue{},
		signer:   signer,
	}
	f.svc = New(f.limiter, f.requests, f.queue, signer,
		clock.NewManualClockAt(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)),
		discard,
		Config{
			UserRule:   ratelimit.Rule{Name: "user", Capacity: 5, RefillPerSecond: 1, Strategy: ratelimit.StrategyUser},
			GlobalRule: ratelimit.Rule{Name: "global", Capacity: 100, RefillPerSecond: 50, Strategy: ratelimit.StrategyGlobal},
		},
	)
	return f
}

func TestSubmit_EnqueuesSignedIntent(t *testing.T) {
	f := newFixture(t)

	in, err := f.svc.Submit(context.Background(), 12345, "2024-01-15", "")
	require.NoError(t, err)

	assert.NotEmpty(t, in.RequestID)
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC).UnixMilli(), in.SubmittedAtMillis)
	assert.True(t, f.signer.Verify(in))
	assert.Equal(t, []domain.PurchaseIntent{in}, f.requests.pending)
	assert.Equal(t, []domain.PurchaseIntent{in}, f.queue.enqueued)
	assert.Equal(t, []string{"user", "global"}, f.limiter.rules)
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny["global"] = ratelimit.Decision{
		Code:       domain.CodeRateLimitExceeded,
		Message:    domain.ErrRateLimitExceeded.Message,
		RetryAfter: 20 * time.Millisecond,
	}

	_, err := f.svc.Submit(context.Background(), 12345, "2024-01-15", "idem-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 20*time.Millisecond, rej.Decision.RetryAfter)
	assert.Empty(t, f.queue.enqueued)
}

func TestSubmit_LimiterStoreDownIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny["user"] = ratelimit.Decision{Code: domain.CodeStoreUnavailable, Message: "down"}

	_, err := f.svc.Submit(context.Background(), 12345, "2024-01-15", "")

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, domain.Retryable(domain.CodeOf(err)))
}

func TestSubmit_SoldOutBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.OnNotice(ctx, redisx.InventoryNotice{Type: redisx.NoticeSoldOut, Date: "2024-01-15"})

	_, err := f.svc.Submit(ctx, 1, "2024-01-15", "")
	assert.ErrorIs(t, err, domain.ErrSoldOut)
	assert.Empty(t, f.limiter.rules, "sold-out dates do not spend tokens")

	f.svc.OnNotice(ctx, redisx.InventoryNotice{Type: redisx.NoticeRestocked, Date: "2024-01-15"})

	_, err = f.svc.Submit(ctx, 1, "2024-01-15", "")
	assert.NoError(t, err)
}

func TestSubmit_EnqueueFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")

	_, err := f.svc.Submit(context.Background(), 1, "2024-01-15", "")

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, []domain.MessageStatus{domain.StatusFailed}, f.requests.transitions)
}

func TestSubmit_RequestIDOfAnotherUserConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, 1, "2024-01-15", "shared")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, 2, "2024-01-15", "shared")
	assert.ErrorIs(t, err, domain.ErrRequestIDConflict)
	assert.Equal(t, domain.CodeRequestIDConflict, domain.CodeOf(err))
	assert.Len(t, f.queue.enqueued, 1)

	_, err = f.svc.Submit(ctx, 1, "2024-01-15", "shared")
	assert.NoError(t, err)
}

func TestSubmit_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, 0, "2024-01-15", "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.svc.Submit(ctx, 1, "15.01.2024", "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.svc.Submit(ctx, 1, "2024-01-15", string(long))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	f.requests.rows = map[string]*domain.PurchaseRequest{
		"r-1": {RequestID: "r-1", Status: domain.StatusSuccess},
	}

	pr, err := f.svc.GetStatus(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, pr.Status)

	_, err = f.svc.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
