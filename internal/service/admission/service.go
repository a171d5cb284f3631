package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-rush/internal/clock"
	"github.com/kirinyoku/tix-rush/internal/domain"
	redisx "github.com/kirinyoku/tix-rush/internal/redis"
	"github.com/kirinyoku/tix-rush/internal/repository"
	"github.com/kirinyoku/tix-rush/internal/service/ratelimit"
)

const maxRequestIDLen = 64

type Limiter interface {
	Admit(ctx context.Context, rule ratelimit.Rule, subject ratelimit.Subject) ratelimit.Decision
}

type Requests interface {
	CreatePending(ctx context.Context, intent domain.PurchaseIntent) error
	Transition(ctx context.Context, intent domain.PurchaseIntent, status domain.MessageStatus, reason string) error
	Get(ctx context.Context, requestID string) (*domain.PurchaseRequest, error)
}

type Queue interface {
	Enqueue(ctx context.Context, intent domain.PurchaseIntent) (string, error)
}

type Signer interface {
	Sign(in domain.PurchaseIntent) string
}

type Config struct {
	UserRule ratelimit.Rule
	// GlobalRule is skipped when its capacity is zero.
	GlobalRule ratelimit.Rule
}

// Rejection is a limiter denial. It unwraps to the domain error of its code.
type Rejection struct {
	Decision ratelimit.Decision
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Decision.Code, r.Decision.Message)
}

func (r *Rejection) Unwrap() error {
	if e := domain.ErrorFor(r.Decision.Code); e != nil {
		return e
	}
	return nil
}

// Service admits purchase requests: it rate limits them, signs the
// resulting intent, records it as pending and enqueues it.
type Service struct {
	limiter  Limiter
	requests Requests
	queue    Queue
	signer   Signer
	clock    clock.Clock
	log      *slog.Logger
	cfg      Config

	mu      sync.RWMutex
	soldOut map[string]struct{}
}

func New(
	limiter Limiter,
	requests Requests,
	queue Queue,
	signer Signer,
	clk clock.Clock,
	log *slog.Logger,
	cfg Config,
) *Service {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		limiter:  limiter,
		requests: requests,
		queue:    queue,
		signer:   signer,
		clock:    clk,
		log:      log,
		cfg:      cfg,
		soldOut:  make(map[string]struct{}),
	}
}

// Submit admits one purchase request and enqueues its intent.
//
// Parameters:
//   - ctx: request-scoped context.
//   - userID: the purchasing user.
//   - date: ticket date, YYYY-MM-DD.
//   - requestID: client idempotency key; a new one is generated when empty.
//
// Returns:
//   - domain.PurchaseIntent: the signed, enqueued intent.
//   - error: *Rejection when rate limited or the limiter store is down,
//     domain.ErrSoldOut when the date is known to be sold out,
//     domain.ErrRequestIDConflict when requestID was already used by another
//     user or for another date, domain.ErrInvalidRequest on bad input, domain.ErrStoreUnavailable
//     when the intent could not be recorded or enqueued.
func (s *Service) Submit(ctx context.Context, userID int64, date, requestID string) (domain.PurchaseIntent, error) {
	const op = "service.admission.Submit"

	if userID <= 0 {
		return domain.PurchaseIntent{}, fmt.Errorf("%s: user_id must be positive:%w", op, domain.ErrInvalidRequest)
	}

	date, err := domain.ParseDate(date)
	if err != nil {
		return domain.PurchaseIntent{}, fmt.Errorf("%s: %s:%w", op, err, domain.ErrInvalidRequest)
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}
	if len(requestID) > maxRequestIDLen {
		return domain.PurchaseIntent{}, fmt.Errorf("%s: request id too long:%w", op, domain.ErrInvalidRequest)
	}

	if s.IsSoldOut(date) {
		return domain.PurchaseIntent{}, fmt.Errorf("%s:%w", op, domain.ErrSoldOut)
	}

	subject := ratelimit.Subject{Operation: "purchase", UserID: userID}
	for _, rule := range []ratelimit.Rule{s.cfg.UserRule, s.cfg.GlobalRule} {
		if rule.Capacity <= 0 {
			continue
		}
		if d := s.limiter.Admit(ctx, rule, subject); !d.Granted {
			return domain.PurchaseIntent{}, fmt.Errorf("%s:%w", op, &Rejection{Decision: d})
		}
	}

	intent := domain.PurchaseIntent{
		RequestID:         requestID,
		UserID:            userID,
		Date:              date,
		SubmittedAtMillis: clock.NowMillis(s.clock),
	}
	intent.Signature = s.signer.Sign(intent)

	if err := s.requests.CreatePending(ctx, intent); err != nil {
		if errors.Is(err, repository.ErrRequestMismatch) {
			return domain.PurchaseIntent{}, fmt.Errorf("%s: %w: %w", op, domain.ErrRequestIDConflict, err)
		}
		return domain.PurchaseIntent{}, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}

	if _, err := s.queue.Enqueue(ctx, intent); err != nil {
		if terr := s.requests.Transition(ctx, intent, domain.StatusFailed, string(domain.CodeStoreUnavailable)); terr != nil {
			s.log.Error("mark unqueued intent failed", "request_id", requestID, "err", terr)
		}
		return domain.PurchaseIntent{}, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}

	s.log.Debug("purchase intent enqueued", "request_id", requestID, "user_id", userID, "date", date)

	return intent, nil
}

// GetStatus returns the processing state of a submitted request.
func (s *Service) GetStatus(ctx context.Context, requestID string) (*domain.PurchaseRequest, error) {
	const op = "service.admission.GetStatus"

	pr, err := s.requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}

	return pr, nil
}

// OnNotice applies an inventory broadcast to the local sold-out set.
func (s *Service) OnNotice(_ context.Context, n redisx.InventoryNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch n.Type {
	case redisx.NoticeSoldOut:
		s.soldOut[n.Date] = struct{}{}
	case redisx.NoticeRestocked:
		delete(s.soldOut, n.Date)
	}
}

func (s *Service) IsSoldOut(date string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.soldOut[date]
	return ok
}
