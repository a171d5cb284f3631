package allocation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-rush/internal/clock"
	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/metrics"
	"github.com/kirinyoku/tix-rush/internal/repository"
	"github.com/kirinyoku/tix-rush/internal/uow"
)

// Store is the durable order and inventory store.
type Store interface {
	OrderExists(ctx context.Context, userID int64, date string) (bool, error)
	// Inventory returns repository.ErrNotFound for a date without stock.
	Inventory(ctx context.Context, date string) (*domain.TicketInventory, error)
	// CommitOrder decrements the date's stock if it is still at
	// expectedVersion and inserts o in the same transaction. onCommit runs
	// only after commit.
	//
	// Returns repository.ErrVersionConflict when the race was lost and
	// repository.ErrConflict on a unique violation.
	CommitOrder(ctx context.Context, o domain.Order, expectedVersion int64, onCommit uow.AfterCommit) error
}

type Verifier interface {
	Verify(in domain.PurchaseIntent) bool
}

// CommitHook observes a committed order, e.g. to invalidate caches.
type CommitHook func(ctx context.Context, o domain.Order)

type Config struct {
	MaxIntentAge time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

type Service struct {
	store    Store
	verifier Verifier
	clock    clock.Clock
	log      *slog.Logger
	hooks    []CommitHook
	cfg      Config
}

func New(store Store, verifier Verifier, clk clock.Clock, log *slog.Logger, cfg Config, hooks ...CommitHook) *Service {
	if cfg.MaxIntentAge <= 0 {
		cfg.MaxIntentAge = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 100 * time.Millisecond
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		store:    store,
		verifier: verifier,
		clock:    clk,
		log:      log,
		hooks:    hooks,
		cfg:      cfg,
	}
}

// Allocate turns a purchase intent into a committed order.
//
// Parameters:
//   - ctx: request-scoped context; cancellation stops the retry loop.
//   - intent: the signed intent taken off the queue.
//
// Returns:
//   - *domain.Order: the committed order.
//   - error: domain.ErrInvalidSignature, domain.ErrStaleRequest,
//     domain.ErrDuplicate, domain.ErrSoldOut or domain.ErrContention when
//     the intent is rejected; domain.ErrStoreUnavailable when the store
//     fails.
func (s *Service) Allocate(ctx context.Context, intent domain.PurchaseIntent) (*domain.Order, error) {
	const op = "service.allocation.Allocate"

	if !s.verifier.Verify(intent) {
		return nil, fmt.Errorf("%s:%w", op, domain.ErrInvalidSignature)
	}

	age := clock.NowMillis(s.clock) - intent.SubmittedAtMillis
	if age > s.cfg.MaxIntentAge.Milliseconds() {
		return nil, fmt.Errorf("%s: age %dms:%w", op, age, domain.ErrStaleRequest)
	}

	exists, err := s.store.OrderExists(ctx, intent.UserID, intent.Date)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	if exists {
		return nil, fmt.Errorf("%s:%w", op, domain.ErrDuplicate)
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		inv, err := s.store.Inventory(ctx, intent.Date)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%s:%w", op, domain.ErrSoldOut)
			}
			return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
		}

		if inv.RemainingStock <= 0 {
			return nil, fmt.Errorf("%s:%w", op, domain.ErrSoldOut)
		}

		order := domain.Order{
			UserID:     intent.UserID,
			Date:       intent.Date,
			TicketCode: newTicketCode(intent.Date),
			CreatedAt:  time.Unix(0, s.clock.NowNanos()).UTC(),
		}

		err = s.store.CommitOrder(ctx, order, inv.Version, s.afterCommit(order))
		switch {
		case err == nil:
			metrics.AllocationAttempts(attempt)
			return &order, nil
		case errors.Is(err, repository.ErrVersionConflict):
		case errors.Is(err, repository.ErrConflict):
			// either the user won a parallel delivery or the ticket code collided
			dup, derr := s.store.OrderExists(ctx, intent.UserID, intent.Date)
			if derr != nil {
				return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, derr)
			}
			if dup {
				return nil, fmt.Errorf("%s:%w", op, domain.ErrDuplicate)
			}
		default:
			return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
		}

		s.log.Debug("allocation lost race",
			"request_id", intent.RequestID,
			"date", intent.Date,
			"attempt", attempt,
		)

		if attempt == s.cfg.MaxAttempts {
			break
		}

		if err := s.sleep(ctx, attempt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
	}

	metrics.AllocationAttempts(s.cfg.MaxAttempts)

	return nil, fmt.Errorf("%s:%w", op, domain.ErrContention)
}

func (s *Service) afterCommit(o domain.Order) uow.AfterCommit {
	return func(ctx context.Context) {
		for _, h := range s.hooks {
			h(ctx, o)
		}
	}
}

// backoff is exponential with equal jitter, capped at BackoffMax.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << (attempt - 1)
	if d > s.cfg.BackoffMax || d <= 0 {
		d = s.cfg.BackoffMax
	}

	half := d / 2
	return half + rand.N(half+1)
}

func (s *Service) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(s.backoff(attempt))
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newTicketCode(date string) string {
	u := uuid.New()
	return domain.TicketCode(date, hex.EncodeToString(u[:3]))
}
