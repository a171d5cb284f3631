package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/repository"
	redisrepo "github.com/kirinyoku/tix-rush/internal/repository/redis"
)

type InventoryStore interface {
	Get(ctx context.Context, date string) (*domain.TicketInventory, error)
	SetStock(ctx context.Context, date string, stock int64) (*domain.TicketInventory, error)
}

type Publisher interface {
	PublishSoldOut(ctx context.Context, date string) error
	PublishRestocked(ctx context.Context, date string) error
}

type Config struct {
	InventoryTTL time.Duration
}

type Service struct {
	store  InventoryStore
	cache  *redisrepo.Cache
	pubsub Publisher
	log    *slog.Logger
	cfg    Config
}

func New(store InventoryStore, cache *redisrepo.Cache, pubsub Publisher, log *slog.Logger, cfg Config) *Service {
	if cfg.InventoryTTL <= 0 {
		cfg.InventoryTTL = time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		store:  store,
		cache:  cache,
		pubsub: pubsub,
		log:    log,
		cfg:    cfg,
	}
}

// SetStock sets the remaining stock of a date and tells every node whether
// the date is sellable.
//
// Parameters:
//   - ctx: request-scoped context.
//   - date: ticket date, YYYY-MM-DD.
//   - stock: new remaining stock, must not be negative.
//
// Returns:
//   - *domain.TicketInventory: the stored inventory with its new version.
//   - error: domain.ErrInvalidRequest on bad input.
func (s *Service) SetStock(ctx context.Context, date string, stock int64) (*domain.TicketInventory, error) {
	const op = "service.admin.SetStock"

	date, err := domain.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("%s: %s:%w", op, err, domain.ErrInvalidRequest)
	}
	if stock < 0 {
		return nil, fmt.Errorf("%s: negative stock:%w", op, domain.ErrInvalidRequest)
	}

	inv, err := s.store.SetStock(ctx, date, stock)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}

	if err := s.cache.InvalidateInventory(ctx, date); err != nil {
		s.log.Warn("invalidate inventory cache failed", "date", date, "err", err)
	}

	publish := s.pubsub.PublishRestocked
	if stock == 0 {
		publish = s.pubsub.PublishSoldOut
	}
	if err := publish(ctx, date); err != nil {
		s.log.Warn("publish inventory notice failed", "date", date, "err", err)
	}

	s.log.Info("inventory set", "date", date, "stock", stock, "version", inv.Version)

	return inv, nil
}

// GetInventory returns the inventory of a date, cached for a short TTL.
func (s *Service) GetInventory(ctx context.Context, date string) (*domain.TicketInventory, error) {
	const op = "service.admin.GetInventory"

	date, err := domain.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("%s: %s:%w", op, err, domain.ErrInvalidRequest)
	}

	inv, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyInventory(date),
		s.cfg.InventoryTTL,
		func(ctx context.Context) (domain.TicketInventory, error) {
			inv, err := s.store.Get(ctx, date)
			if err != nil {
				return domain.TicketInventory{}, err
			}
			return *inv, nil
		},
	)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}

	return &inv, nil
}

// InvalidateInventory drops the cached inventory of a date.
func (s *Service) InvalidateInventory(ctx context.Context, date string) {
	if err := s.cache.InvalidateInventory(ctx, date); err != nil {
		s.log.Warn("invalidate inventory cache failed", "date", date, "err", err)
	}
}
