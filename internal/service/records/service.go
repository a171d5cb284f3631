package records

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Source tells where a Result was served from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceStore    Source = "store"
	SourceDegraded Source = "degraded"
)

type Cache interface {
	GetPurchases(ctx context.Context, userID int64) ([]domain.PurchaseRecord, bool, error)
	// SetPurchases stores records unless the user was invalidated after
	// generation was read.
	SetPurchases(ctx context.Context, userID int64, records []domain.PurchaseRecord, ttl time.Duration, generation int64) (bool, error)
	PurchasesGeneration(ctx context.Context, userID int64) (int64, error)
	InvalidatePurchases(ctx context.Context, userID int64) error
}

type OrderStore interface {
	ListByUser(ctx context.Context, userID int64) ([]domain.Order, error)
}

type Config struct {
	TTL time.Duration
}

// Result is a purchase-record read. Degraded is set when the store failed
// and Records is empty for that reason rather than because the user has no
// purchases.
type Result struct {
	Records  []domain.PurchaseRecord
	Source   Source
	Degraded bool
}

type Service struct {
	cache Cache
	store OrderStore
	log   *slog.Logger
	sf    singleflight.Group
	cfg   Config
}

func New(cache Cache, store OrderStore, log *slog.Logger, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cache: cache,
		store: store,
		log:   log,
		cfg:   cfg,
	}
}

// GetPurchaseRecords returns the purchase history of a user. It never
// fails: cache and store errors degrade to an empty slice.
func (s *Service) GetPurchaseRecords(ctx context.Context, userID int64) []domain.PurchaseRecord {
	return s.Fetch(ctx, userID).Records
}

// Fetch reads the user's records cache-aside. A miss goes to the order
// store and writes back only a non-empty result.
func (s *Service) Fetch(ctx context.Context, userID int64) Result {
	recs, ok, err := s.cache.GetPurchases(ctx, userID)
	if err != nil {
		s.degraded(metrics.StageCacheRead, userID, err)
	} else if ok {
		return Result{Records: nonNil(recs), Source: SourceCache}
	}

	// loads are shared per generation, so a read that follows an
	// invalidation never joins a load that started before it
	gen, err := s.cache.PurchasesGeneration(ctx, userID)
	if err != nil {
		s.degraded(metrics.StageCacheRead, userID, err)
		gen = noGeneration
	}

	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(gen, 10)
	v, _, _ := s.sf.Do(key, func() (any, error) {
		return s.load(ctx, userID, gen), nil
	})

	return v.(Result)
}

// noGeneration disables the write-back when the generation is unknown.
const noGeneration = -1

// Invalidate drops the cached records of a user so the next read sees new
// orders.
func (s *Service) Invalidate(ctx context.Context, userID int64) {
	if err := s.cache.InvalidatePurchases(ctx, userID); err != nil {
		s.degraded(metrics.StageCacheWrite, userID, err)
	}
}

func (s *Service) load(ctx context.Context, userID, gen int64) Result {
	orders, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		s.degraded(metrics.StageStore, userID, err)
		return Result{Records: []domain.PurchaseRecord{}, Source: SourceDegraded, Degraded: true}
	}

	recs := make([]domain.PurchaseRecord, 0, len(orders))
	for _, o := range orders {
		recs = append(recs, o.Record())
	}

	// an empty result is never cached so a first purchase shows up at once
	if len(recs) > 0 && gen != noGeneration {
		stored, err := s.cache.SetPurchases(ctx, userID, recs, s.cfg.TTL, gen)
		if err != nil {
			s.degraded(metrics.StageCacheWrite, userID, err)
		} else if !stored {
			s.log.Debug("purchase records write-back skipped, invalidated while loading", "user_id", userID)
		}
	}

	return Result{Records: recs, Source: SourceStore}
}

func (s *Service) degraded(stage string, userID int64, err error) {
	metrics.RecordsDegraded(stage)
	s.log.Warn("purchase records degraded", "stage", stage, "user_id", userID, "err", err)
}

func nonNil(r []domain.PurchaseRecord) []domain.PurchaseRecord {
	if r == nil {
		return []domain.PurchaseRecord{}
	}
	return r
}
