package service

import (
	"context"
	"log/slog"

	"github.com/kirinyoku/tix-rush/internal/clock"
	"github.com/kirinyoku/tix-rush/internal/domain"
	redisx "github.com/kirinyoku/tix-rush/internal/redis"
	postgresrepo "github.com/kirinyoku/tix-rush/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-rush/internal/repository/redis"
	"github.com/kirinyoku/tix-rush/internal/service/admin"
	"github.com/kirinyoku/tix-rush/internal/service/admission"
	"github.com/kirinyoku/tix-rush/internal/service/allocation"
	"github.com/kirinyoku/tix-rush/internal/service/consumer"
	"github.com/kirinyoku/tix-rush/internal/service/ratelimit"
	"github.com/kirinyoku/tix-rush/internal/service/records"
	"github.com/kirinyoku/tix-rush/internal/signature"
)

type Services struct {
	Limiter    *ratelimit.Limiter
	Admission  *admission.Service
	Records    *records.Service
	Allocation *allocation.Service
	Consumer   *consumer.Consumer
	Admin      *admin.Service
}

type Config struct {
	Admission  admission.Config
	Records    records.Config
	Allocation allocation.Config
	Consumer   consumer.Config
	Admin      admin.Config
}

type Deps struct {
	Store    *postgresrepo.Store
	Cache    *redisrepo.Cache
	Counters *redisrepo.CounterStore
	Queue    *redisrepo.IntentQueue
	Audit    *redisrepo.SubmissionAudit
	PubSub   *redisx.InventoryPubSub
	Signer   *signature.Signer
	Clock    clock.Clock
	Log      *slog.Logger
}

func NewServices(d Deps, cfg Config) *Services {
	limiter := ratelimit.New(redisrepo.NewBucketStore(d.Counters), d.Clock, d.Log.With("component", "ratelimit"))

	rec := records.New(d.Cache, d.Store.Orders(), d.Log.With("component", "records"), cfg.Records)
	adm := admin.New(d.Store.Inventory(), d.Cache, d.PubSub, d.Log.With("component", "admin"), cfg.Admin)

	alloc := allocation.New(
		allocation.NewPostgresStore(d.Store),
		d.Signer,
		d.Clock,
		d.Log.With("component", "allocation"),
		cfg.Allocation,
		func(ctx context.Context, o domain.Order) {
			rec.Invalidate(ctx, o.UserID)
			adm.InvalidateInventory(ctx, o.Date)
		},
	)

	return &Services{
		Limiter: limiter,
		Admission: admission.New(
			limiter,
			d.Store.Requests(),
			d.Queue,
			d.Signer,
			d.Clock,
			d.Log.With("component", "admission"),
			cfg.Admission,
		),
		Records:    rec,
		Allocation: alloc,
		Consumer: consumer.New(
			d.Queue,
			alloc,
			d.Store.Requests(),
			d.Audit,
			d.PubSub,
			d.Log.With("component", "consumer"),
			cfg.Consumer,
		),
		Admin: adm,
	}
}
