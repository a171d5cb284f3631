package uow

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	postgresrepo "github.com/kirinyoku/tix-rush/internal/repository/postgres"
)

// AfterCommit runs after a successful transaction commit. It never runs
// when the transaction rolls back.
type AfterCommit func(ctx context.Context)

// HookTimeout bounds the hooks of one commit. They run even when the
// caller's context is already cancelled.
const HookTimeout = 5 * time.Second

type UoW struct {
	store *postgresrepo.Store
}

func NewUoW(store *postgresrepo.Store) *UoW {
	return &UoW{store: store}
}

// Do runs fn inside a transaction and executes the registered hooks after
// commit, in registration order.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, tx postgresrepo.DB, after func(AfterCommit)) error,
) error {
	return u.DoWithOpts(ctx, nil, fn)
}

func (u *UoW) DoWithOpts(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context, tx postgresrepo.DB, after func(AfterCommit)) error,
) error {
	var hooks []AfterCommit

	err := u.store.RunTx(ctx, opts, func(ctx context.Context, tx postgresrepo.DB) error {
		// a retried fn must not inherit hooks from the failed attempt
		hooks = hooks[:0]
		return fn(ctx, tx, func(h AfterCommit) {
			hooks = append(hooks, h)
		})
	})
	if err != nil {
		return err
	}

	RunHooks(ctx, hooks)

	return nil
}

// RunHooks runs hooks in order. Stores that commit outside a UoW use it to
// honour the same contract.
func RunHooks(ctx context.Context, hooks []AfterCommit) {
	if len(hooks) == 0 {
		return
	}

	// the commit is durable, cancelling the caller must not skip its effects
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HookTimeout)
	defer cancel()

	for _, h := range hooks {
		if h != nil {
			h(ctx)
		}
	}
}
