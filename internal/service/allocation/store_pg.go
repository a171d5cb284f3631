package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/repository"
	postgresrepo "github.com/kirinyoku/tix-rush/internal/repository/postgres"
	"github.com/kirinyoku/tix-rush/internal/uow"
)

// PostgresStore runs the allocation writes as one unit of work.
type PostgresStore struct {
	store *postgresrepo.Store
	uow   *uow.UoW
}

func NewPostgresStore(store *postgresrepo.Store) *PostgresStore {
	return &PostgresStore{
		store: store,
		uow:   uow.NewUoW(store),
	}
}

func (p *PostgresStore) OrderExists(ctx context.Context, userID int64, date string) (bool, error) {
	return p.store.Orders().ExistsForUserDate(ctx, userID, date)
}

func (p *PostgresStore) Inventory(ctx context.Context, date string) (*domain.TicketInventory, error) {
	return p.store.Inventory().Get(ctx, date)
}

func (p *PostgresStore) CommitOrder(ctx context.Context, o domain.Order, expectedVersion int64, onCommit uow.AfterCommit) error {
	const op = "allocation.PostgresStore.CommitOrder"

	err := p.uow.Do(ctx, func(ctx context.Context, tx postgresrepo.DB, after func(uow.AfterCommit)) error {
		ok, err := p.store.Inventory().With(tx).DecrementIfVersion(ctx, o.Date, expectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			return repository.ErrVersionConflict
		}

		if err := p.store.Orders().With(tx).Insert(ctx, o); err != nil {
			return err
		}

		after(onCommit)

		return nil
	})
	if err != nil {
		if postgresrepo.IsRetryable(err) && !errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("%s: %w: %w", op, repository.ErrVersionConflict, err)
		}
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
