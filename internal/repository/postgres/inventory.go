package postgresrepo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-rush/internal/domain"
)

type InventoryRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *InventoryRepo) With(db DB) *InventoryRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *InventoryRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Get reads the inventory row of a date.
//
// Returns:
//   - error: repository.ErrNotFound if no stock was ever set for the date.
func (r *InventoryRepo) Get(ctx context.Context, date string) (*domain.TicketInventory, error) {
	const op = "postgresrepo.InventoryRepo.Get"

	db := r.handle()

	var inv domain.TicketInventory
	if err := db.QueryRow(ctx,
		`SELECT date::text, remaining_stock, version, updated_at
		 FROM ticket_inventory WHERE date = $1`,
		date,
	).Scan(&inv.Date, &inv.RemainingStock, &inv.Version, &inv.UpdatedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &inv, nil
}

// DecrementIfVersion takes one ticket only if nobody changed the row since
// it was read at version. It reports false when the version moved or the
// stock is already zero.
func (r *InventoryRepo) DecrementIfVersion(ctx context.Context, date string, version int64) (bool, error) {
	const op = "postgresrepo.InventoryRepo.DecrementIfVersion"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE ticket_inventory
		 SET remaining_stock = remaining_stock - 1,
		     version = version + 1,
		     updated_at = now()
		 WHERE date = $1 AND version = $2 AND remaining_stock > 0`,
		date, version,
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

// SetStock creates or replaces the remaining stock of a date, bumping the
// version so in-flight optimistic decrements retry against the new value.
func (r *InventoryRepo) SetStock(ctx context.Context, date string, stock int64) (*domain.TicketInventory, error) {
	const op = "postgresrepo.InventoryRepo.SetStock"

	db := r.handle()

	var inv domain.TicketInventory
	if err := db.QueryRow(ctx,
		`INSERT INTO ticket_inventory(date, remaining_stock, version)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (date) DO UPDATE
		 SET remaining_stock = EXCLUDED.remaining_stock,
		     version = ticket_inventory.version + 1,
		     updated_at = now()
		 RETURNING date::text, remaining_stock, version, updated_at`,
		date, stock,
	).Scan(&inv.Date, &inv.RemainingStock, &inv.Version, &inv.UpdatedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &inv, nil
}
