package postgresrepo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-rush/internal/domain"
)

type OrderRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *OrderRepo) With(db DB) *OrderRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *OrderRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Insert stores a new order.
//
// Returns:
//   - error: repository.ErrConflict if the user already holds an order for
//     the date or the ticket code is taken.
func (r *OrderRepo) Insert(ctx context.Context, o domain.Order) error {
	const op = "postgresrepo.OrderRepo.Insert"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`INSERT INTO orders(user_id, date, ticket_code, created_at)
		 VALUES ($1, $2, $3, $4)`,
		o.UserID, o.Date, o.TicketCode, o.CreatedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *OrderRepo) ExistsForUserDate(ctx context.Context, userID int64, date string) (bool, error) {
	const op = "postgresrepo.OrderRepo.ExistsForUserDate"

	db := r.handle()

	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE user_id = $1 AND date = $2)`,
		userID, date,
	).Scan(&exists); err != nil {
		return false, wrapDBErr(op, err)
	}

	return exists, nil
}

// ListByUser returns every order of a user, oldest first.
func (r *OrderRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	const op = "postgresrepo.OrderRepo.ListByUser"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT user_id, date::text, ticket_code, created_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.UserID, &o.Date, &o.TicketCode, &o.CreatedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
