package postgresrepo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/repository"
)

type RequestRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *RequestRepo) With(db DB) *RequestRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *RequestRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// CreatePending records a freshly admitted intent. Re-submitting the same
// request id for the same user and date is a no-op.
//
// Returns:
//   - error: repository.ErrRequestMismatch if the request id is already
//     recorded for another user or date.
func (r *RequestRepo) CreatePending(ctx context.Context, intent domain.PurchaseIntent) error {
	const op = "postgresrepo.RequestRepo.CreatePending"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`INSERT INTO purchase_requests(request_id, user_id, date, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (request_id) DO UPDATE
		 SET request_id = EXCLUDED.request_id
		 WHERE purchase_requests.user_id = EXCLUDED.user_id
		   AND purchase_requests.date = EXCLUDED.date`,
		intent.RequestID, intent.UserID, intent.Date, string(domain.StatusPending),
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrRequestMismatch)
	}

	return nil
}

// Transition moves a request to status unless it already reached a terminal
// state. Unknown requests are inserted directly in the new status.
//
// Returns:
//   - error: repository.ErrTerminalStatus if the stored status is terminal,
//     repository.ErrRequestMismatch if the row belongs to another user or
//     date.
func (r *RequestRepo) Transition(
	ctx context.Context,
	intent domain.PurchaseIntent,
	status domain.MessageStatus,
	reason string,
) error {
	const op = "postgresrepo.RequestRepo.Transition"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`INSERT INTO purchase_requests(request_id, user_id, date, status, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (request_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     reason = EXCLUDED.reason,
		     updated_at = now()
		 WHERE purchase_requests.status IN ('PENDING', 'PROCESSING')
		   AND purchase_requests.user_id = EXCLUDED.user_id
		   AND purchase_requests.date = EXCLUDED.date`,
		intent.RequestID, intent.UserID, intent.Date, string(status), reason,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, refusal(ctx, db, intent))
	}

	return nil
}

// refusal tells why an upsert left the stored row untouched.
func refusal(ctx context.Context, db DB, intent domain.PurchaseIntent) error {
	var (
		userID int64
		date   string
	)
	if err := db.QueryRow(ctx,
		`SELECT user_id, date::text FROM purchase_requests WHERE request_id = $1`,
		intent.RequestID,
	).Scan(&userID, &date); err != nil {
		return repository.ErrTerminalStatus
	}

	if userID != intent.UserID || date != intent.Date {
		return repository.ErrRequestMismatch
	}

	return repository.ErrTerminalStatus
}

func (r *RequestRepo) Get(ctx context.Context, requestID string) (*domain.PurchaseRequest, error) {
	const op = "postgresrepo.RequestRepo.Get"

	db := r.handle()

	var (
		pr     domain.PurchaseRequest
		status string
	)
	if err := db.QueryRow(ctx,
		`SELECT request_id, user_id, date::text, status, reason, created_at, updated_at
		 FROM purchase_requests WHERE request_id = $1`,
		requestID,
	).Scan(&pr.RequestID, &pr.UserID, &pr.Date, &status, &pr.Reason, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	pr.Status = domain.MessageStatus(status)

	return &pr, nil
}
