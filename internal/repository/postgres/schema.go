package postgresrepo

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticket_inventory (
	date            DATE PRIMARY KEY,
	remaining_stock BIGINT NOT NULL CHECK (remaining_stock >= 0),
	version         BIGINT NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL,
	date        DATE NOT NULL,
	ticket_code TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT orders_user_date_key UNIQUE (user_id, date),
	CONSTRAINT orders_ticket_code_key UNIQUE (ticket_code)
);

CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at);

CREATE TABLE IF NOT EXISTS purchase_requests (
	request_id TEXT PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	date       DATE NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'SUCCESS', 'FAILED', 'DUPLICATE')),
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the tables this service owns if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const op = "postgresrepo.Store.EnsureSchema"

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
