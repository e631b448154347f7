package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opex/trading-engine/internal/model"
)

// uniqueViolation is the PostgreSQL error code for a uniqueness-constraint
// violation. Classification is typed here so no caller ever matches on
// error message text.
const uniqueViolation = "23505"

// PostgresWriter implements Writer against PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter creates a PostgreSQL-backed ledger writer.
func NewPostgresWriter(pool *pgxpool.Pool) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

// RecordClose inserts the closed trade and updates the user's balance in
// one transaction. A duplicate trade id rolls the transaction back and
// returns ErrDuplicateTrade.
func (w *PostgresWriter) RecordClose(ctx context.Context, t *model.ClosedTrade, bal model.Balance) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin close transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO existing_trades
		   (id, user_id, asset, type, leverage, quantity, margin,
		    open_price, close_price, pnl, decimal, liquidated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.UserID, t.Asset, string(t.Side), t.Leverage, t.Quantity.String(), t.Margin,
		t.OpenPrice, t.ClosePrice, t.Pnl, t.Scale, t.Liquidated, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateTrade
		}
		return fmt.Errorf("insert closed trade %s: %w", t.ID, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance = $2, decimal = $3 WHERE id = $1`,
		t.UserID, bal.Amount, bal.Scale,
	)
	if err != nil {
		return fmt.Errorf("update balance for %s: %w", t.UserID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit close transaction: %w", err)
	}
	return nil
}

// CreateSchema creates the ledger tables if they do not exist. The users
// table is owned by the gateway; only the balance columns are touched here.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id       UUID PRIMARY KEY,
			email    VARCHAR(255) UNIQUE,
			balance  BIGINT NOT NULL DEFAULT 0,
			decimal  INTEGER NOT NULL DEFAULT 4
		);
		CREATE TABLE IF NOT EXISTS existing_trades (
			id          UUID PRIMARY KEY,
			user_id     UUID NOT NULL REFERENCES users (id),
			asset       VARCHAR(255) NOT NULL,
			type        VARCHAR(8) NOT NULL,
			leverage    INTEGER NOT NULL,
			quantity    NUMERIC NOT NULL,
			margin      BIGINT NOT NULL,
			open_price  BIGINT NOT NULL,
			close_price BIGINT NOT NULL,
			pnl         BIGINT NOT NULL,
			decimal     INTEGER NOT NULL,
			liquidated  BOOLEAN NOT NULL,
			created_at  TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS existing_trades_user_idx ON existing_trades (user_id);
	`)
	if err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}
