package planstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhanstream/marketfeed/orderplan"
)

// PostgresStore is a reference Store backed by a pgxpool.Pool. It
// reads from a single `order_plans` table and, for Update, rewrites only
// a plan's status/current-price/last-updated columns; creating and
// deleting plans belongs to the external HTTP API (spec.md §1).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials a connection pool against dsn (a standard
// libpq connection string).
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const selectPlanColumns = `id, symbol, token, exchange, transaction_type, entry_price, exit_price, status, current_price, last_updated, created_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (orderplan.OrderPlan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectPlanColumns+` FROM order_plans WHERE id = $1`, id)
	p, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orderplan.OrderPlan{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) List(ctx context.Context) ([]orderplan.OrderPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectPlanColumns+` FROM order_plans`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orderplan.OrderPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update writes plan.Status, plan.CurrentPrice, and plan.LastUpdated
// back to Postgres — the only fields spec.md §3 allows the core to
// mutate. It returns ErrNotFound if no row matched.
func (s *PostgresStore) Update(ctx context.Context, plan orderplan.OrderPlan) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE order_plans SET status = $1, current_price = $2, last_updated = $3 WHERE id = $4`,
		string(plan.Status), plan.CurrentPrice, plan.LastUpdated, plan.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (orderplan.OrderPlan, error) {
	var p orderplan.OrderPlan
	var transactionType, status string
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Token, &p.Exchange, &transactionType,
		&p.EntryPrice, &p.ExitPrice, &status, &p.CurrentPrice,
		&p.LastUpdated, &p.CreatedAt,
	)
	p.TransactionType = orderplan.TransactionType(transactionType)
	p.Status = orderplan.Status(status)
	return p, err
}
