package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the order store dependency is not configured.
var ErrStoreUnavailable = errors.New("reconcile: store unavailable")

// NewStore constructs an OrderStore backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) OrderStore {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) GetByExternalID(ctx context.Context, providerCode, externalID string) (Order, error) {
	if s == nil || s.pool == nil {
		return Order{}, ErrStoreUnavailable
	}
	var order Order
	err := s.pool.QueryRow(ctx, `SELECT id, external_id, total, currency, paid, placed_at
FROM orders WHERE provider_code = $1 AND external_id = $2`, providerCode, externalID).
		Scan(&order.ID, &order.ExternalID, &order.Total, &order.Currency, &order.Paid, &order.PlacedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	return order, err
}

func (s *pgStore) ListOpenInWindow(ctx context.Context, from, to time.Time) ([]Order, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT id, external_id, total, currency, paid, placed_at
FROM orders WHERE NOT paid AND placed_at BETWEEN $1 AND $2
ORDER BY placed_at DESC LIMIT 200`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var order Order
		if err := rows.Scan(&order.ID, &order.ExternalID, &order.Total, &order.Currency,
			&order.Paid, &order.PlacedAt); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *pgStore) FlagPaid(ctx context.Context, orderID uuid.UUID, transactionID string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE orders
SET paid = TRUE, paid_transaction_id = $2, paid_at = NOW(), updated_at = NOW()
WHERE id = $1 AND NOT paid`, orderID, transactionID)
	return err
}

func (s *pgStore) UpsertReconciliation(ctx context.Context, rec Record) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO reconciliation_records
(event_id, provider_code, transaction_id, order_id, outcome, expected_amount, received_amount, note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO UPDATE SET
  order_id = EXCLUDED.order_id, outcome = EXCLUDED.outcome,
  expected_amount = EXCLUDED.expected_amount, received_amount = EXCLUDED.received_amount,
  note = EXCLUDED.note, updated_at = NOW()`,
		rec.EventID, rec.ProviderCode, rec.TransactionID, rec.OrderID, rec.Outcome,
		rec.ExpectedAmount, rec.ReceivedAmount, rec.Note)
	return err
}
