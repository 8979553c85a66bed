// Package reconcile matches normalised payment updates against internal
// orders and records the reconciliation outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/oakline/posbridge/internal/obs"
	"github.com/oakline/posbridge/internal/provider"
)

// ErrOrderNotFound is returned by OrderStore lookups that resolve to nothing.
var ErrOrderNotFound = errors.New("reconcile: order not found")

// Order is the slice of an internal order the matcher needs.
type Order struct {
	ID         uuid.UUID
	ExternalID string
	Total      decimal.Decimal
	Currency   string
	Paid       bool
	PlacedAt   time.Time
}

// OrderStore provides order lookups and paid-state updates.
type OrderStore interface {
	GetByExternalID(ctx context.Context, providerCode, externalID string) (Order, error)
	ListOpenInWindow(ctx context.Context, from, to time.Time) ([]Order, error)
	FlagPaid(ctx context.Context, orderID uuid.UUID, transactionID string) error
	UpsertReconciliation(ctx context.Context, rec Record) error
}

// Reconciliation outcomes.
const (
	OutcomeMatched    = "matched"
	OutcomeUnmatched  = "unmatched"
	OutcomeDiscrepant = "discrepant"
)

// Record is one reconciliation decision for an event. ExpectedAmount is the
// matched order's total and stays null when no order was resolved.
type Record struct {
	EventID        uuid.UUID
	ProviderCode   string
	TransactionID  string
	OrderID        uuid.NullUUID
	Outcome        string
	ExpectedAmount decimal.NullDecimal
	ReceivedAmount decimal.Decimal
	Note           string
}

// Result reports how a payment update was matched.
type Result struct {
	Outcome        string
	OrderID        uuid.NullUUID
	ExpectedAmount decimal.NullDecimal
	Note           string
}

// Matcher resolves payment updates to orders. It matches on the external
// order reference first and falls back to a time window plus amount match.
// Ambiguous amount matches are never resolved automatically.
type Matcher struct {
	Orders       OrderStore
	Tolerance    decimal.Decimal
	WindowBefore time.Duration
	WindowAfter  time.Duration
	Logger       zerolog.Logger
}

func (m Matcher) tolerance() decimal.Decimal {
	if m.Tolerance.IsZero() {
		return decimal.RequireFromString("0.01")
	}
	return m.Tolerance
}

func (m Matcher) windowBefore() time.Duration {
	if m.WindowBefore <= 0 {
		return time.Hour
	}
	return m.WindowBefore
}

func (m Matcher) windowAfter() time.Duration {
	if m.WindowAfter <= 0 {
		return 5 * time.Minute
	}
	return m.WindowAfter
}

// Match finds the order a payment update belongs to and records the outcome.
// The window fallback is anchored on receivedAt, the time the webhook arrived,
// so delayed processing never shifts the candidate window. When the update
// reports a completed payment the matched order is flagged paid.
func (m Matcher) Match(ctx context.Context, eventID uuid.UUID, receivedAt time.Time, update provider.PaymentUpdate) (Result, error) {
	if m.Orders == nil {
		return Result{}, errors.New("reconcile: order store unavailable")
	}
	res, err := m.resolve(ctx, receivedAt, update)
	if err != nil {
		return Result{}, err
	}

	rec := Record{
		EventID:        eventID,
		ProviderCode:   update.Provider,
		TransactionID:  update.TransactionID,
		OrderID:        res.OrderID,
		Outcome:        res.Outcome,
		ExpectedAmount: res.ExpectedAmount,
		ReceivedAmount: update.Amount,
		Note:           res.Note,
	}
	if err := m.Orders.UpsertReconciliation(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("record reconciliation: %w", err)
	}
	if obs.OrderMatchTotal != nil {
		obs.OrderMatchTotal.WithLabelValues(update.Provider, res.Outcome).Inc()
	}

	if res.Outcome == OutcomeMatched && update.Status == provider.StatusCompleted && res.OrderID.Valid {
		if err := m.Orders.FlagPaid(ctx, res.OrderID.UUID, update.TransactionID); err != nil {
			return Result{}, fmt.Errorf("flag order paid: %w", err)
		}
	}
	return res, nil
}

func (m Matcher) resolve(ctx context.Context, receivedAt time.Time, update provider.PaymentUpdate) (Result, error) {
	if update.ExternalOrderID != "" {
		order, err := m.Orders.GetByExternalID(ctx, update.Provider, update.ExternalOrderID)
		switch {
		case err == nil:
			return m.compare(order, update), nil
		case errors.Is(err, ErrOrderNotFound):
			// Fall through to the window match.
		default:
			return Result{}, err
		}
	}
	return m.matchByWindow(ctx, receivedAt, update)
}

func (m Matcher) compare(order Order, update provider.PaymentUpdate) Result {
	expected := decimal.NullDecimal{Decimal: order.Total, Valid: true}
	delta := update.Amount.Sub(order.Total).Abs()
	if delta.GreaterThan(m.tolerance()) {
		return Result{
			Outcome:        OutcomeDiscrepant,
			OrderID:        uuid.NullUUID{UUID: order.ID, Valid: true},
			ExpectedAmount: expected,
			Note: fmt.Sprintf("amount mismatch: order total %s, payment %s",
				order.Total.StringFixed(2), update.Amount.StringFixed(2)),
		}
	}
	return Result{Outcome: OutcomeMatched, OrderID: uuid.NullUUID{UUID: order.ID, Valid: true}, ExpectedAmount: expected}
}

func (m Matcher) matchByWindow(ctx context.Context, receivedAt time.Time, update provider.PaymentUpdate) (Result, error) {
	anchor := receivedAt
	if anchor.IsZero() {
		anchor = time.Now()
	}
	from := anchor.Add(-m.windowBefore())
	to := anchor.Add(m.windowAfter())
	candidates, err := m.Orders.ListOpenInWindow(ctx, from, to)
	if err != nil {
		return Result{}, err
	}

	var hits []Order
	for _, order := range candidates {
		if update.Amount.Sub(order.Total).Abs().LessThanOrEqual(m.tolerance()) {
			hits = append(hits, order)
		}
	}
	switch len(hits) {
	case 1:
		return Result{
			Outcome:        OutcomeMatched,
			OrderID:        uuid.NullUUID{UUID: hits[0].ID, Valid: true},
			ExpectedAmount: decimal.NullDecimal{Decimal: hits[0].Total, Valid: true},
		}, nil
	case 0:
		return Result{Outcome: OutcomeUnmatched, Note: "no open order matched by amount"}, nil
	default:
		m.Logger.Warn().Str("provider", update.Provider).Str("transaction_id", update.TransactionID).
			Int("candidates", len(hits)).Msg("ambiguous amount match, leaving unmatched")
		return Result{Outcome: OutcomeUnmatched, Note: fmt.Sprintf("ambiguous: %d open orders share the amount", len(hits))}, nil
	}
}
