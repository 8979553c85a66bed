package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/oakline/posbridge/internal/provider"
)

type stubOrderStore struct {
	byExternal map[string]Order
	open       []Order
	paid       []uuid.UUID
	records    []Record

	windowFrom time.Time
	windowTo   time.Time
}

func (s *stubOrderStore) GetByExternalID(_ context.Context, providerCode, externalID string) (Order, error) {
	if order, ok := s.byExternal[providerCode+"/"+externalID]; ok {
		return order, nil
	}
	return Order{}, ErrOrderNotFound
}

func (s *stubOrderStore) ListOpenInWindow(_ context.Context, from, to time.Time) ([]Order, error) {
	s.windowFrom, s.windowTo = from, to
	return s.open, nil
}

func (s *stubOrderStore) FlagPaid(_ context.Context, orderID uuid.UUID, _ string) error {
	s.paid = append(s.paid, orderID)
	return nil
}

func (s *stubOrderStore) UpsertReconciliation(_ context.Context, rec Record) error {
	s.records = append(s.records, rec)
	return nil
}

func amount(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestMatchByExternalID(t *testing.T) {
	orderID := uuid.New()
	store := &stubOrderStore{byExternal: map[string]Order{
		"square/sq-order-1": {ID: orderID, ExternalID: "sq-order-1", Total: amount("25.00")},
	}}
	m := Matcher{Orders: store}

	res, err := m.Match(context.Background(), uuid.New(), time.Now(), provider.PaymentUpdate{
		Provider:        "square",
		TransactionID:   "tx-1",
		ExternalOrderID: "sq-order-1",
		Status:          provider.StatusCompleted,
		Amount:          amount("25.00"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMatched, res.Outcome)
	require.Equal(t, orderID, res.OrderID.UUID)
	require.Equal(t, []uuid.UUID{orderID}, store.paid, "completed payment flags the order paid")
	require.Len(t, store.records, 1)
	rec := store.records[0]
	require.True(t, rec.ExpectedAmount.Valid)
	require.True(t, rec.ExpectedAmount.Decimal.Equal(amount("25.00")))
	require.True(t, rec.ReceivedAmount.Equal(amount("25.00")))
}

func TestMatchWithinTolerance(t *testing.T) {
	orderID := uuid.New()
	store := &stubOrderStore{byExternal: map[string]Order{
		"square/sq-order-1": {ID: orderID, Total: amount("25.00")},
	}}
	m := Matcher{Orders: store}

	res, err := m.Match(context.Background(), uuid.New(), time.Now(), provider.PaymentUpdate{
		Provider:        "square",
		ExternalOrderID: "sq-order-1",
		Status:          provider.StatusPending,
		Amount:          amount("25.01"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMatched, res.Outcome)
	require.Empty(t, store.paid, "non-completed payment never flags paid")
}

func TestMatchAmountDiscrepancy(t *testing.T) {
	store := &stubOrderStore{byExternal: map[string]Order{
		"square/sq-order-1": {ID: uuid.New(), Total: amount("25.00")},
	}}
	m := Matcher{Orders: store}

	res, err := m.Match(context.Background(), uuid.New(), time.Now(), provider.PaymentUpdate{
		Provider:        "square",
		ExternalOrderID: "sq-order-1",
		Status:          provider.StatusCompleted,
		Amount:          amount("30.00"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeDiscrepant, res.Outcome)
	require.True(t, res.OrderID.Valid, "discrepancy still points at the order")
	require.Empty(t, store.paid, "discrepant payments never flag the order paid")

	// The record keeps both sides of the mismatch.
	require.Len(t, store.records, 1)
	rec := store.records[0]
	require.True(t, rec.ExpectedAmount.Valid)
	require.True(t, rec.ExpectedAmount.Decimal.Equal(amount("25.00")))
	require.True(t, rec.ReceivedAmount.Equal(amount("30.00")))
}

func TestWindowMatchSingleCandidate(t *testing.T) {
	orderID := uuid.New()
	store := &stubOrderStore{open: []Order{
		{ID: orderID, Total: amount("12.75")},
		{ID: uuid.New(), Total: amount("99.00")},
	}}
	m := Matcher{Orders: store}

	res, err := m.Match(context.Background(), uuid.New(), time.Now(), provider.PaymentUpdate{
		Provider:      "toast",
		TransactionID: "tx-9",
		Status:        provider.StatusCompleted,
		Amount:        amount("12.75"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMatched, res.Outcome)
	require.Equal(t, orderID, res.OrderID.UUID)
	require.True(t, res.ExpectedAmount.Valid)
	require.True(t, res.ExpectedAmount.Decimal.Equal(amount("12.75")))
}

func TestWindowAnchorsOnReceivedTime(t *testing.T) {
	store := &stubOrderStore{}
	m := Matcher{Orders: store}
	receivedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	_, err := m.Match(context.Background(), uuid.New(), receivedAt, provider.PaymentUpdate{
		Provider: "toast",
		Status:   provider.StatusCompleted,
		Amount:   amount("5.00"),
	})
	require.NoError(t, err)
	require.Equal(t, receivedAt.Add(-time.Hour), store.windowFrom,
		"window opens one hour before the webhook arrived")
	require.Equal(t, receivedAt.Add(5*time.Minute), store.windowTo,
		"window closes five minutes after the webhook arrived")
}

func TestWindowMatchAmbiguousStaysUnmatched(t *testing.T) {
	store := &stubOrderStore{open: []Order{
		{ID: uuid.New(), Total: amount("12.75")},
		{ID: uuid.New(), Total: amount("12.75")},
	}}
	m := Matcher{Orders: store}

	res, err := m.Match(context.Background(), uuid.New(), time.Now(), provider.PaymentUpdate{
		Provider: "toast",
		Status:   provider.StatusCompleted,
		Amount:   amount("12.75"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnmatched, res.Outcome)
	require.False(t, res.OrderID.Valid)
	require.Empty(t, store.paid)
}

func TestWindowMatchNothing(t *testing.T) {
	store := &stubOrderStore{}
	m := Matcher{Orders: store}

	res, err := m.Match(context.Background(), uuid.New(), time.Now(), provider.PaymentUpdate{
		Provider: "stripe",
		Status:   provider.StatusCompleted,
		Amount:   amount("5.00"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnmatched, res.Outcome)
	require.Len(t, store.records, 1)
	require.Equal(t, OutcomeUnmatched, store.records[0].Outcome)
	require.False(t, store.records[0].ExpectedAmount.Valid, "no order resolved, no expected amount")
	require.True(t, store.records[0].ReceivedAmount.Equal(amount("5.00")))
}
