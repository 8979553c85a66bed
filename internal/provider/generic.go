package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GenericAdapter handles providers without a dedicated integration. It reads
// a flat payload of common field names and passes the provider's event type
// through when it already matches a canonical one.
type GenericAdapter struct{}

func (GenericAdapter) Code() string            { return "generic" }
func (GenericAdapter) SignatureHeader() string { return "x-webhook-signature" }

type genericPayload struct {
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	TransactionID string          `json:"transaction_id"`
	OrderID       string          `json:"order_id"`
	PaymentID     string          `json:"payment_id"`
	Status        string          `json:"status"`
	Method        string          `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	Tip           decimal.Decimal `json:"tip"`
	Tax           decimal.Decimal `json:"tax"`
	Discount      decimal.Decimal `json:"discount"`
	Currency      string          `json:"currency"`
	CardBrand     string          `json:"card_brand"`
	CardLast4     string          `json:"card_last4"`
}

func (GenericAdapter) EventType(body []byte) (string, error) {
	var p genericPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.EventType == "" {
		return "", fmt.Errorf("%w: missing event_type field", ErrMalformedPayload)
	}
	return p.EventType, nil
}

// EventTime reads the payload's timestamp field.
func (GenericAdapter) EventTime(body []byte) (time.Time, bool) {
	var p genericPayload
	if err := json.Unmarshal(body, &p); err != nil || p.Timestamp.IsZero() {
		return time.Time{}, false
	}
	return p.Timestamp, true
}

func (GenericAdapter) MapEventType(providerType string) (string, bool) {
	switch providerType {
	case EventPaymentCreated, EventPaymentUpdated, EventRefundUpdated:
		return providerType, true
	default:
		return "", false
	}
}

var genericStatuses = map[string]PaymentStatus{
	"completed":          StatusCompleted,
	"paid":               StatusCompleted,
	"succeeded":          StatusCompleted,
	"pending":            StatusPending,
	"processing":         StatusPending,
	"failed":             StatusFailed,
	"declined":           StatusFailed,
	"cancelled":          StatusCancelled,
	"canceled":           StatusCancelled,
	"refunded":           StatusRefunded,
	"partially_refunded": StatusPartiallyRefunded,
	"voided":             StatusVoided,
}

func (a GenericAdapter) Normalize(body []byte) (PaymentUpdate, error) {
	var p genericPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return PaymentUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := a.MapEventType(p.EventType); !ok {
		return PaymentUpdate{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, p.EventType)
	}
	if p.TransactionID == "" {
		return PaymentUpdate{}, fmt.Errorf("%w: missing transaction_id", ErrMalformedPayload)
	}

	update := PaymentUpdate{
		Provider:          "generic",
		TransactionID:     p.TransactionID,
		ExternalOrderID:   p.OrderID,
		ExternalPaymentID: p.PaymentID,
		Method:            strings.ToLower(p.Method),
		Amount:            p.Amount,
		Currency:          strings.ToUpper(p.Currency),
		Tip:               p.Tip,
		Tax:               p.Tax,
		Discount:          p.Discount,
		CardBrand:         p.CardBrand,
		CardLast4:         p.CardLast4,
	}
	status, ok := genericStatuses[strings.ToLower(p.Status)]
	if !ok {
		status = StatusPending
		update.Warnings = append(update.Warnings, fmt.Sprintf("unmapped status %q, defaulted to pending", p.Status))
	}
	update.Status = status
	return update, nil
}
