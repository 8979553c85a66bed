package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ToastAdapter normalises Toast webhook payloads. Unlike Square and Stripe,
// Toast reports amounts as decimal dollar values.
type ToastAdapter struct{}

func (ToastAdapter) Code() string            { return "toast" }
func (ToastAdapter) SignatureHeader() string { return "x-toast-signature" }

type toastEnvelope struct {
	EventType string       `json:"eventType"`
	Timestamp time.Time    `json:"timestamp"`
	Payment   toastPayment `json:"payment"`
}

type toastPayment struct {
	GUID          string          `json:"guid"`
	OrderGUID     string          `json:"orderGuid"`
	CheckGUID     string          `json:"checkGuid"`
	PaymentStatus string          `json:"paymentStatus"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	TipAmount     decimal.Decimal `json:"tipAmount"`
	TaxAmount     decimal.Decimal `json:"taxAmount"`
	RefundAmount  decimal.Decimal `json:"refundAmount"`
	Currency      string          `json:"currency"`
	CardType      string          `json:"cardType"`
	Last4Digits   string          `json:"last4Digits"`
}

func (ToastAdapter) EventType(body []byte) (string, error) {
	var env toastEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.EventType == "" {
		return "", fmt.Errorf("%w: missing eventType field", ErrMalformedPayload)
	}
	return env.EventType, nil
}

// EventTime reads the envelope's timestamp field.
func (ToastAdapter) EventTime(body []byte) (time.Time, bool) {
	var env toastEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Timestamp.IsZero() {
		return time.Time{}, false
	}
	return env.Timestamp, true
}

func (ToastAdapter) MapEventType(providerType string) (string, bool) {
	switch strings.ToUpper(providerType) {
	case "PAYMENT_CREATED":
		return EventPaymentCreated, true
	case "PAYMENT_UPDATED":
		return EventPaymentUpdated, true
	case "REFUND_UPDATED":
		return EventRefundUpdated, true
	default:
		return "", false
	}
}

var toastStatuses = map[string]PaymentStatus{
	"CAPTURED":   StatusCompleted,
	"PAID":       StatusCompleted,
	"AUTHORIZED": StatusPending,
	"PROCESSING": StatusPending,
	"DENIED":     StatusFailed,
	"ERROR":      StatusFailed,
	"CANCELLED":  StatusCancelled,
	"VOIDED":     StatusVoided,
	"REFUNDED":   StatusRefunded,
}

func (a ToastAdapter) Normalize(body []byte) (PaymentUpdate, error) {
	var env toastEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PaymentUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	canonical, ok := a.MapEventType(env.EventType)
	if !ok {
		return PaymentUpdate{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.EventType)
	}
	p := env.Payment
	if p.GUID == "" {
		return PaymentUpdate{}, fmt.Errorf("%w: missing payment guid", ErrMalformedPayload)
	}

	currency := strings.ToUpper(p.Currency)
	if currency == "" {
		currency = "USD"
	}
	update := PaymentUpdate{
		Provider:          "toast",
		TransactionID:     p.GUID,
		ExternalOrderID:   p.OrderGUID,
		ExternalPaymentID: p.GUID,
		Method:            strings.ToLower(p.Type),
		Amount:            p.Amount,
		Currency:          currency,
		Tip:               p.TipAmount,
		Tax:               p.TaxAmount,
		CardBrand:         p.CardType,
		CardLast4:         p.Last4Digits,
	}

	status, ok := toastStatuses[strings.ToUpper(p.PaymentStatus)]
	if !ok {
		status = StatusPending
		update.Warnings = append(update.Warnings, fmt.Sprintf("unmapped toast status %q, defaulted to pending", p.PaymentStatus))
	}
	if canonical == EventRefundUpdated {
		status = StatusRefunded
		if p.RefundAmount.IsPositive() && p.RefundAmount.LessThan(p.Amount) {
			status = StatusPartiallyRefunded
		}
	}
	update.Status = status
	return update, nil
}
