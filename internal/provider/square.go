package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SquareAdapter normalises Square webhook payloads. Square reports amounts in
// minor units (cents) and nests the payment object under data.object.payment.
type SquareAdapter struct{}

func (SquareAdapter) Code() string            { return "square" }
func (SquareAdapter) SignatureHeader() string { return "x-square-signature" }

type squareEnvelope struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		Object struct {
			Payment squarePayment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type squarePayment struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	Status      string      `json:"status"`
	AmountMoney squareMoney `json:"amount_money"`
	TipMoney    squareMoney `json:"tip_money"`
	TotalMoney  squareMoney `json:"total_money"`
	SourceType  string      `json:"source_type"`
	CardDetails struct {
		Card struct {
			CardBrand string `json:"card_brand"`
			Last4     string `json:"last_4"`
		} `json:"card"`
	} `json:"card_details"`
	RefundedMoney squareMoney `json:"refunded_money"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// EventType extracts the top-level "type" field.
func (SquareAdapter) EventType(body []byte) (string, error) {
	var env squareEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type field", ErrMalformedPayload)
	}
	return env.Type, nil
}

// EventTime reads the envelope's created_at timestamp.
func (SquareAdapter) EventTime(body []byte) (time.Time, bool) {
	var env squareEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.CreatedAt.IsZero() {
		return time.Time{}, false
	}
	return env.CreatedAt, true
}

func (SquareAdapter) MapEventType(providerType string) (string, bool) {
	switch providerType {
	case "payment.created":
		return EventPaymentCreated, true
	case "payment.updated":
		return EventPaymentUpdated, true
	case "refund.created", "refund.updated":
		return EventRefundUpdated, true
	default:
		return "", false
	}
}

var squareStatuses = map[string]PaymentStatus{
	"COMPLETED": StatusCompleted,
	"APPROVED":  StatusPending,
	"PENDING":   StatusPending,
	"CANCELED":  StatusCancelled,
	"FAILED":    StatusFailed,
}

func (a SquareAdapter) Normalize(body []byte) (PaymentUpdate, error) {
	var env squareEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PaymentUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	canonical, ok := a.MapEventType(env.Type)
	if !ok {
		return PaymentUpdate{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.Type)
	}
	p := env.Data.Object.Payment
	if p.ID == "" {
		return PaymentUpdate{}, fmt.Errorf("%w: missing payment id", ErrMalformedPayload)
	}

	update := PaymentUpdate{
		Provider:          "square",
		TransactionID:     p.ID,
		ExternalOrderID:   p.OrderID,
		ExternalPaymentID: p.ID,
		Method:            strings.ToLower(p.SourceType),
		Amount:            minorUnits(p.AmountMoney.Amount),
		Currency:          strings.ToUpper(p.AmountMoney.Currency),
		Tip:               minorUnits(p.TipMoney.Amount),
		CardBrand:         p.CardDetails.Card.CardBrand,
		CardLast4:         p.CardDetails.Card.Last4,
	}

	status, ok := squareStatuses[strings.ToUpper(p.Status)]
	if !ok {
		status = StatusPending
		update.Warnings = append(update.Warnings, fmt.Sprintf("unmapped square status %q, defaulted to pending", p.Status))
	}
	if canonical == EventRefundUpdated {
		status = StatusRefunded
		if p.RefundedMoney.Amount > 0 && p.RefundedMoney.Amount < p.AmountMoney.Amount {
			status = StatusPartiallyRefunded
		}
	}
	update.Status = status
	return update, nil
}
