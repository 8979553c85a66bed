package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StripeAdapter normalises Stripe webhook payloads. Stripe reports amounts in
// minor units and carries the merchant order reference in metadata.order_id.
type StripeAdapter struct{}

func (StripeAdapter) Code() string            { return "stripe" }
func (StripeAdapter) SignatureHeader() string { return "stripe-signature" }

type stripeEnvelope struct {
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeObject `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount"`
	AmountRefunded     int64             `json:"amount_refunded"`
	Currency           string            `json:"currency"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	PaymentMethodTypes []string          `json:"payment_method_types"`

	PaymentMethodDetails struct {
		Type string `json:"type"`
		Card struct {
			Brand string `json:"brand"`
			Last4 string `json:"last4"`
		} `json:"card"`
	} `json:"payment_method_details"`
}

func (StripeAdapter) EventType(body []byte) (string, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type field", ErrMalformedPayload)
	}
	return env.Type, nil
}

// EventTime reads the envelope's created field, a unix timestamp in seconds.
func (StripeAdapter) EventTime(body []byte) (time.Time, bool) {
	var env stripeEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Created <= 0 {
		return time.Time{}, false
	}
	return time.Unix(env.Created, 0).UTC(), true
}

func (StripeAdapter) MapEventType(providerType string) (string, bool) {
	switch providerType {
	case "payment_intent.created":
		return EventPaymentCreated, true
	case "payment_intent.succeeded", "payment_intent.processing",
		"payment_intent.canceled", "payment_intent.payment_failed":
		return EventPaymentUpdated, true
	case "charge.refunded", "charge.refund.updated":
		return EventRefundUpdated, true
	default:
		return "", false
	}
}

var stripeStatuses = map[string]PaymentStatus{
	"succeeded":               StatusCompleted,
	"processing":              StatusPending,
	"requires_payment_method": StatusFailed,
	"requires_action":         StatusPending,
	"canceled":                StatusCancelled,
	"failed":                  StatusFailed,
}

func (a StripeAdapter) Normalize(body []byte) (PaymentUpdate, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PaymentUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	canonical, ok := a.MapEventType(env.Type)
	if !ok {
		return PaymentUpdate{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.Type)
	}
	obj := env.Data.Object
	if obj.ID == "" {
		return PaymentUpdate{}, fmt.Errorf("%w: missing object id", ErrMalformedPayload)
	}

	method := obj.PaymentMethodDetails.Type
	if method == "" && len(obj.PaymentMethodTypes) > 0 {
		method = obj.PaymentMethodTypes[0]
	}
	update := PaymentUpdate{
		Provider:          "stripe",
		TransactionID:     obj.ID,
		ExternalOrderID:   obj.Metadata["order_id"],
		ExternalPaymentID: obj.ID,
		Method:            method,
		Amount:            minorUnits(obj.Amount),
		Currency:          strings.ToUpper(obj.Currency),
		CardBrand:         obj.PaymentMethodDetails.Card.Brand,
		CardLast4:         obj.PaymentMethodDetails.Card.Last4,
	}

	status, ok := stripeStatuses[strings.ToLower(obj.Status)]
	if !ok {
		status = StatusPending
		update.Warnings = append(update.Warnings, fmt.Sprintf("unmapped stripe status %q, defaulted to pending", obj.Status))
	}
	if canonical == EventRefundUpdated {
		status = StatusRefunded
		if obj.AmountRefunded > 0 && obj.AmountRefunded < obj.Amount {
			status = StatusPartiallyRefunded
		}
	}
	update.Status = status
	return update, nil
}
