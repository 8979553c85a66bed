// Package provider holds per-provider configuration, request authentication
// and payload normalisation for external payment/POS systems.
package provider

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedPayload marks payloads that cannot be parsed at all. Events
// carrying them are not retried.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrUnsupportedEvent marks event types the adapter does not handle.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// Canonical payment statuses produced by normalisation.
type PaymentStatus string

const (
	StatusCompleted         PaymentStatus = "completed"
	StatusPending           PaymentStatus = "pending"
	StatusFailed            PaymentStatus = "failed"
	StatusCancelled         PaymentStatus = "cancelled"
	StatusRefunded          PaymentStatus = "refunded"
	StatusPartiallyRefunded PaymentStatus = "partially_refunded"
	StatusVoided            PaymentStatus = "voided"
)

// Canonical event types used internally after provider-specific mapping.
const (
	EventPaymentCreated = "payment.created"
	EventPaymentUpdated = "payment.updated"
	EventRefundUpdated  = "refund.updated"
)

// PaymentUpdate is the provider-independent result of normalising one
// webhook payload. Amounts are in canonical decimal currency units.
type PaymentUpdate struct {
	Provider          string
	TransactionID     string
	ExternalOrderID   string
	ExternalPaymentID string
	Status            PaymentStatus
	Method            string
	Amount            decimal.Decimal
	Currency          string
	Tip               decimal.Decimal
	Tax               decimal.Decimal
	Discount          decimal.Decimal
	CardBrand         string
	CardLast4         string

	// Warnings collects non-fatal normalisation notes, e.g. an unmapped
	// provider status that defaulted to pending.
	Warnings []string
}

// Adapter knows one provider's payload shape: its identifier fields, its
// amount units and its status/event-type vocabulary.
type Adapter interface {
	// Code is the stable provider code the adapter serves.
	Code() string
	// SignatureHeader is the default header carrying the request signature.
	SignatureHeader() string
	// EventType extracts the provider-specific event type from the body.
	EventType(body []byte) (string, error)
	// EventTime extracts the payload's self-reported timestamp. The second
	// return is false when the payload carries none.
	EventTime(body []byte) (time.Time, bool)
	// MapEventType maps a provider event type to a canonical one.
	MapEventType(providerType string) (string, bool)
	// Normalize converts raw payload bytes into a canonical PaymentUpdate.
	Normalize(body []byte) (PaymentUpdate, error)
}

// minorUnits converts an integer amount in minor units (cents) to a decimal
// currency amount.
func minorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
