// Package webhook implements ingestion, durable persistence and asynchronous
// processing of external payment provider webhooks.
package webhook

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventStatus is the lifecycle state of a stored webhook event.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusProcessed  EventStatus = "processed"
	StatusDuplicate  EventStatus = "duplicate"
	StatusIgnored    EventStatus = "ignored"
	StatusRetry      EventStatus = "retry"
	StatusFailed     EventStatus = "failed"
)

// Terminal reports whether the status is final and the event will not be
// picked up again.
func (s EventStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusDuplicate, StatusIgnored, StatusFailed:
		return true
	}
	return false
}

// Event is one received webhook, stored before any processing so that no
// delivery is lost. Headers are persisted with sensitive values masked.
type Event struct {
	ID             uuid.UUID         `json:"id"`
	ProviderCode   string            `json:"provider_code"`
	EventType      string            `json:"event_type"`
	EventTimestamp time.Time         `json:"event_timestamp"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"-"`
	BodySHA256     string            `json:"body_sha256"`
	Signature      string            `json:"-"`
	Verified       bool              `json:"verified"`
	VerifyReason   string            `json:"verify_reason,omitempty"`
	Status         EventStatus       `json:"status"`
	Attempts       int               `json:"attempts"`
	LastError      *string           `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

// Log levels for webhook processing logs.
const (
	LevelDebug    = "debug"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Log types grouping related entries.
const (
	LogAuthentication    = "authentication"
	LogProcessing        = "processing"
	LogPaymentProcessing = "payment-processing"
	LogError             = "error"
)

// Log is one structured entry recorded against an event during its lifecycle.
type Log struct {
	ID        uuid.UUID      `json:"id"`
	EventID   uuid.UUID      `json:"event_id"`
	Level     string         `json:"level"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PaymentUpdateRecord is the normalised payment state extracted from a
// processed event, linked back to the matched internal order when one exists.
type PaymentUpdateRecord struct {
	ID                uuid.UUID       `json:"id"`
	EventID           uuid.UUID       `json:"event_id"`
	ProviderCode      string          `json:"provider_code"`
	TransactionID     string          `json:"transaction_id"`
	ExternalOrderID   string          `json:"external_order_id,omitempty"`
	ExternalPaymentID string          `json:"external_payment_id,omitempty"`
	Status            string          `json:"status"`
	Method            string          `json:"method,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Tip               decimal.Decimal `json:"tip"`
	Tax               decimal.Decimal `json:"tax"`
	Discount          decimal.Decimal `json:"discount"`
	CardBrand         string          `json:"card_brand,omitempty"`
	CardLast4         string          `json:"card_last4,omitempty"`
	MatchedOrderID    uuid.NullUUID   `json:"matched_order_id,omitempty"`
	IsProcessed       bool            `json:"is_processed"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ProviderStats aggregates per-provider event counts for the monitoring
// surface.
type ProviderStats struct {
	ProviderCode string `json:"provider_code"`
	Total        int64  `json:"total"`
	Processed    int64  `json:"processed"`
	Pending      int64  `json:"pending"`
	Retry        int64  `json:"retry"`
	Failed       int64  `json:"failed"`
	Duplicate    int64  `json:"duplicate"`
	Ignored      int64  `json:"ignored"`

	// SuccessRate is processed over total. AvgProcessMillis is the mean time
	// from receipt to processed, for processed events only.
	SuccessRate      float64 `json:"success_rate"`
	AvgProcessMillis float64 `json:"avg_process_ms"`
}
