package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oakline/posbridge/internal/obs"
	"github.com/oakline/posbridge/internal/provider"
	"github.com/oakline/posbridge/internal/reconcile"
)

// OrderMatcher resolves a normalised payment update to an internal order.
// receivedAt is the time the webhook was accepted at ingress.
type OrderMatcher interface {
	Match(ctx context.Context, eventID uuid.UUID, receivedAt time.Time, update provider.PaymentUpdate) (reconcile.Result, error)
}

// Processor drives one stored event through the processing state machine.
//
// Terminal outcomes: processed, duplicate, ignored and failed. Malformed or
// unsupported payloads are ignored without retry; transient failures move the
// event to retry until MaxAttempts is exhausted, then to failed.
type Processor struct {
	Store       Store
	Providers   provider.Store
	Registry    *provider.Registry
	Matcher     OrderMatcher
	DedupWindow time.Duration
	MaxAttempts int
	Logger      zerolog.Logger
	Now         func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) dedupWindow() time.Duration {
	if p.DedupWindow <= 0 {
		return time.Hour
	}
	return p.DedupWindow
}

func (p *Processor) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 5
	}
	return p.MaxAttempts
}

// Process claims the event and runs it to a terminal or retry state. A nil
// return means the event reached a decision; the returned error reports
// infrastructure trouble only (the event stays claimable).
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	if p == nil || p.Store == nil {
		return ErrStoreUnavailable
	}
	ev, err := p.Store.MarkProcessing(ctx, id)
	if errors.Is(err, ErrEventNotFound) {
		// Already terminal or claimed elsewhere.
		return nil
	}
	if err != nil {
		return err
	}
	start := p.now()
	status, procErr := p.run(ctx, &ev)
	p.observe(ev, status, start)
	return procErr
}

func (p *Processor) run(ctx context.Context, ev *Event) (EventStatus, error) {
	log := p.Logger.With().Stringer("event_id", ev.ID).Str("provider", ev.ProviderCode).Logger()

	if !ev.Verified {
		return p.finish(ctx, ev, StatusIgnored, nil, Log{
			Level: LevelWarning, Type: LogAuthentication,
			Message: "unverified event reached the processor, ignoring",
		})
	}

	adapter := p.Registry.Adapter(ev.ProviderCode)
	providerType, err := adapter.EventType(ev.Body)
	if err != nil {
		return p.finish(ctx, ev, StatusIgnored, err, Log{
			Level: LevelWarning, Type: LogProcessing,
			Message: "payload rejected: " + err.Error(),
		})
	}
	canonical, ok := adapter.MapEventType(providerType)
	if !ok {
		return p.finish(ctx, ev, StatusIgnored, provider.ErrUnsupportedEvent, Log{
			Level: LevelInfo, Type: LogProcessing,
			Message: fmt.Sprintf("event type %q is not handled", providerType),
		})
	}

	cfg, err := p.Providers.GetActiveByCode(ctx, ev.ProviderCode)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			return p.finish(ctx, ev, StatusIgnored, err, Log{
				Level: LevelWarning, Type: LogProcessing,
				Message: "provider deactivated since receipt",
			})
		}
		return p.retryOrFail(ctx, ev, err)
	}
	if !cfg.Supports(canonical) {
		return p.finish(ctx, ev, StatusIgnored, nil, Log{
			Level: LevelInfo, Type: LogProcessing,
			Message: fmt.Sprintf("event type %q disabled for provider", canonical),
		})
	}

	if ev.EventType != canonical {
		if err := p.Store.SetEventType(ctx, ev.ID, canonical); err != nil {
			return p.retryOrFail(ctx, ev, err)
		}
		ev.EventType = canonical
	}

	since := p.now().Add(-p.dedupWindow())
	dupID, isDup, err := p.Store.FindDuplicate(ctx, ev.ProviderCode, canonical, ev.BodySHA256, since, ev.ID)
	if err != nil {
		return p.retryOrFail(ctx, ev, err)
	}
	if isDup {
		log.Info().Stringer("duplicate_of", dupID).Msg("duplicate event")
		return p.finish(ctx, ev, StatusDuplicate, nil, Log{
			Level: LevelInfo, Type: LogProcessing,
			Message: "duplicate of event " + dupID.String(),
			Details: map[string]any{"duplicate_of": dupID.String()},
		})
	}

	update, err := adapter.Normalize(ev.Body)
	if err != nil {
		if errors.Is(err, provider.ErrMalformedPayload) || errors.Is(err, provider.ErrUnsupportedEvent) {
			return p.finish(ctx, ev, StatusIgnored, err, Log{
				Level: LevelWarning, Type: LogProcessing,
				Message: "normalisation rejected payload: " + err.Error(),
			})
		}
		return p.retryOrFail(ctx, ev, err)
	}
	// The fallback adapter does not know the real provider code.
	update.Provider = ev.ProviderCode
	for _, warning := range update.Warnings {
		p.appendLog(ctx, ev.ID, Log{Level: LevelWarning, Type: LogPaymentProcessing, Message: warning})
	}

	var matched uuid.NullUUID
	notes := ""
	isProcessed := false
	if p.Matcher != nil {
		res, err := p.Matcher.Match(ctx, ev.ID, ev.CreatedAt, update)
		if err != nil {
			return p.retryOrFail(ctx, ev, err)
		}
		matched = res.OrderID
		notes = res.Note
		isProcessed = res.Outcome == reconcile.OutcomeMatched
		if res.Outcome != reconcile.OutcomeMatched {
			p.appendLog(ctx, ev.ID, Log{
				Level: LevelWarning, Type: LogPaymentProcessing,
				Message: "order reconciliation: " + res.Outcome,
				Details: map[string]any{"note": res.Note},
			})
		}
	}

	rec := PaymentUpdateRecord{
		EventID:           ev.ID,
		ProviderCode:      ev.ProviderCode,
		TransactionID:     update.TransactionID,
		ExternalOrderID:   update.ExternalOrderID,
		ExternalPaymentID: update.ExternalPaymentID,
		Status:            string(update.Status),
		Method:            update.Method,
		Amount:            update.Amount,
		Currency:          update.Currency,
		Tip:               update.Tip,
		Tax:               update.Tax,
		Discount:          update.Discount,
		CardBrand:         update.CardBrand,
		CardLast4:         update.CardLast4,
		MatchedOrderID:    matched,
		IsProcessed:       isProcessed,
		Notes:             notes,
	}
	if _, err := p.Store.InsertPaymentUpdate(ctx, rec); err != nil {
		return p.retryOrFail(ctx, ev, err)
	}

	log.Info().Str("transaction_id", update.TransactionID).
		Str("payment_status", string(update.Status)).Bool("matched", isProcessed).
		Msg("event processed")
	return p.finish(ctx, ev, StatusProcessed, nil, Log{
		Level: LevelInfo, Type: LogPaymentProcessing,
		Message: "payment update recorded",
		Details: map[string]any{
			"transaction_id": update.TransactionID,
			"status":         string(update.Status),
			"matched":        isProcessed,
		},
	})
}

func (p *Processor) finish(ctx context.Context, ev *Event, status EventStatus, cause error, entry Log) (EventStatus, error) {
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}
	if err := p.Store.SetStatus(ctx, ev.ID, status, lastError); err != nil {
		return status, err
	}
	entry.EventID = ev.ID
	p.appendLog(ctx, ev.ID, entry)
	return status, nil
}

func (p *Processor) retryOrFail(ctx context.Context, ev *Event, cause error) (EventStatus, error) {
	if ev.Attempts >= p.maxAttempts() {
		p.Logger.Error().Stringer("event_id", ev.ID).Int("attempts", ev.Attempts).
			Err(cause).Msg("event failed permanently")
		return p.finish(ctx, ev, StatusFailed, cause, Log{
			Level: LevelCritical, Type: LogError,
			Message: fmt.Sprintf("giving up after %d attempts: %v", ev.Attempts, cause),
		})
	}
	return p.finish(ctx, ev, StatusRetry, cause, Log{
		Level: LevelWarning, Type: LogError,
		Message: fmt.Sprintf("attempt %d failed, scheduling retry: %v", ev.Attempts, cause),
	})
}

func (p *Processor) appendLog(ctx context.Context, eventID uuid.UUID, entry Log) {
	entry.EventID = eventID
	if err := p.Store.InsertLog(ctx, entry); err != nil {
		p.Logger.Warn().Err(err).Stringer("event_id", eventID).Msg("webhook log write failed")
	}
}

func (p *Processor) observe(ev Event, status EventStatus, start time.Time) {
	if obs.WebhookProcessTotal != nil {
		obs.WebhookProcessTotal.WithLabelValues(ev.ProviderCode, string(status)).Inc()
	}
	if obs.WebhookProcessLatency != nil {
		obs.WebhookProcessLatency.WithLabelValues(ev.ProviderCode).Observe(obs.DurationMillis(p.now().Sub(start)))
	}
}
