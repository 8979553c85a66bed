package webhook

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the webhook store dependency is not configured.
var ErrStoreUnavailable = errors.New("webhook: store unavailable")

// ErrEventNotFound is returned when an event ID resolves to nothing.
var ErrEventNotFound = errors.New("webhook: event not found")

// EventFilter narrows ListEvents results.
type EventFilter struct {
	ProviderCode string
	Status       EventStatus
	Limit        int
	Offset       int
}

// Store provides database accessors for webhook events, logs and payment
// updates.
type Store interface {
	InsertEvent(ctx context.Context, ev Event) (Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (Event, error)
	// MarkProcessing transitions one event from pending or retry to
	// processing and increments its attempt counter. It returns
	// ErrEventNotFound when the event is absent or already claimed.
	MarkProcessing(ctx context.Context, id uuid.UUID) (Event, error)
	SetStatus(ctx context.Context, id uuid.UUID, status EventStatus, lastError *string) error
	// FindDuplicate looks for another event from the same provider with the
	// same canonical type and body hash received after since.
	FindDuplicate(ctx context.Context, providerCode, eventType, bodySHA256 string, since time.Time, excludeID uuid.UUID) (uuid.UUID, bool, error)
	SetEventType(ctx context.Context, id uuid.UUID, eventType string) error
	ListRetryDue(ctx context.Context, limit int) ([]Event, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Event, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, int64, error)
	StatsByProvider(ctx context.Context) ([]ProviderStats, error)

	InsertLog(ctx context.Context, entry Log) error
	ListLogs(ctx context.Context, eventID uuid.UUID, limit int) ([]Log, error)

	InsertPaymentUpdate(ctx context.Context, rec PaymentUpdateRecord) (PaymentUpdateRecord, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const eventColumns = `id, provider_code, event_type, event_timestamp, headers, body, body_sha256, signature, verified, verify_reason, status, attempts, last_error, created_at, updated_at, processed_at`

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var status string
	err := row.Scan(&ev.ID, &ev.ProviderCode, &ev.EventType, &ev.EventTimestamp, &ev.Headers,
		&ev.Body, &ev.BodySHA256, &ev.Signature, &ev.Verified, &ev.VerifyReason, &status,
		&ev.Attempts, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt, &ev.ProcessedAt)
	if err != nil {
		return Event{}, err
	}
	ev.Status = EventStatus(status)
	return ev, nil
}

func (s *pgStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	if s == nil || s.pool == nil {
		return Event{}, ErrStoreUnavailable
	}
	if ev.Status == "" {
		ev.Status = StatusPending
	}
	if ev.EventTimestamp.IsZero() {
		ev.EventTimestamp = time.Now()
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO webhook_events
(provider_code, event_type, event_timestamp, headers, body, body_sha256, signature, verified, verify_reason, status, attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING `+eventColumns,
		ev.ProviderCode, ev.EventType, ev.EventTimestamp, ev.Headers, ev.Body, ev.BodySHA256,
		ev.Signature, ev.Verified, ev.VerifyReason, string(ev.Status), ev.Attempts)
	return scanEvent(row)
}

func (s *pgStore) GetEvent(ctx context.Context, id uuid.UUID) (Event, error) {
	if s == nil || s.pool == nil {
		return Event{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrEventNotFound
	}
	return ev, err
}

func (s *pgStore) MarkProcessing(ctx context.Context, id uuid.UUID) (Event, error) {
	if s == nil || s.pool == nil {
		return Event{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `UPDATE webhook_events
SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'retry')
RETURNING `+eventColumns, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrEventNotFound
	}
	return ev, err
}

func (s *pgStore) SetStatus(ctx context.Context, id uuid.UUID, status EventStatus, lastError *string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	var err error
	if status == StatusProcessed {
		_, err = s.pool.Exec(ctx, `UPDATE webhook_events
SET status = $2, last_error = $3, processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id, string(status), lastError)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE webhook_events
SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`, id, string(status), lastError)
	}
	return err
}

func (s *pgStore) SetEventType(ctx context.Context, id uuid.UUID, eventType string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_events SET event_type = $2, updated_at = NOW() WHERE id = $1`, id, eventType)
	return err
}

func (s *pgStore) FindDuplicate(ctx context.Context, providerCode, eventType, bodySHA256 string, since time.Time, excludeID uuid.UUID) (uuid.UUID, bool, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, false, ErrStoreUnavailable
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM webhook_events
WHERE provider_code = $1 AND event_type = $2 AND body_sha256 = $3 AND created_at >= $4 AND id <> $5
  AND status IN ('processing', 'processed', 'retry')
ORDER BY created_at ASC LIMIT 1`,
		providerCode, eventType, bodySHA256, since, excludeID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// ListRetryDue returns retry events whose exponential backoff delay has
// elapsed. The delay doubles with each attempt, starting at one minute.
func (s *pgStore) ListRetryDue(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE status = 'retry'
  AND updated_at <= NOW() - make_interval(mins => power(2, GREATEST(attempts, 1) - 1)::int)
ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

// ListStale returns pending or processing events not touched since olderThan,
// typically left behind by a crashed worker.
func (s *pgStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Event, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE status IN ('pending', 'processing') AND updated_at < $1
ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

// DeleteTerminalBefore removes terminal events created before the cutoff, at
// most batch rows per call so retention cleanup never holds long locks.
func (s *pgStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	batch = clampPositive(batch, 1, 5000)
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE id IN (
SELECT id FROM webhook_events
WHERE status IN ('processed', 'duplicate', 'ignored', 'failed') AND created_at < $1
ORDER BY created_at ASC LIMIT $2)`, cutoff, batch)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, int64, error) {
	if s == nil || s.pool == nil {
		return nil, 0, ErrStoreUnavailable
	}
	limit := clampPositive(filter.Limit, 1, 200)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if code := strings.TrimSpace(filter.ProviderCode); code != "" {
		args = append(args, code)
		where = append(where, "provider_code = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + eventColumns + ` FROM webhook_events` + clause +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	events, err := collectEvents(rows, limit)
	return events, total, err
}

func (s *pgStore) StatsByProvider(ctx context.Context) ([]ProviderStats, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT provider_code,
COUNT(*),
COUNT(*) FILTER (WHERE status = 'processed'),
COUNT(*) FILTER (WHERE status IN ('pending', 'processing')),
COUNT(*) FILTER (WHERE status = 'retry'),
COUNT(*) FILTER (WHERE status = 'failed'),
COUNT(*) FILTER (WHERE status = 'duplicate'),
COUNT(*) FILTER (WHERE status = 'ignored'),
COALESCE(AVG(EXTRACT(EPOCH FROM (processed_at - created_at)) * 1000) FILTER (WHERE processed_at IS NOT NULL), 0)
FROM webhook_events GROUP BY provider_code ORDER BY provider_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ProviderStats
	for rows.Next() {
		var st ProviderStats
		if err := rows.Scan(&st.ProviderCode, &st.Total, &st.Processed, &st.Pending,
			&st.Retry, &st.Failed, &st.Duplicate, &st.Ignored, &st.AvgProcessMillis); err != nil {
			return nil, err
		}
		if st.Total > 0 {
			st.SuccessRate = float64(st.Processed) / float64(st.Total)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *pgStore) InsertLog(ctx context.Context, entry Log) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO webhook_logs (event_id, level, log_type, message, details)
VALUES ($1, $2, $3, $4, $5)`, entry.EventID, entry.Level, entry.Type, entry.Message, entry.Details)
	return err
}

func (s *pgStore) ListLogs(ctx context.Context, eventID uuid.UUID, limit int) ([]Log, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	rows, err := s.pool.Query(ctx, `SELECT id, event_id, level, log_type, message, details, created_at
FROM webhook_logs WHERE event_id = $1 ORDER BY created_at ASC LIMIT $2`, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var entry Log
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.Level, &entry.Type,
			&entry.Message, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *pgStore) InsertPaymentUpdate(ctx context.Context, rec PaymentUpdateRecord) (PaymentUpdateRecord, error) {
	if s == nil || s.pool == nil {
		return PaymentUpdateRecord{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO payment_updates
(event_id, provider_code, transaction_id, external_order_id, external_payment_id, status, method,
 amount, currency, tip, tax, discount, card_brand, card_last4, matched_order_id, is_processed, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (event_id) DO UPDATE SET
  status = EXCLUDED.status, matched_order_id = EXCLUDED.matched_order_id,
  is_processed = EXCLUDED.is_processed, notes = EXCLUDED.notes
RETURNING id, created_at`,
		rec.EventID, rec.ProviderCode, rec.TransactionID, rec.ExternalOrderID, rec.ExternalPaymentID,
		rec.Status, rec.Method, rec.Amount, rec.Currency, rec.Tip, rec.Tax, rec.Discount,
		rec.CardBrand, rec.CardLast4, rec.MatchedOrderID, rec.IsProcessed, rec.Notes)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return PaymentUpdateRecord{}, err
	}
	return rec, nil
}

func collectEvents(rows pgx.Rows, capacity int) ([]Event, error) {
	events := make([]Event, 0, capacity)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func clampPositive(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
