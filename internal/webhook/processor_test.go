package webhook

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/oakline/posbridge/internal/common"
	"github.com/oakline/posbridge/internal/provider"
	"github.com/oakline/posbridge/internal/reconcile"
)

// memStore is an in-memory Store for processor and handler tests.
type memStore struct {
	mu       sync.Mutex
	events   map[uuid.UUID]*Event
	logs     []Log
	payments []PaymentUpdateRecord
}

func newMemStore() *memStore {
	return &memStore{events: map[uuid.UUID]*Event{}}
}

func (s *memStore) InsertEvent(_ context.Context, ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = uuid.New()
	if ev.Status == "" {
		ev.Status = StatusPending
	}
	now := time.Now()
	ev.CreatedAt, ev.UpdatedAt = now, now
	if ev.EventTimestamp.IsZero() {
		ev.EventTimestamp = now
	}
	copied := ev
	s.events[ev.ID] = &copied
	return ev, nil
}

func (s *memStore) GetEvent(_ context.Context, id uuid.UUID) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		return *ev, nil
	}
	return Event{}, ErrEventNotFound
}

func (s *memStore) MarkProcessing(_ context.Context, id uuid.UUID) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || (ev.Status != StatusPending && ev.Status != StatusRetry) {
		return Event{}, ErrEventNotFound
	}
	ev.Status = StatusProcessing
	ev.Attempts++
	ev.UpdatedAt = time.Now()
	return *ev, nil
}

func (s *memStore) SetStatus(_ context.Context, id uuid.UUID, status EventStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = status
	ev.LastError = lastError
	ev.UpdatedAt = time.Now()
	if status == StatusProcessed {
		now := time.Now()
		ev.ProcessedAt = &now
	}
	return nil
}

func (s *memStore) SetEventType(_ context.Context, id uuid.UUID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		ev.EventType = eventType
	}
	return nil
}

func (s *memStore) FindDuplicate(_ context.Context, providerCode, eventType, bodySHA256 string, since time.Time, excludeID uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ev := range s.events {
		if id == excludeID {
			continue
		}
		if ev.ProviderCode == providerCode && ev.EventType == eventType && ev.BodySHA256 == bodySHA256 &&
			!ev.CreatedAt.Before(since) &&
			(ev.Status == StatusProcessing || ev.Status == StatusProcessed || ev.Status == StatusRetry) {
			return id, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (s *memStore) ListRetryDue(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Event
	for _, ev := range s.events {
		if ev.Status != StatusRetry || len(due) >= limit {
			continue
		}
		attempts := ev.Attempts
		if attempts < 1 {
			attempts = 1
		}
		backoff := time.Duration(1<<(attempts-1)) * time.Minute
		if time.Since(ev.UpdatedAt) >= backoff {
			due = append(due, *ev)
		}
	}
	return due, nil
}

func (s *memStore) ListStale(_ context.Context, olderThan time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Event
	for _, ev := range s.events {
		if (ev.Status == StatusPending || ev.Status == StatusProcessing) && ev.UpdatedAt.Before(olderThan) && len(stale) < limit {
			stale = append(stale, *ev)
		}
	}
	return stale, nil
}

func (s *memStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, ev := range s.events {
		if int(deleted) >= batch {
			break
		}
		if ev.Status.Terminal() && ev.CreatedAt.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) ListEvents(_ context.Context, filter EventFilter) ([]Event, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []Event
	for _, ev := range s.events {
		if filter.ProviderCode != "" && ev.ProviderCode != filter.ProviderCode {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		events = append(events, *ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	total := int64(len(events))
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, total, nil
}

func (s *memStore) StatsByProvider(_ context.Context) ([]ProviderStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCode := map[string]*ProviderStats{}
	for _, ev := range s.events {
		st, ok := byCode[ev.ProviderCode]
		if !ok {
			st = &ProviderStats{ProviderCode: ev.ProviderCode}
			byCode[ev.ProviderCode] = st
		}
		st.Total++
		switch ev.Status {
		case StatusProcessed:
			st.Processed++
		case StatusPending, StatusProcessing:
			st.Pending++
		case StatusRetry:
			st.Retry++
		case StatusFailed:
			st.Failed++
		case StatusDuplicate:
			st.Duplicate++
		case StatusIgnored:
			st.Ignored++
		}
	}
	var stats []ProviderStats
	for _, st := range byCode {
		if st.Total > 0 {
			st.SuccessRate = float64(st.Processed) / float64(st.Total)
		}
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ProviderCode < stats[j].ProviderCode })
	return stats, nil
}

func (s *memStore) InsertLog(_ context.Context, entry Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *memStore) ListLogs(_ context.Context, eventID uuid.UUID, limit int) ([]Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []Log
	for _, entry := range s.logs {
		if entry.EventID == eventID && len(logs) < limit {
			logs = append(logs, entry)
		}
	}
	return logs, nil
}

func (s *memStore) InsertPaymentUpdate(_ context.Context, rec PaymentUpdateRecord) (PaymentUpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now()
	s.payments = append(s.payments, rec)
	return rec, nil
}

// memProviders is an in-memory provider.Store.
type memProviders struct {
	configs map[string]provider.ProviderConfig
}

func (m *memProviders) Create(_ context.Context, cfg provider.ProviderConfig) (provider.ProviderConfig, error) {
	cfg.ID = uuid.New()
	m.configs[cfg.Code] = cfg
	return cfg, nil
}

func (m *memProviders) GetActiveByCode(_ context.Context, code string) (provider.ProviderConfig, error) {
	if cfg, ok := m.configs[code]; ok && cfg.Active {
		return cfg, nil
	}
	return provider.ProviderConfig{}, provider.ErrUnknownProvider
}

func (m *memProviders) GetByID(_ context.Context, id uuid.UUID) (provider.ProviderConfig, error) {
	for _, cfg := range m.configs {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return provider.ProviderConfig{}, provider.ErrUnknownProvider
}

func (m *memProviders) List(_ context.Context) ([]provider.ProviderConfig, error) {
	var configs []provider.ProviderConfig
	for _, cfg := range m.configs {
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (m *memProviders) Update(_ context.Context, cfg provider.ProviderConfig) (provider.ProviderConfig, error) {
	m.configs[cfg.Code] = cfg
	return cfg, nil
}

func (m *memProviders) Delete(_ context.Context, id uuid.UUID) error {
	for code, cfg := range m.configs {
		if cfg.ID == id {
			delete(m.configs, code)
			return nil
		}
	}
	return provider.ErrUnknownProvider
}

type stubMatcher struct {
	result     reconcile.Result
	err        error
	calls      int
	receivedAt time.Time
}

func (m *stubMatcher) Match(_ context.Context, _ uuid.UUID, receivedAt time.Time, _ provider.PaymentUpdate) (reconcile.Result, error) {
	m.calls++
	m.receivedAt = receivedAt
	return m.result, m.err
}

func testProcessor(store Store, providers provider.Store, matcher OrderMatcher) *Processor {
	return &Processor{
		Store:       store,
		Providers:   providers,
		Registry:    provider.DefaultRegistry(),
		Matcher:     matcher,
		DedupWindow: time.Hour,
		MaxAttempts: 3,
	}
}

func squareProviders() *memProviders {
	return &memProviders{configs: map[string]provider.ProviderConfig{
		"square": {
			ID:         uuid.New(),
			Code:       "square",
			Active:     true,
			AuthScheme: provider.SchemeCompoundHMAC,
			Secret:     "square-secret-for-tests",
		},
	}}
}

const squareBody = `{"type":"payment.updated","data":{"object":{"payment":{"id":"pay-1","order_id":"ord-1","status":"COMPLETED","source_type":"CARD","amount_money":{"amount":1000,"currency":"USD"}}}}}`

func storeVerifiedEvent(t *testing.T, store *memStore, providerCode, body string) Event {
	t.Helper()
	ev, err := store.InsertEvent(context.Background(), Event{
		ProviderCode: providerCode,
		Body:         []byte(body),
		BodySHA256:   common.Sha256Hex([]byte(body)),
		Verified:     true,
	})
	require.NoError(t, err)
	return ev
}

func TestProcessHappyPath(t *testing.T) {
	store := newMemStore()
	orderID := uuid.New()
	matcher := &stubMatcher{result: reconcile.Result{
		Outcome: reconcile.OutcomeMatched,
		OrderID: uuid.NullUUID{UUID: orderID, Valid: true},
	}}
	p := testProcessor(store, squareProviders(), matcher)

	ev := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), ev.ID))

	got, err := store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, got.Status)
	require.Equal(t, provider.EventPaymentUpdated, got.EventType)
	require.NotNil(t, got.ProcessedAt)
	require.Equal(t, 1, matcher.calls)

	require.Len(t, store.payments, 1)
	rec := store.payments[0]
	require.Equal(t, "pay-1", rec.TransactionID)
	require.Equal(t, orderID, rec.MatchedOrderID.UUID)
	require.True(t, rec.IsProcessed)
	require.Equal(t, "10", rec.Amount.String())
}

func TestProcessDuplicate(t *testing.T) {
	store := newMemStore()
	p := testProcessor(store, squareProviders(), &stubMatcher{result: reconcile.Result{Outcome: reconcile.OutcomeMatched}})

	first := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), first.ID))

	second := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), second.ID))

	got, err := store.GetEvent(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, got.Status)
	require.Len(t, store.payments, 1, "duplicate produces no second payment update")
}

func TestProcessMalformedIsIgnored(t *testing.T) {
	store := newMemStore()
	p := testProcessor(store, squareProviders(), &stubMatcher{})

	ev := storeVerifiedEvent(t, store, "square", `{broken json`)
	require.NoError(t, p.Process(context.Background(), ev.ID))

	got, _ := store.GetEvent(context.Background(), ev.ID)
	require.Equal(t, StatusIgnored, got.Status)
}

func TestProcessUnsupportedEventIsIgnored(t *testing.T) {
	store := newMemStore()
	p := testProcessor(store, squareProviders(), &stubMatcher{})

	ev := storeVerifiedEvent(t, store, "square", `{"type":"inventory.count.updated","data":{}}`)
	require.NoError(t, p.Process(context.Background(), ev.ID))

	got, _ := store.GetEvent(context.Background(), ev.ID)
	require.Equal(t, StatusIgnored, got.Status)
	logs, _ := store.ListLogs(context.Background(), ev.ID, 10)
	require.NotEmpty(t, logs)
}

func TestProcessEventTypeDisabledForProvider(t *testing.T) {
	store := newMemStore()
	providers := squareProviders()
	cfg := providers.configs["square"]
	cfg.EventTypes = []string{provider.EventRefundUpdated}
	providers.configs["square"] = cfg
	p := testProcessor(store, providers, &stubMatcher{})

	ev := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), ev.ID))

	got, _ := store.GetEvent(context.Background(), ev.ID)
	require.Equal(t, StatusIgnored, got.Status)
}

func TestProcessTransientErrorRetriesThenFails(t *testing.T) {
	store := newMemStore()
	matcher := &stubMatcher{err: context.DeadlineExceeded}
	p := testProcessor(store, squareProviders(), matcher)

	ev := storeVerifiedEvent(t, store, "square", squareBody)

	// Attempts 1 and 2 move the event back to retry.
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Process(context.Background(), ev.ID))
		got, _ := store.GetEvent(context.Background(), ev.ID)
		require.Equal(t, StatusRetry, got.Status, "attempt %d", i+1)
		require.NotNil(t, got.LastError)
	}

	// Attempt 3 hits MaxAttempts and the event fails permanently.
	require.NoError(t, p.Process(context.Background(), ev.ID))
	got, _ := store.GetEvent(context.Background(), ev.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)

	// Terminal events are never claimed again.
	require.NoError(t, p.Process(context.Background(), ev.ID))
	got, _ = store.GetEvent(context.Background(), ev.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
}

func TestProcessUnverifiedEventIsIgnored(t *testing.T) {
	store := newMemStore()
	p := testProcessor(store, squareProviders(), &stubMatcher{})

	ev, err := store.InsertEvent(context.Background(), Event{
		ProviderCode: "square",
		Body:         []byte(squareBody),
		BodySHA256:   common.Sha256Hex([]byte(squareBody)),
		Verified:     false,
	})
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), ev.ID))

	got, _ := store.GetEvent(context.Background(), ev.ID)
	require.Equal(t, StatusIgnored, got.Status)
}

func TestMarkProcessingClaimsOnce(t *testing.T) {
	store := newMemStore()
	ev := storeVerifiedEvent(t, store, "square", squareBody)

	claimed, err := store.MarkProcessing(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, claimed.Status)

	// A second claim on an event already in processing is refused.
	_, err = store.MarkProcessing(context.Background(), ev.ID)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestProcessOutsideDedupWindowRunsIndependently(t *testing.T) {
	store := newMemStore()
	matcher := &stubMatcher{result: reconcile.Result{Outcome: reconcile.OutcomeMatched}}
	p := testProcessor(store, squareProviders(), matcher)

	first := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), first.ID))

	// Age the first delivery past the one-hour dedup window.
	store.mu.Lock()
	store.events[first.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	second := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), second.ID))

	got, err := store.GetEvent(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, got.Status, "identical payloads outside the window are not duplicates")
	require.Len(t, store.payments, 2)
}

func TestProcessPassesReceivedTimeToMatcher(t *testing.T) {
	store := newMemStore()
	matcher := &stubMatcher{result: reconcile.Result{Outcome: reconcile.OutcomeMatched}}
	p := testProcessor(store, squareProviders(), matcher)

	ev := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), ev.ID))

	got, err := store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Equal(t, got.CreatedAt, matcher.receivedAt)
}

func TestProcessUnmatchedOrderStillProcessed(t *testing.T) {
	store := newMemStore()
	matcher := &stubMatcher{result: reconcile.Result{Outcome: reconcile.OutcomeUnmatched, Note: "no open order"}}
	p := testProcessor(store, squareProviders(), matcher)

	ev := storeVerifiedEvent(t, store, "square", squareBody)
	require.NoError(t, p.Process(context.Background(), ev.ID))

	got, _ := store.GetEvent(context.Background(), ev.ID)
	require.Equal(t, StatusProcessed, got.Status)
	require.Len(t, store.payments, 1)
	require.False(t, store.payments[0].IsProcessed)
	require.Equal(t, "no open order", store.payments[0].Notes)
}
