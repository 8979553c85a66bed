package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/oakline/posbridge/internal/common"
	"github.com/oakline/posbridge/internal/mask"
	"github.com/oakline/posbridge/internal/obs"
	"github.com/oakline/posbridge/internal/provider"
	"github.com/oakline/posbridge/internal/ratelimit"
)

// Ingress outcomes recorded in webhook_ingest_total.
const (
	resultAccepted        = "accepted"
	resultAuthFailed      = "auth_failed"
	resultRateLimited     = "rate_limited"
	resultReplay          = "replay"
	resultMalformed       = "malformed"
	resultUnknownProvider = "unknown_provider"
)

// Handler is the public webhook ingress surface.
type Handler struct {
	Providers  provider.Store
	Store      Store
	Auth       provider.Authenticator
	Registry   *provider.Registry
	Limiter    ratelimit.Limiter
	Redis      *redis.Client
	Dispatcher Dispatcher

	// ReplayTTL bounds the Redis replay guard, capped at DedupWindow so the
	// guard never outlives the durable dedup check: identical deliveries
	// outside the window are processed independently.
	ReplayTTL   time.Duration
	DedupWindow time.Duration

	// DefaultRateLimit applies when the provider config has no limit of its
	// own. MaxBodyBytes bounds accepted payloads; defaults to 1 MiB.
	DefaultRateLimit int
	MaxBodyBytes     int64

	Logger zerolog.Logger
}

func (h *Handler) maxBodyBytes() int64 {
	if h.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return h.MaxBodyBytes
}

func (h *Handler) replayTTL() time.Duration {
	ttl := h.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if h.DedupWindow > 0 && ttl > h.DedupWindow {
		ttl = h.DedupWindow
	}
	return ttl
}

func ingestMetric(providerCode, result string) {
	if obs.WebhookIngestTotal != nil {
		obs.WebhookIngestTotal.WithLabelValues(providerCode, result).Inc()
	}
}

// Receive accepts one webhook delivery: authenticate, persist, acknowledge.
// Processing happens asynchronously after the 202; authentication failures
// are persisted for audit and answered with 401.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(chi.URLParam(r, "provider"))
	cfg, err := h.Providers.GetActiveByCode(r.Context(), code)
	if errors.Is(err, provider.ErrUnknownProvider) {
		ingestMetric(code, resultUnknownProvider)
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown provider", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	limit := cfg.RateLimitPerMin
	if limit <= 0 {
		limit = h.DefaultRateLimit
	}
	allowed, err := h.Limiter.AllowProvider(r.Context(), code, limit)
	if err != nil {
		h.Logger.Warn().Err(err).Str("provider", code).Msg("rate limiter unavailable, allowing request")
	} else if !allowed {
		ingestMetric(code, resultRateLimited)
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "provider rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes()))
	if err != nil {
		ingestMetric(code, resultMalformed)
		common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large or unreadable", nil)
		return
	}
	if len(body) == 0 {
		ingestMetric(code, resultMalformed)
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "empty request body", nil)
		return
	}
	if !json.Valid(body) {
		ingestMetric(code, resultMalformed)
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body", nil)
		return
	}

	adapter := h.Registry.Adapter(code)
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = adapter.SignatureHeader()
	}
	verify := h.Auth.Verify(cfg, r.Header, body)
	bodyHash := common.Sha256Hex(body)

	// Raw provider event type, recorded even before verification so failed
	// deliveries are inspectable. The processor rewrites it to the canonical
	// form.
	eventType, _ := adapter.EventType(body)

	ev := Event{
		ProviderCode: code,
		EventType:    eventType,
		Headers:      mask.Headers(r.Header),
		Body:         body,
		BodySHA256:   bodyHash,
		Signature:    verify.Signature,
		Verified:     verify.OK,
		VerifyReason: verify.Reason,
	}
	if ts, ok := adapter.EventTime(body); ok {
		ev.EventTimestamp = ts
	}

	if !verify.OK {
		ev.Status = StatusIgnored
		stored, err := h.Store.InsertEvent(r.Context(), ev)
		if err != nil {
			h.Logger.Error().Err(err).Str("provider", code).Msg("persisting rejected event failed")
		} else {
			h.appendLog(r.Context(), stored.ID, Log{
				Level: LevelWarning, Type: LogAuthentication,
				Message: "signature verification failed: " + verify.Reason,
				Details: verify.Details,
			})
		}
		ingestMetric(code, resultAuthFailed)
		h.Logger.Warn().Str("provider", code).Str("reason", verify.Reason).Msg("webhook authentication failed")
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "signature verification failed",
			map[string]any{"reason": verify.Reason})
		return
	}

	if h.isReplay(r.Context(), code, bodyHash) {
		ev.Status = StatusDuplicate
		stored, err := h.Store.InsertEvent(r.Context(), ev)
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		ingestMetric(code, resultReplay)
		common.JSON(w, http.StatusAccepted, map[string]any{"status": "duplicate", "event_id": stored.ID})
		return
	}

	stored, err := h.Store.InsertEvent(r.Context(), ev)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	if err := h.Dispatcher.Dispatch(r.Context(), stored.ID); err != nil {
		// The retry job recovers stored-but-undispatched events.
		h.Logger.Error().Err(err).Stringer("event_id", stored.ID).Msg("dispatch failed, event left pending")
	}
	ingestMetric(code, resultAccepted)
	common.JSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "event_id": stored.ID})
}

// isReplay marks the body hash in Redis and reports whether it was already
// seen. This is a cheap first-line filter; the durable dedup check in the
// processor is authoritative.
func (h *Handler) isReplay(ctx context.Context, code, bodyHash string) bool {
	if h.Redis == nil {
		return false
	}
	key := "replay:" + code + ":" + bodyHash
	fresh, err := h.Redis.SetNX(ctx, key, 1, h.replayTTL()).Result()
	if err != nil {
		h.Logger.Warn().Err(err).Str("provider", code).Msg("replay guard unavailable")
		return false
	}
	return !fresh
}

// Status reports the integration state of one provider.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(chi.URLParam(r, "provider"))
	cfg, err := h.Providers.GetActiveByCode(r.Context(), code)
	if errors.Is(err, provider.ErrUnknownProvider) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown provider", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	resp := map[string]any{
		"provider":    cfg.Code,
		"active":      cfg.Active,
		"auth_scheme": cfg.AuthScheme,
		"event_types": cfg.EventTypes,
	}
	stats, err := h.Store.StatsByProvider(r.Context())
	if err == nil {
		for _, st := range stats {
			if st.ProviderCode == code {
				resp["stats"] = st
				break
			}
		}
	}
	common.JSON(w, http.StatusOK, resp)
}

// Test synthesises a signed delivery for the provider and runs it through the
// normal pipeline. The request body is used as payload when present,
// otherwise a canned sample for the provider is used.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(chi.URLParam(r, "provider"))
	cfg, err := h.Providers.GetActiveByCode(r.Context(), code)
	if errors.Is(err, provider.ErrUnknownProvider) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown provider", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes()))
	if err != nil {
		common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
		return
	}
	if len(body) == 0 {
		body = sampleBody(code)
	}

	adapter := h.Registry.Adapter(code)
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = adapter.SignatureHeader()
	}
	signed, err := h.Auth.Sign(cfg, body)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	verify := h.Auth.Verify(cfg, signed, body)

	eventType, _ := adapter.EventType(body)
	ev := Event{
		ProviderCode: code,
		EventType:    eventType,
		Headers:      mask.Headers(signed),
		Body:         body,
		BodySHA256:   common.Sha256Hex(body),
		Signature:    verify.Signature,
		Verified:     verify.OK,
		VerifyReason: verify.Reason,
	}
	if ts, ok := adapter.EventTime(body); ok {
		ev.EventTimestamp = ts
	}
	stored, err := h.Store.InsertEvent(r.Context(), ev)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	h.appendLog(r.Context(), stored.ID, Log{
		Level: LevelInfo, Type: LogProcessing,
		Message: "synthetic test delivery",
	})
	if err := h.Dispatcher.Dispatch(r.Context(), stored.ID); err != nil {
		h.Logger.Error().Err(err).Stringer("event_id", stored.ID).Msg("test dispatch failed")
	}
	common.JSON(w, http.StatusAccepted, map[string]any{
		"status":          "accepted",
		"event_id":        stored.ID,
		"signed_headers":  mask.Headers(signed),
		"signature_valid": verify.OK,
	})
}

func (h *Handler) appendLog(ctx context.Context, eventID uuid.UUID, entry Log) {
	entry.EventID = eventID
	if err := h.Store.InsertLog(ctx, entry); err != nil {
		h.Logger.Warn().Err(err).Stringer("event_id", eventID).Msg("webhook log write failed")
	}
}

func sampleBody(code string) []byte {
	samples := map[string]string{
		"square": `{"type":"payment.updated","data":{"object":{"payment":{"id":"test-payment","order_id":"test-order","status":"COMPLETED","source_type":"CARD","amount_money":{"amount":1000,"currency":"USD"}}}}}`,
		"stripe": `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_test","amount":1000,"currency":"usd","status":"succeeded","metadata":{"order_id":"test-order"}}}}`,
		"toast":  `{"eventType":"PAYMENT_UPDATED","payment":{"guid":"test-payment","orderGuid":"test-order","paymentStatus":"CAPTURED","type":"CREDIT","amount":10.00}}`,
	}
	if sample, ok := samples[code]; ok {
		return []byte(sample)
	}
	return []byte(`{"event_type":"payment.updated","transaction_id":"test-payment","order_id":"test-order","status":"completed","amount":10.00,"currency":"USD"}`)
}

// Routes mounts the public ingress endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}/events", h.Receive)
	r.Get("/{provider}/status", h.Status)
	r.Post("/{provider}/test", h.Test)
	return r
}

// decodeJSON is a small helper shared by the monitoring handlers.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
