package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oakline/posbridge/internal/common"
)

// Triggerer requests an out-of-cadence retry pass.
type Triggerer interface {
	TriggerImmediate()
}

// TickReporter exposes retry loop liveness. The health verdict folds it in
// when the configured scheduler implements it.
type TickReporter interface {
	LastRetryTick() time.Time
}

// Pipeline health verdicts.
const (
	VerdictHealthy   = "healthy"
	VerdictDegraded  = "degraded"
	VerdictUnhealthy = "unhealthy"
)

// MonitoringHandler exposes the operator-facing pipeline surface: health
// verdict, statistics, event inspection and manual retry.
type MonitoringHandler struct {
	Store     Store
	Scheduler Triggerer
	Logger    zerolog.Logger

	// UnhealthyFailureRatio is the failed/total ratio above which the
	// pipeline is reported unhealthy. Defaults to 0.1.
	UnhealthyFailureRatio float64

	// SchedulerStaleAfter is how long the retry loop may go without a tick
	// before the verdict degrades. Defaults to 5 minutes.
	SchedulerStaleAfter time.Duration
}

func (h *MonitoringHandler) failureRatio() float64 {
	if h.UnhealthyFailureRatio <= 0 {
		return 0.1
	}
	return h.UnhealthyFailureRatio
}

func (h *MonitoringHandler) schedulerStaleAfter() time.Duration {
	if h.SchedulerStaleAfter <= 0 {
		return 5 * time.Minute
	}
	return h.SchedulerStaleAfter
}

// Health computes a pipeline verdict from event statistics. Any failed or
// backlogged events degrade the verdict; a high failure ratio marks the
// pipeline unhealthy. Recommendations name the concrete next action.
func (h *MonitoringHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.StatsByProvider(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	var total, failed, retry, pending int64
	for _, st := range stats {
		total += st.Total
		failed += st.Failed
		retry += st.Retry
		pending += st.Pending
	}

	verdict := VerdictHealthy
	var recommendations []string
	if retry > 0 {
		verdict = VerdictDegraded
		recommendations = append(recommendations,
			fmt.Sprintf("%d events awaiting retry; check provider availability and recent error logs", retry))
	}
	if failed > 0 {
		verdict = VerdictDegraded
		recommendations = append(recommendations,
			fmt.Sprintf("%d events failed permanently; inspect their logs and replay via POST /monitoring/retry-failed", failed))
	}
	if pending > 50 {
		verdict = VerdictDegraded
		recommendations = append(recommendations,
			fmt.Sprintf("%d events pending; verify the worker is running", pending))
	}
	body := map[string]any{
		"totals":    map[string]int64{"events": total, "failed": failed, "retry": retry, "pending": pending},
		"providers": stats,
	}
	if reporter, ok := h.Scheduler.(TickReporter); ok {
		lastTick := reporter.LastRetryTick()
		if lastTick.IsZero() || time.Since(lastTick) > h.schedulerStaleAfter() {
			verdict = VerdictDegraded
			recommendations = append(recommendations,
				"retry scheduler has not ticked recently; verify the scheduler is running and holds its lock")
		}
		if !lastTick.IsZero() {
			body["scheduler_last_tick"] = lastTick
		}
	}
	if total > 0 && float64(failed)/float64(total) > h.failureRatio() {
		verdict = VerdictUnhealthy
	}

	status := http.StatusOK
	if verdict == VerdictUnhealthy {
		status = http.StatusServiceUnavailable
	}
	body["verdict"] = verdict
	body["recommendations"] = recommendations
	common.JSON(w, status, body)
}

// Statistics returns per-provider event counts.
func (h *MonitoringHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.StatsByProvider(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	if stats == nil {
		stats = []ProviderStats{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"providers": stats})
}

// ListEvents returns stored events filtered by provider and status.
func (h *MonitoringHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter := EventFilter{
		ProviderCode: strings.TrimSpace(r.URL.Query().Get("provider")),
		Status:       EventStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			filter.Limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			filter.Offset = parsed
		}
	}

	events, total, err := h.Store.ListEvents(r.Context(), filter)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	if events == nil {
		events = []Event{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": events, "total": total})
}

// GetEvent returns one event with its body.
func (h *MonitoringHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid event id", nil)
		return
	}
	ev, err := h.Store.GetEvent(r.Context(), id)
	if errors.Is(err, ErrEventNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "event not found", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"event": ev, "body": string(ev.Body)})
}

// GetEventLogs returns the processing log trail for one event.
func (h *MonitoringHandler) GetEventLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid event id", nil)
		return
	}
	logs, err := h.Store.ListLogs(r.Context(), id, 200)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	if logs == nil {
		logs = []Log{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": logs})
}

// RetryFailed moves permanently failed events back to retry and triggers an
// immediate pass. Without IDs every failed event is reset, bounded by limit.
func (h *MonitoringHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs   []string `json:"ids"`
		Limit int      `json:"limit"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
	}

	reset := make([]uuid.UUID, 0, len(req.IDs))
	failures := map[string]string{}

	if len(req.IDs) > 0 {
		for _, raw := range req.IDs {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				failures[raw] = "invalid uuid"
				continue
			}
			ev, err := h.Store.GetEvent(r.Context(), id)
			if err != nil {
				failures[raw] = err.Error()
				continue
			}
			if ev.Status != StatusFailed {
				failures[raw] = "event is not failed"
				continue
			}
			if err := h.Store.SetStatus(r.Context(), id, StatusRetry, nil); err != nil {
				failures[raw] = err.Error()
				continue
			}
			reset = append(reset, id)
		}
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = 100
		}
		events, _, err := h.Store.ListEvents(r.Context(), EventFilter{Status: StatusFailed, Limit: limit})
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		for _, ev := range events {
			if err := h.Store.SetStatus(r.Context(), ev.ID, StatusRetry, nil); err != nil {
				failures[ev.ID.String()] = err.Error()
				continue
			}
			reset = append(reset, ev.ID)
		}
	}

	if len(reset) > 0 && h.Scheduler != nil {
		h.Scheduler.TriggerImmediate()
	}
	h.Logger.Info().Int("reset", len(reset)).Msg("failed events queued for retry")

	resp := map[string]any{"reset": reset}
	if len(failures) > 0 {
		resp["failed"] = failures
	}
	common.JSON(w, http.StatusOK, resp)
}

// Routes mounts the monitoring endpoints on a chi router.
func (h *MonitoringHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/statistics", h.Statistics)
	r.Get("/events", h.ListEvents)
	r.Get("/events/{id}", h.GetEvent)
	r.Get("/events/{id}/logs", h.GetEventLogs)
	r.Post("/retry-failed", h.RetryFailed)
	return r
}
