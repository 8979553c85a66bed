package provider

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oakline/posbridge/internal/common"
	"github.com/oakline/posbridge/internal/mask"
)

// AdminHandler exposes provider configuration management endpoints.
type AdminHandler struct {
	Store    Store
	Validate *validator.Validate
	Logger   zerolog.Logger
}

type configRequest struct {
	Code            string   `json:"code" validate:"required,lowercase,alphanum,max=32"`
	DisplayName     string   `json:"display_name" validate:"required,max=128"`
	Active          *bool    `json:"active"`
	AuthScheme      string   `json:"auth_scheme" validate:"required,oneof=hmac_sha256 hmac_sha512 timestamped_hmac compound_hmac api_key bearer_token"`
	Secret          string   `json:"secret" validate:"required,min=16"`
	SignatureHeader string   `json:"signature_header" validate:"omitempty,max=64"`
	NotificationURL string   `json:"notification_url" validate:"omitempty,url"`
	EventTypes      []string `json:"event_types" validate:"dive,oneof=payment.created payment.updated refund.updated"`
	RateLimitPerMin int      `json:"rate_limit_per_min" validate:"gte=0,lte=10000"`
}

func (req configRequest) toConfig() ProviderConfig {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return ProviderConfig{
		Code:            strings.ToLower(strings.TrimSpace(req.Code)),
		DisplayName:     strings.TrimSpace(req.DisplayName),
		Active:          active,
		AuthScheme:      AuthScheme(req.AuthScheme),
		Secret:          req.Secret,
		SignatureHeader: strings.ToLower(strings.TrimSpace(req.SignatureHeader)),
		NotificationURL: strings.TrimSpace(req.NotificationURL),
		EventTypes:      req.EventTypes,
		RateLimitPerMin: req.RateLimitPerMin,
	}
}

// Create registers a provider configuration. Activating it deactivates any
// previous active config for the same code.
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "provider store unavailable", nil)
		return
	}
	req, ok := h.decodeConfig(w, r)
	if !ok {
		return
	}
	created, err := h.Store.Create(r.Context(), req.toConfig())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	h.Logger.Info().Str("provider", created.Code).Str("auth_scheme", string(created.AuthScheme)).
		Str("secret", mask.Secret(created.Secret)).Msg("provider config created")
	common.JSON(w, http.StatusCreated, created)
}

// List returns all provider configurations.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "provider store unavailable", nil)
		return
	}
	configs, err := h.Store.List(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	if configs == nil {
		configs = []ProviderConfig{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": configs, "total": len(configs)})
}

// Get returns one configuration by ID.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "provider store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid provider id", nil)
		return
	}
	cfg, err := h.Store.GetByID(r.Context(), id)
	if errors.Is(err, ErrUnknownProvider) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "provider config not found", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, cfg)
}

// Update rewrites one configuration by ID.
func (h *AdminHandler) Update(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "provider store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid provider id", nil)
		return
	}
	req, ok := h.decodeConfig(w, r)
	if !ok {
		return
	}
	cfg := req.toConfig()
	cfg.ID = id
	updated, err := h.Store.Update(r.Context(), cfg)
	if errors.Is(err, ErrUnknownProvider) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "provider config not found", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	h.Logger.Info().Str("provider", updated.Code).Bool("active", updated.Active).Msg("provider config updated")
	common.JSON(w, http.StatusOK, updated)
}

// Delete removes one configuration by ID.
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "provider store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid provider id", nil)
		return
	}
	if err := h.Store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "provider config not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) decodeConfig(w http.ResponseWriter, r *http.Request) (configRequest, bool) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return configRequest{}, false
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			details := map[string]any{}
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					details[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION", "invalid provider config", details)
			return configRequest{}, false
		}
	}
	return req, true
}
