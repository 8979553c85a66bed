package provider

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownProvider is returned when no active configuration exists for a
// provider code.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderConfig is one provider integration: identity, authentication and
// the canonical event types it is allowed to deliver. At most one config per
// code is active at a time.
type ProviderConfig struct {
	ID              uuid.UUID  `json:"id"`
	Code            string     `json:"code"`
	DisplayName     string     `json:"display_name"`
	Active          bool       `json:"active"`
	AuthScheme      AuthScheme `json:"auth_scheme"`
	Secret          string     `json:"-"`
	SignatureHeader string     `json:"signature_header"`
	NotificationURL string     `json:"notification_url,omitempty"`
	EventTypes      []string   `json:"event_types"`
	RateLimitPerMin int        `json:"rate_limit_per_min"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Supports reports whether the canonical event type is enabled for this
// provider. An empty EventTypes list enables everything.
func (c ProviderConfig) Supports(eventType string) bool {
	if len(c.EventTypes) == 0 {
		return true
	}
	for _, t := range c.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Registry resolves adapters by provider code, falling back to the generic
// adapter for codes without a dedicated integration.
type Registry struct {
	adapters map[string]Adapter
	fallback Adapter
}

// NewRegistry builds a registry from the given adapters. The fallback handles
// any code without a dedicated adapter; it must not be nil.
func NewRegistry(fallback Adapter, adapters ...Adapter) *Registry {
	byCode := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byCode[a.Code()] = a
	}
	return &Registry{adapters: byCode, fallback: fallback}
}

// Adapter returns the adapter for the code, or the generic fallback.
func (r *Registry) Adapter(code string) Adapter {
	if a, ok := r.adapters[code]; ok {
		return a
	}
	return r.fallback
}

// DefaultRegistry wires the built-in adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(GenericAdapter{}, SquareAdapter{}, StripeAdapter{}, ToastAdapter{})
}
