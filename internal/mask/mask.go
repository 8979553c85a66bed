// Package mask scrubs secret material and cardholder data before anything is
// logged or persisted.
package mask

import (
	"net/http"
	"strings"
)

// Masked replaces the hidden portion of a value.
const Masked = "****"

// sensitiveHeaders lists header names (lowercase) whose values are masked
// when request headers are stored on an event.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"x-webhook-signature": {},
	"x-signature":         {},
	"x-square-signature":  {},
	"stripe-signature":    {},
	"x-toast-signature":   {},
	"cookie":              {},
	"set-cookie":          {},
}

// Secret keeps the first and last four characters of a secret and masks the
// middle. Short values are masked entirely.
func Secret(value string) string {
	if len(value) <= 8 {
		return Masked
	}
	return value[:4] + Masked + value[len(value)-4:]
}

// CardNumber keeps only the last four digits of a card number.
func CardNumber(value string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, value)
	if len(digits) < 4 {
		return Masked
	}
	return Masked + digits[len(digits)-4:]
}

// Headers copies request headers into a flat map with secret-bearing values
// masked. Multi-valued headers are joined with commas.
func Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		joined := strings.Join(values, ",")
		if _, ok := sensitiveHeaders[strings.ToLower(name)]; ok {
			joined = Secret(joined)
		}
		out[name] = joined
	}
	return out
}

// Details masks map values whose keys look secret-bearing. Nested maps are
// masked recursively; other values pass through unchanged.
func Details(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for key, value := range details {
		switch v := value.(type) {
		case map[string]any:
			out[key] = Details(v)
		case string:
			if isSensitiveKey(key) {
				out[key] = Secret(v)
			} else {
				out[key] = v
			}
		default:
			out[key] = value
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, marker := range []string{"secret", "signature", "token", "api_key", "apikey", "password", "card_number"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
