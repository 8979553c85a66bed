package mask_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakline/posbridge/internal/mask"
)

func TestSecret(t *testing.T) {
	require.Equal(t, "****", mask.Secret("short"))
	require.Equal(t, "whse****3x9z", mask.Secret("whsec_1234567890abcdef3x9z"))
}

func TestCardNumber(t *testing.T) {
	require.Equal(t, "****4242", mask.CardNumber("4242 4242 4242 4242"))
	require.Equal(t, "****", mask.CardNumber("12"))
}

func TestHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Stripe-Signature", "t=1700000000,v1=deadbeefcafe00112233")
	masked := mask.Headers(h)
	require.Equal(t, "application/json", masked["Content-Type"])
	require.NotContains(t, masked["Stripe-Signature"], "deadbeefcafe")
}

func TestDetailsRecursion(t *testing.T) {
	details := mask.Details(map[string]any{
		"provider": "square",
		"secret":   "sq0csp-verysecretvalue",
		"nested":   map[string]any{"api_key": "key-1234567890abcd", "ok": "visible"},
	})
	require.Equal(t, "square", details["provider"])
	require.NotContains(t, details["secret"], "verysecret")
	nested := details["nested"].(map[string]any)
	require.NotContains(t, nested["api_key"], "567890")
	require.Equal(t, "visible", nested["ok"])
}
