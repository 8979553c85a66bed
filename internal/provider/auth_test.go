package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestVerifyHMACSHA256(t *testing.T) {
	cfg := ProviderConfig{
		AuthScheme:      SchemeHMACSHA256,
		Secret:          "super-secret-signing-key",
		SignatureHeader: "x-webhook-signature",
	}
	body := []byte(`{"event_type":"payment.updated"}`)
	mac := hmac.New(sha256.New, []byte(cfg.Secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	auth := Authenticator{}

	headers := http.Header{}
	headers.Set("x-webhook-signature", sig)
	require.True(t, auth.Verify(cfg, headers, body).OK)

	// sha256= prefix is accepted.
	headers.Set("x-webhook-signature", "sha256="+sig)
	require.True(t, auth.Verify(cfg, headers, body).OK)

	// One flipped byte in the body invalidates the signature.
	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0x01
	res := auth.Verify(cfg, headers, tampered)
	require.False(t, res.OK)
	require.Equal(t, ReasonSignatureMismatch, res.Reason)

	// Missing header is reported distinctly.
	res = auth.Verify(cfg, http.Header{}, body)
	require.False(t, res.OK)
	require.Equal(t, ReasonMissingHeader, res.Reason)
}

func TestVerifyHMACSHA512(t *testing.T) {
	cfg := ProviderConfig{AuthScheme: SchemeHMACSHA512, Secret: "another-signing-key-here"}
	body := []byte(`{"event_type":"payment.created"}`)
	mac := hmac.New(sha512.New, []byte(cfg.Secret))
	mac.Write(body)

	headers := http.Header{}
	headers.Set("x-webhook-signature", hex.EncodeToString(mac.Sum(nil)))
	require.True(t, Authenticator{}.Verify(cfg, headers, body).OK)

	headers.Set("x-webhook-signature", "deadbeef")
	require.False(t, Authenticator{}.Verify(cfg, headers, body).OK)
}

func TestVerifyTimestampedHMAC(t *testing.T) {
	cfg := ProviderConfig{
		AuthScheme:      SchemeTimestampedHMAC,
		Secret:          "whsec_testing_key_value",
		SignatureHeader: "stripe-signature",
	}
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"type":"payment_intent.succeeded"}`)

	sign := func(ts int64) string {
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		fmt.Fprintf(mac, "%d.", ts)
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}
	auth := Authenticator{Now: fixedClock(now)}

	headers := http.Header{}
	headers.Set("stripe-signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), sign(now.Unix())))
	require.True(t, auth.Verify(cfg, headers, body).OK)

	// A stale signature from a rotated secret alongside a valid one passes.
	headers.Set("stripe-signature", fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), "0000", sign(now.Unix())))
	require.True(t, auth.Verify(cfg, headers, body).OK)

	// Inside the window on both edges.
	for _, skew := range []time.Duration{-299 * time.Second, 299 * time.Second} {
		ts := now.Add(skew).Unix()
		headers.Set("stripe-signature", fmt.Sprintf("t=%d,v1=%s", ts, sign(ts)))
		require.True(t, auth.Verify(cfg, headers, body).OK, "skew %s", skew)
	}

	// Outside the window is rejected with a stale timestamp reason, even with
	// a correct signature.
	for _, skew := range []time.Duration{-301 * time.Second, 301 * time.Second} {
		ts := now.Add(skew).Unix()
		headers.Set("stripe-signature", fmt.Sprintf("t=%d,v1=%s", ts, sign(ts)))
		res := auth.Verify(cfg, headers, body)
		require.False(t, res.OK, "skew %s", skew)
		require.Equal(t, ReasonStaleTimestamp, res.Reason)
	}

	// Signing over a different timestamp than the header claims fails.
	headers.Set("stripe-signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), sign(now.Unix()-10)))
	res := auth.Verify(cfg, headers, body)
	require.False(t, res.OK)
	require.Equal(t, ReasonSignatureMismatch, res.Reason)
}

func TestVerifyCompoundHMAC(t *testing.T) {
	cfg := ProviderConfig{
		AuthScheme:      SchemeCompoundHMAC,
		Secret:          "square-webhook-signature-key",
		SignatureHeader: "x-square-signature",
		NotificationURL: "https://pos.example.com/api/v1/webhooks/external-pos/square/events",
	}
	body := []byte(`{"type":"payment.updated"}`)
	mac := hmac.New(sha256.New, []byte(cfg.Secret))
	mac.Write([]byte(cfg.NotificationURL))
	mac.Write(body)

	headers := http.Header{}
	headers.Set("x-square-signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	require.True(t, Authenticator{}.Verify(cfg, headers, body).OK)

	// Signature bound to a different notification URL fails.
	other := cfg
	other.NotificationURL = "https://evil.example.com/hook"
	require.False(t, Authenticator{}.Verify(other, headers, body).OK)

	// Non-base64 header value fails cleanly.
	headers.Set("x-square-signature", "not base64 at all!!")
	require.False(t, Authenticator{}.Verify(cfg, headers, body).OK)
}

func TestVerifyAPIKeyAndBearer(t *testing.T) {
	auth := Authenticator{}

	apiCfg := ProviderConfig{AuthScheme: SchemeAPIKey, Secret: "pk_live_abcdef", SignatureHeader: "x-api-key"}
	headers := http.Header{}
	headers.Set("x-api-key", "pk_live_abcdef")
	require.True(t, auth.Verify(apiCfg, headers, nil).OK)
	headers.Set("x-api-key", "pk_live_wrong")
	require.False(t, auth.Verify(apiCfg, headers, nil).OK)

	bearerCfg := ProviderConfig{AuthScheme: SchemeBearerToken, Secret: "tok_123456"}
	headers = http.Header{}
	headers.Set("Authorization", "Bearer tok_123456")
	require.True(t, auth.Verify(bearerCfg, headers, nil).OK)
	headers.Set("Authorization", "Basic tok_123456")
	res := auth.Verify(bearerCfg, headers, nil)
	require.False(t, res.OK)
	require.Equal(t, ReasonMissingHeader, res.Reason)
}

func TestSignRoundTripsAllSchemes(t *testing.T) {
	body := []byte(`{"event_type":"payment.updated","transaction_id":"tx-1"}`)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	auth := Authenticator{Now: fixedClock(now)}

	configs := []ProviderConfig{
		{AuthScheme: SchemeHMACSHA256, Secret: "secret-one-for-tests"},
		{AuthScheme: SchemeHMACSHA512, Secret: "secret-two-for-tests"},
		{AuthScheme: SchemeTimestampedHMAC, Secret: "secret-three-for-tests", SignatureHeader: "stripe-signature"},
		{AuthScheme: SchemeCompoundHMAC, Secret: "secret-four-for-tests", SignatureHeader: "x-square-signature", NotificationURL: "https://pos.example.com/hook"},
		{AuthScheme: SchemeAPIKey, Secret: "secret-five-for-tests"},
		{AuthScheme: SchemeBearerToken, Secret: "secret-six-for-tests"},
	}
	for _, cfg := range configs {
		headers, err := auth.Sign(cfg, body)
		require.NoError(t, err, string(cfg.AuthScheme))
		require.True(t, auth.Verify(cfg, headers, body).OK, string(cfg.AuthScheme))
	}
}
