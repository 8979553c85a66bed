package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AuthScheme selects how inbound requests for a provider are authenticated.
type AuthScheme string

const (
	SchemeHMACSHA256      AuthScheme = "hmac_sha256"
	SchemeHMACSHA512      AuthScheme = "hmac_sha512"
	SchemeTimestampedHMAC AuthScheme = "timestamped_hmac"
	SchemeCompoundHMAC    AuthScheme = "compound_hmac"
	SchemeAPIKey          AuthScheme = "api_key"
	SchemeBearerToken     AuthScheme = "bearer_token"
)

// Structured verification failure reasons.
const (
	ReasonMissingHeader     = "missing_header"
	ReasonStaleTimestamp    = "stale_timestamp"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonUnknownProvider   = "unknown_provider"
)

// VerifyResult reports the outcome of request authentication. Reason is one
// of the Reason* constants when OK is false.
type VerifyResult struct {
	OK        bool
	Reason    string
	Signature string
	Details   map[string]any
}

// Authenticator verifies webhook request authenticity against a provider
// configuration. It never mutates state.
type Authenticator struct {
	// ReplayWindow bounds the timestamp skew accepted by the timestamped
	// HMAC scheme. Defaults to 300 seconds.
	ReplayWindow time.Duration
	// Now is overridable for tests.
	Now func() time.Time
}

func (a Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Authenticator) replayWindow() time.Duration {
	if a.ReplayWindow <= 0 {
		return 300 * time.Second
	}
	return a.ReplayWindow
}

// Verify checks the request signature per the provider's configured scheme.
func (a Authenticator) Verify(cfg ProviderConfig, headers http.Header, body []byte) VerifyResult {
	switch cfg.AuthScheme {
	case SchemeHMACSHA256:
		return verifyHexHMAC(cfg, headers, body, sha256.New, "sha256=")
	case SchemeHMACSHA512:
		return verifyHexHMAC(cfg, headers, body, sha512.New, "sha512=")
	case SchemeTimestampedHMAC:
		return a.verifyTimestamped(cfg, headers, body)
	case SchemeCompoundHMAC:
		return verifyCompound(cfg, headers, body)
	case SchemeAPIKey:
		return verifyAPIKey(cfg, headers)
	case SchemeBearerToken:
		return verifyBearer(cfg, headers)
	default:
		return VerifyResult{OK: false, Reason: ReasonUnknownProvider, Details: map[string]any{
			"scheme": string(cfg.AuthScheme),
		}}
	}
}

func signatureHeaderValue(cfg ProviderConfig, headers http.Header) (string, string) {
	name := strings.TrimSpace(cfg.SignatureHeader)
	if name == "" {
		name = "x-webhook-signature"
	}
	return name, strings.TrimSpace(headers.Get(name))
}

func verifyHexHMAC(cfg ProviderConfig, headers http.Header, body []byte, algo func() hash.Hash, prefix string) VerifyResult {
	name, provided := signatureHeaderValue(cfg, headers)
	if provided == "" {
		return missingHeader(name)
	}
	provided = strings.TrimPrefix(provided, prefix)
	mac := hmac.New(algo, []byte(cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return mismatch(name)
	}
	return VerifyResult{OK: true, Signature: provided}
}

// verifyTimestamped implements the Stripe-style scheme: the header encodes
// t=<unix>,v1=<hex>[,v1=<hex>...]; the signed payload is "<t>.<body>" and any
// matching v1 value is accepted to support secret rotation.
func (a Authenticator) verifyTimestamped(cfg ProviderConfig, headers http.Header, body []byte) VerifyResult {
	name, provided := signatureHeaderValue(cfg, headers)
	if provided == "" {
		return missingHeader(name)
	}
	var ts int64
	var candidates []string
	for _, part := range strings.Split(provided, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				ts = parsed
			}
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return missingHeader(name)
	}
	skew := a.now().Unix() - ts
	if skew > int64(a.replayWindow()/time.Second) || -skew > int64(a.replayWindow()/time.Second) {
		return VerifyResult{OK: false, Reason: ReasonStaleTimestamp, Signature: provided, Details: map[string]any{
			"timestamp": ts,
			"skew_sec":  skew,
		}}
	}
	mac := hmac.New(sha256.New, []byte(cfg.Secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(candidate)))) {
			return VerifyResult{OK: true, Signature: provided}
		}
	}
	return mismatch(name)
}

// verifyCompound implements the Square-style scheme: the signature is the
// base64 HMAC-SHA256 over the configured notification URL concatenated with
// the raw body.
func verifyCompound(cfg ProviderConfig, headers http.Header, body []byte) VerifyResult {
	name, provided := signatureHeaderValue(cfg, headers)
	if provided == "" {
		return missingHeader(name)
	}
	decoded, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		return mismatch(name)
	}
	mac := hmac.New(sha256.New, []byte(cfg.Secret))
	mac.Write([]byte(cfg.NotificationURL))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), decoded) {
		return mismatch(name)
	}
	return VerifyResult{OK: true, Signature: provided}
}

func verifyAPIKey(cfg ProviderConfig, headers http.Header) VerifyResult {
	name := strings.TrimSpace(cfg.SignatureHeader)
	if name == "" {
		name = "x-api-key"
	}
	provided := strings.TrimSpace(headers.Get(name))
	if provided == "" {
		return missingHeader(name)
	}
	if !hmac.Equal([]byte(provided), []byte(cfg.Secret)) {
		return mismatch(name)
	}
	return VerifyResult{OK: true, Signature: provided}
}

func verifyBearer(cfg ProviderConfig, headers http.Header) VerifyResult {
	raw := strings.TrimSpace(headers.Get("Authorization"))
	if raw == "" {
		return missingHeader("authorization")
	}
	token, found := strings.CutPrefix(raw, "Bearer ")
	if !found {
		return missingHeader("authorization")
	}
	if !hmac.Equal([]byte(strings.TrimSpace(token)), []byte(cfg.Secret)) {
		return mismatch("authorization")
	}
	return VerifyResult{OK: true, Signature: token}
}

func missingHeader(name string) VerifyResult {
	return VerifyResult{OK: false, Reason: ReasonMissingHeader, Details: map[string]any{"header": name}}
}

func mismatch(name string) VerifyResult {
	return VerifyResult{OK: false, Reason: ReasonSignatureMismatch, Details: map[string]any{"header": name}}
}

// Sign produces headers that pass Verify for the given configuration. Used by
// the synthetic test endpoint to exercise a provider's integration end to end.
func (a Authenticator) Sign(cfg ProviderConfig, body []byte) (http.Header, error) {
	headers := http.Header{}
	name := strings.TrimSpace(cfg.SignatureHeader)
	switch cfg.AuthScheme {
	case SchemeHMACSHA256:
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write(body)
		headers.Set(orDefault(name, "x-webhook-signature"), hex.EncodeToString(mac.Sum(nil)))
	case SchemeHMACSHA512:
		mac := hmac.New(sha512.New, []byte(cfg.Secret))
		mac.Write(body)
		headers.Set(orDefault(name, "x-webhook-signature"), hex.EncodeToString(mac.Sum(nil)))
	case SchemeTimestampedHMAC:
		ts := a.now().Unix()
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		fmt.Fprintf(mac, "%d.", ts)
		mac.Write(body)
		headers.Set(orDefault(name, "stripe-signature"),
			fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	case SchemeCompoundHMAC:
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write([]byte(cfg.NotificationURL))
		mac.Write(body)
		headers.Set(orDefault(name, "x-square-signature"), base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	case SchemeAPIKey:
		headers.Set(orDefault(name, "x-api-key"), cfg.Secret)
	case SchemeBearerToken:
		headers.Set("Authorization", "Bearer "+cfg.Secret)
	default:
		return nil, fmt.Errorf("sign: unsupported auth scheme %q", cfg.AuthScheme)
	}
	return headers, nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
