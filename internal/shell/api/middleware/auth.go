// Package middleware provides HTTP middleware for the pipeline API.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderSignature carries "sha256=<hex hmac of the body>".
const HeaderSignature = "X-Sampipe-Signature"

// MaxWebhookBody bounds the body read for signature verification.
const MaxWebhookBody = 1 << 20

// =============================================================================
// Webhook Auth
// =============================================================================

// WebhookAuthConfig holds configuration for the webhook auth middleware.
type WebhookAuthConfig struct {
	// Secret signs webhook bodies. If empty, verification is skipped.
	Secret string

	Logger *slog.Logger
}

// WebhookAuth verifies the HMAC signature of webhook deliveries.
type WebhookAuth struct {
	config WebhookAuthConfig
}

// NewWebhookAuth creates a new webhook auth middleware with the given config.
func NewWebhookAuth(cfg WebhookAuthConfig) *WebhookAuth {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebhookAuth{config: cfg}
}

// Handler rejects requests whose signature does not match the body. The
// body is restored for the next handler.
func (m *WebhookAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody+1))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read body", "invalid_request")
			return
		}
		if len(body) > MaxWebhookBody {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large", "invalid_request")
			return
		}

		if !Verify(m.config.Secret, body, r.Header.Get(HeaderSignature)) {
			m.config.Logger.Warn("invalid webhook signature",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeJSONError(w, http.StatusUnauthorized, "invalid signature", "unauthorized")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body.
func Verify(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// =============================================================================
// JSON Error Response
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
