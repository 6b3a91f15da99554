package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// echoHandler writes back the body it received.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write(body)
	})
}

const payload = `{"commit":"4f1c2a9"}`

// =============================================================================
// WebhookAuth Tests
// =============================================================================

func TestWebhookAuth_NoSecret_SkipsVerification(t *testing.T) {
	handler := NewWebhookAuth(WebhookAuthConfig{}).Handler(echoHandler())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/source", strings.NewReader(payload))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, payload, rec.Body.String())
}

func TestWebhookAuth_ValidSignature(t *testing.T) {
	handler := NewWebhookAuth(WebhookAuthConfig{Secret: "s3cret"}).Handler(echoHandler())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/source", strings.NewReader(payload))
	req.Header.Set(HeaderSignature, Sign("s3cret", []byte(payload)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, payload, rec.Body.String(), "body is restored for the next handler")
}

func TestWebhookAuth_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong secret", Sign("other", []byte(payload))},
		{"no prefix", strings.TrimPrefix(Sign("s3cret", []byte(payload)), "sha256=")},
		{"not hex", "sha256=zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewWebhookAuth(WebhookAuthConfig{Secret: "s3cret"}).Handler(echoHandler())
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/source", strings.NewReader(payload))
			if tt.header != "" {
				req.Header.Set(HeaderSignature, tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "unauthorized", resp.Code)
		})
	}
}

func TestWebhookAuth_BodyTooLarge(t *testing.T) {
	handler := NewWebhookAuth(WebhookAuthConfig{Secret: "s3cret"}).Handler(echoHandler())
	body := strings.Repeat("a", MaxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/source", strings.NewReader(body))
	req.Header.Set(HeaderSignature, Sign("s3cret", []byte(body)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWriteJSONError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONError(rec, http.StatusForbidden, "nope", "forbidden")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"nope","code":"forbidden"}`, rec.Body.String())
}
