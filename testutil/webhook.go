package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// WebhookResponse scripts one reply of the fake webhook.
type WebhookResponse struct {
	Status     int
	RetryAfter float64 // seconds, sent as Discord's JSON retry_after on 429
}

// FakeWebhook records every payload posted to it. Scripted responses are consumed in
// order; once exhausted it answers 204 No Content.
type FakeWebhook struct {
	*httptest.Server

	mu        sync.Mutex
	payloads  []map[string]any
	responses []WebhookResponse
}

// NewFakeWebhook starts a webhook server closed on test cleanup.
func NewFakeWebhook(t testing.TB, responses ...WebhookResponse) *FakeWebhook {
	t.Helper()
	f := &FakeWebhook{responses: responses}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		var resp WebhookResponse
		if len(f.responses) > 0 {
			resp = f.responses[0]
			f.responses = f.responses[1:]
		}
		if resp.Status == 0 || resp.Status/100 == 2 {
			var payload map[string]any
			_ = json.Unmarshal(body, &payload)
			f.payloads = append(f.payloads, payload)
		}
		f.mu.Unlock()

		switch {
		case resp.Status == http.StatusTooManyRequests:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"message": "You are being rate limited.", "retry_after": resp.RetryAfter, "global": false}) //nolint:errcheck // test mock response
		case resp.Status != 0:
			w.WriteHeader(resp.Status)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

// Payloads returns a copy of the accepted payloads in arrival order.
func (f *FakeWebhook) Payloads() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.payloads...)
}
