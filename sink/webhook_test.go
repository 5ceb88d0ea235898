package sink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/nostrhook/testutil"
)

type stubBudget struct {
	ok    bool
	wait  time.Duration
	err   error
	calls int
}

func (b *stubBudget) Take(context.Context) (bool, time.Duration, error) {
	b.calls++
	return b.ok, b.wait, b.err
}

func sampleMessage() Message {
	return Message{
		Username: "nostrhook",
		Embeds:   []Embed{{Description: "hello", URL: "https://njump.me/note1abc"}},
	}
}

func TestWebhookDeliverSuccess(t *testing.T) {
	hook := testutil.NewFakeWebhook(t)
	w := NewWebhook(hook.URL, 0, 0)
	if err := w.Deliver(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	payloads := hook.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(payloads))
	}
	if payloads[0]["username"] != "nostrhook" {
		t.Errorf("username = %v", payloads[0]["username"])
	}
	embeds, _ := payloads[0]["embeds"].([]any)
	if len(embeds) != 1 {
		t.Fatalf("embeds = %v", payloads[0]["embeds"])
	}
}

func TestWebhookDeliverStatuses(t *testing.T) {
	tests := []struct {
		name       string
		resp       testutil.WebhookResponse
		wantErr    error
		wantRetry  time.Duration
		wantStatus int
	}{
		{name: "ok", resp: testutil.WebhookResponse{Status: http.StatusOK}},
		{name: "rate limited", resp: testutil.WebhookResponse{Status: http.StatusTooManyRequests, RetryAfter: 1.5}, wantErr: ErrRateLimited, wantRetry: 1500 * time.Millisecond},
		{name: "rate limited without hint", resp: testutil.WebhookResponse{Status: http.StatusTooManyRequests}, wantErr: ErrRateLimited, wantRetry: DefaultRetryAfter},
		{name: "bad request", resp: testutil.WebhookResponse{Status: http.StatusBadRequest}, wantErr: ErrFailed, wantStatus: http.StatusBadRequest},
		{name: "server error", resp: testutil.WebhookResponse{Status: http.StatusInternalServerError}, wantErr: ErrFailed, wantStatus: http.StatusInternalServerError},
		{name: "webhook deleted", resp: testutil.WebhookResponse{Status: http.StatusNotFound}, wantErr: ErrFailed, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := testutil.NewFakeWebhook(t, tt.resp)
			err := NewWebhook(hook.URL, 0, 0).Deliver(context.Background(), sampleMessage())
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Deliver() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Deliver() error = %v, want %v", err, tt.wantErr)
			}
			if got := RetryAfter(err); got != tt.wantRetry {
				t.Errorf("RetryAfter = %v, want %v", got, tt.wantRetry)
			}
			var fe *FailedError
			if tt.wantStatus != 0 && (!errors.As(err, &fe) || fe.StatusCode != tt.wantStatus) {
				t.Errorf("status = %v, want %d", err, tt.wantStatus)
			}
			if len(hook.Payloads()) != 0 {
				t.Errorf("rejected message was recorded as accepted")
			}
		})
	}
}

func TestWebhookRetryAfterHeader(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL+"?thread_id=42", 0, 0).Deliver(context.Background(), sampleMessage())
	if got := RetryAfter(err); got != 3*time.Second {
		t.Fatalf("RetryAfter = %v (err %v), want 3s", got, err)
	}
	if gotQuery != "thread_id=42&wait=true" {
		t.Errorf("query = %q, want existing params kept and wait=true added", gotQuery)
	}
}

func TestWebhookTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, 0, 0).Deliver(context.Background(), sampleMessage())
	var fe *FailedError
	if !errors.As(err, &fe) || fe.StatusCode != 0 {
		t.Fatalf("Deliver() error = %v, want FailedError without status", err)
	}
}

func TestWebhookSharedBudget(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		hook := testutil.NewFakeWebhook(t)
		budget := &stubBudget{ok: false, wait: 2 * time.Second}
		w := NewWebhook(hook.URL, 0, 0)
		w.Budget = budget

		err := w.Deliver(context.Background(), sampleMessage())
		var rl *RateLimitedError
		if !errors.As(err, &rl) || !rl.Shared || rl.RetryAfter != 2*time.Second {
			t.Fatalf("Deliver() error = %v, want shared rate limit of 2s", err)
		}
		if len(hook.Payloads()) != 0 {
			t.Errorf("message sent despite spent budget")
		}
	})

	t.Run("store down fails open", func(t *testing.T) {
		hook := testutil.NewFakeWebhook(t)
		w := NewWebhook(hook.URL, 0, 0)
		w.Budget = &stubBudget{err: errors.New("connection refused")}

		if err := w.Deliver(context.Background(), sampleMessage()); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
		if len(hook.Payloads()) != 1 {
			t.Errorf("payloads = %d, want 1", len(hook.Payloads()))
		}
	})
}

func TestWebhookPacingHonoursContext(t *testing.T) {
	hook := testutil.NewFakeWebhook(t)
	w := NewWebhook(hook.URL, 0.001, 1)
	if err := w.Deliver(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("first Deliver() error = %v", err)
	}

	t.Run("deadline too short is a rate limit", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := w.Deliver(ctx, sampleMessage())
		var rl *RateLimitedError
		if !errors.As(err, &rl) || errors.Is(err, ErrFailed) {
			t.Fatalf("Deliver() error = %v, want a rate limit", err)
		}
		if rl.Shared || rl.RetryAfter < time.Second {
			t.Errorf("RateLimitedError = %+v, want the local pacing delay", rl)
		}
	})

	t.Run("cancel while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		if err := w.Deliver(ctx, sampleMessage()); !errors.Is(err, context.Canceled) {
			t.Fatalf("Deliver() error = %v, want context.Canceled", err)
		}
	})

	if n := len(hook.Payloads()); n != 1 {
		t.Errorf("payloads = %d, want 1", n)
	}
}
