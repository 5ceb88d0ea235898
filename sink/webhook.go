// Package sink delivers formatted messages to a Discord webhook.
//
// Deliveries are sequential. A local token bucket paces sends from this process and an
// optional Budget shares the destination's rate allowance between instances. A 429 from
// Discord, or a refused budget, is reported as *RateLimitedError and never retried here.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/nostrhook/telemetry"
)

// Delivery outcomes, used as metric labels.
const (
	OutcomeDelivered   = "delivered"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

// DefaultRetryAfter is used when a 429 carries no usable hint.
const DefaultRetryAfter = time.Second

// Sender is anything that can deliver a message.
type Sender interface {
	Deliver(ctx context.Context, msg Message) error
}

// Budget is a rate allowance shared by every instance posting to the same webhook.
type Budget interface {
	// Take consumes one send. When the budget is spent it returns false and how long
	// until a send would be allowed.
	Take(ctx context.Context) (bool, time.Duration, error)
}

// Webhook posts messages to a Discord webhook URL.
type Webhook struct {
	URL        string
	HTTPClient *http.Client
	// Limiter paces local sends; nil disables pacing.
	Limiter *rate.Limiter
	// Budget, when set, is consulted before every send.
	Budget Budget
}

// NewWebhook returns a webhook client paced at perSecond with the given burst. A
// non-positive rate disables local pacing.
func NewWebhook(webhookURL string, perSecond float64, burst int) *Webhook {
	w := &Webhook{URL: webhookURL, HTTPClient: &http.Client{Timeout: 15 * time.Second}}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		w.Limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return w
}

func (w *Webhook) client() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return http.DefaultClient
}

// Deliver sends msg and waits for Discord to acknowledge it.
func (w *Webhook) Deliver(ctx context.Context, msg Message) error {
	ctx, span := telemetry.StartSpan(ctx, "sink", "webhook.deliver")
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.DeliveryDuration, func() { err = w.deliver(ctx, msg) })
	switch {
	case err == nil:
		telemetry.IncDelivery(OutcomeDelivered)
		telemetry.SetSpanSuccess(span)
	case errors.Is(err, ErrRateLimited):
		telemetry.IncDelivery(OutcomeRateLimited)
		telemetry.RecordError(span, err)
	default:
		telemetry.IncDelivery(OutcomeFailed)
		telemetry.RecordError(span, err)
	}
	return err
}

func (w *Webhook) deliver(ctx context.Context, msg Message) error {
	if err := w.pace(ctx); err != nil {
		return err
	}
	if w.Budget != nil {
		ok, wait, err := w.Budget.Take(ctx)
		switch {
		case err != nil:
			// an unreachable budget store must not stop delivery; Discord still enforces its own limit
			slog.Warn("shared sink budget unavailable", slog.Any("err", err), slog.String("component", "sink"))
		case !ok:
			if wait <= 0 {
				wait = DefaultRetryAfter
			}
			return &RateLimitedError{RetryAfter: wait, Shared: true}
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return &FailedError{Err: fmt.Errorf("encode message: %w", err)}
	}
	endpoint, err := withWait(w.URL)
	if err != nil {
		return &FailedError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &FailedError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client().Do(req)
	if err != nil {
		return &FailedError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp)}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Debug("webhook rejected message", slog.Int("status", resp.StatusCode), slog.String("body", string(snippet)), slog.String("component", "sink"))
		return &FailedError{StatusCode: resp.StatusCode}
	}
}

// pace waits for the local limiter. A wait the caller's deadline cannot cover is reported
// as a rate limit so the event is offered again later.
func (w *Webhook) pace(ctx context.Context) error {
	if w.Limiter == nil {
		return nil
	}
	r := w.Limiter.Reserve()
	if !r.OK() {
		return &RateLimitedError{RetryAfter: DefaultRetryAfter}
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		r.Cancel()
		return &RateLimitedError{RetryAfter: delay}
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// withWait adds wait=true so Discord answers with the created message instead of 204
// before the message is actually accepted.
func withWait(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseRetryAfter reads Discord's JSON retry_after (seconds, fractional), then the
// Retry-After header, then X-RateLimit-Reset-After.
func parseRetryAfter(resp *http.Response) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err == nil && payload.RetryAfter > 0 {
		return seconds(payload.RetryAfter)
	}
	for _, h := range []string{"Retry-After", "X-RateLimit-Reset-After"} {
		if v := resp.Header.Get(h); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return seconds(f)
			}
		}
	}
	return DefaultRetryAfter
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
