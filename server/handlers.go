package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/nostrhook/ledger"
	"github.com/onnwee/nostrhook/pipeline"
	"github.com/onnwee/nostrhook/telemetry"
)

// Runner is the poll side of the pipeline as seen by the HTTP API.
type Runner interface {
	Cycle(ctx context.Context) (pipeline.Result, error)
	LastCycle() (pipeline.CycleStatus, bool)
	Ready() bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	runner  Runner
	ledger  *ledger.Ledger
	cursor  *ledger.Cursor
	mode    string
	started time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(runner Runner, l *ledger.Ledger, c *ledger.Cursor, mode string) *Handlers {
	return &Handlers{runner: runner, ledger: l, cursor: c, mode: mode, started: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probes; the process being able to answer is enough.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports not ready after a cycle or subscription in which no relay answered.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if !h.runner.Ready() {
		body := map[string]string{"status": "not_ready", "failed_check": "relays"}
		if last, ok := h.runner.LastCycle(); ok && last.Error != "" {
			body["error"] = last.Error
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Mode      string                `json:"mode"`
	Uptime    string                `json:"uptime"`
	Ready     bool                  `json:"ready"`
	Ledger    ledgerStatus          `json:"ledger"`
	Cursor    int64                 `json:"cursor"`
	LastCycle *pipeline.CycleStatus `json:"last_cycle,omitempty"`
}

type ledgerStatus struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
	// Recent lists the most recently forwarded ids, newest first.
	Recent []string `json:"recent"`
}

// recentIDs is how many forwarded ids /status lists.
const recentIDs = 10

func newLedgerStatus(l *ledger.Ledger) ledgerStatus {
	ids := l.Snapshot()
	recent := make([]string, 0, min(len(ids), recentIDs))
	for i := len(ids) - 1; i >= 0 && len(recent) < recentIDs; i-- {
		recent = append(recent, ids[i])
	}
	return ledgerStatus{Size: len(ids), Capacity: l.Cap(), Recent: recent}
}

// HandleStatus reports ledger occupancy, the cursor and the most recent cycle.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:   h.mode,
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
		Ready:  h.runner.Ready(),
		Ledger: newLedgerStatus(h.ledger),
		Cursor: h.cursor.LastSeen(),
	}
	if last, ok := h.runner.LastCycle(); ok {
		resp.LastCycle = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTrigger runs one poll cycle. Orchestrators retry after Retry-After on 429 and treat
// 502 as a failed run.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context())
	res, err := h.runner.Cycle(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
	case errors.Is(err, pipeline.ErrSinkRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "rate_limited", "retry_after_seconds": res.RetryAfter.Seconds(), "result": res})
	case errors.Is(err, pipeline.ErrSourceUnavailable):
		log.Error("trigger: no relay answered", slog.Any("err", err), slog.String("component", "http"))
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "source_unavailable", "error": err.Error()})
	default:
		log.Error("trigger failed", slog.Any("err", err), slog.String("component", "http"))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
	}
}
