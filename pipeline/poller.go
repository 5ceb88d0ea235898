package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/sink"
	"github.com/onnwee/nostrhook/source"
	"github.com/onnwee/nostrhook/telemetry"
)

// ErrStreamClosed is returned by Subscribe when every relay dropped the subscription.
var ErrStreamClosed = errors.New("relay stream closed")

// Source is the relay side of the pipeline.
type Source interface {
	Query(ctx context.Context, filter nostr.Filter) ([]*event.Event, error)
	Stream(ctx context.Context, filter nostr.Filter) (<-chan source.Item, error)
}

// CycleStatus describes the most recent poll cycle.
type CycleStatus struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Since      int64         `json:"since"`
	Fetched    int           `json:"fetched"`
	Result     Result        `json:"result"`
	Error      string        `json:"error,omitempty"`
	SourceDown bool          `json:"source_down"`
}

// Poller drives a Processor from relays, either by polling or by subscription. Cycles
// are serialized so the processor keeps a single mutator.
type Poller struct {
	Processor *Processor
	Source    Source
	// Now is the clock; nil means time.Now.
	Now func() time.Time

	cycleMu sync.Mutex

	mu    sync.RWMutex
	last  CycleStatus
	ran   bool
	ready bool
}

// NewPoller returns a poller over src.
func NewPoller(proc *Processor, src Source) *Poller {
	return &Poller{Processor: proc, Source: src, ready: true}
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Cycle runs one poll: compute the lower bound from the cursor, query the relays and
// process the batch. A total source failure returns ErrSourceUnavailable and leaves
// ledger and cursor untouched. A rate limit returns *sink.RateLimitedError.
func (p *Poller) Cycle(ctx context.Context) (Result, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if telemetry.GetCorrelation(ctx) == "" {
		ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	}
	ctx, span := telemetry.StartSpan(ctx, "pipeline", "poll.cycle")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "poller"))

	proc := p.Processor
	start := time.Now()
	now := p.now()
	status := CycleStatus{Started: now}
	var (
		res Result
		err error
	)
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		status.Since = proc.Window.Since(proc.Cursor.LastSeen(), now.Unix(), proc.Config.lookback())
		var events []*event.Event
		events, err = p.Source.Query(ctx, proc.Config.Filter(status.Since))
		if err != nil {
			return
		}
		status.Fetched = len(events)
		proc.Cursor.Seed(now.Unix(), proc.Config.lookback())
		res, err = proc.ProcessBatch(ctx, events, now)
	})
	status.Duration = time.Since(start)
	status.Result = res
	status.SourceDown = errors.Is(err, ErrSourceUnavailable)
	telemetry.IncPollCycle(status.SourceDown)

	switch {
	case err == nil:
		telemetry.SetSpanSuccess(span)
		log.Debug("poll cycle complete", slog.Int64("since", status.Since), slog.Int("fetched", status.Fetched), slog.String("result", res.String()))
	case status.SourceDown:
		status.Error = err.Error()
		telemetry.RecordError(span, err)
		log.Error("poll cycle failed: no relay answered", slog.Any("err", err))
	case errors.Is(err, ErrSinkRateLimited):
		status.Error = err.Error()
		telemetry.RecordError(span, err)
		log.Warn("poll cycle halted by rate limit", slog.Duration("retry_after", res.RetryAfter), slog.Int("remaining", res.Remaining))
	default:
		status.Error = err.Error()
		telemetry.RecordError(span, err)
		log.Warn("poll cycle aborted", slog.Any("err", err))
	}

	p.mu.Lock()
	p.last = status
	p.ran = true
	p.ready = !status.SourceDown
	p.mu.Unlock()
	return res, err
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	slog.Info("poller starting", slog.Duration("interval", interval), slog.String("component", "poller"))
	// Kick an immediate run so we don't wait a full interval after boot.
	_, _ = p.Cycle(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped", slog.String("component", "poller"))
			return
		case <-ticker.C:
			_, _ = p.Cycle(ctx)
		}
	}
}

// Subscribe streams from the relays until ctx is done. The stored backlog is collected
// up to the end-of-stored marker and processed as one batch; live events are then
// processed one by one. Rate limits are waited out here since no orchestrator will
// re-run a subscription; the attempt bound still applies.
func (p *Poller) Subscribe(ctx context.Context) error {
	proc := p.Processor
	now := p.now()
	since := proc.Window.Since(proc.Cursor.LastSeen(), now.Unix(), proc.Config.lookback())
	items, err := p.Source.Stream(ctx, proc.Config.Filter(since))
	if err != nil {
		p.setReady(false)
		return fmt.Errorf("subscribe: %w", err)
	}
	p.setReady(true)
	proc.Cursor.Seed(now.Unix(), proc.Config.lookback())
	log := slog.Default().With(slog.String("component", "subscriber"))
	log.Info("subscription open", slog.Int64("since", since))

	var backlog []*event.Event
	live := false
	for item := range items {
		switch {
		case item.EndOfStored && !live:
			live = true
			if err := p.drainBacklog(ctx, backlog); err != nil {
				return err
			}
			backlog = nil
			log.Info("backlog processed; streaming live events")
		case item.Event == nil:
		case !live:
			backlog = append(backlog, item.Event)
		default:
			if err := p.processLive(ctx, item.Event); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.setReady(false)
	return ErrStreamClosed
}

func (p *Poller) drainBacklog(ctx context.Context, backlog []*event.Event) error {
	for {
		p.cycleMu.Lock()
		_, err := p.Processor.ProcessBatch(ctx, backlog, p.now())
		p.cycleMu.Unlock()
		if !errors.Is(err, ErrSinkRateLimited) {
			return ignoreTerminal(err)
		}
		if werr := sleep(ctx, sink.RetryAfter(err)); werr != nil {
			return werr
		}
	}
}

func (p *Poller) processLive(ctx context.Context, ev *event.Event) error {
	for {
		p.cycleMu.Lock()
		outcome, err := p.Processor.ProcessOne(ctx, ev, p.now())
		p.cycleMu.Unlock()
		if outcome == OutcomeAbandoned || !errors.Is(err, ErrSinkRateLimited) {
			return ignoreTerminal(err)
		}
		if werr := sleep(ctx, sink.RetryAfter(err)); werr != nil {
			return werr
		}
	}
}

// ignoreTerminal drops errors that only concern the current event.
func ignoreTerminal(err error) error {
	if err == nil || Classify(err) == ClassTerminal || errors.Is(err, ErrSinkRateLimited) {
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = sink.DefaultRetryAfter
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Poller) setReady(v bool) {
	p.mu.Lock()
	p.ready = v
	p.mu.Unlock()
}

// LastCycle returns the status of the most recent poll cycle, if any.
func (p *Poller) LastCycle() (CycleStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.ran
}

// Ready is false after a cycle or subscription in which no relay answered.
func (p *Poller) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Follow keeps a subscription open until ctx is done, reopening it with exponential
// backoff between minWait and maxWait whenever the relays drop it.
func (p *Poller) Follow(ctx context.Context, minWait, maxWait time.Duration) {
	wait := minWait
	for {
		start := time.Now()
		err := p.Subscribe(ctx)
		if ctx.Err() != nil {
			slog.Info("subscriber stopped", slog.String("component", "subscriber"))
			return
		}
		// a subscription that stayed up for a while resets the backoff
		if time.Since(start) > maxWait {
			wait = minWait
		}
		slog.Warn("subscription ended; reconnecting", slog.Any("err", err), slog.Duration("wait", wait), slog.String("component", "subscriber"))
		if sleep(ctx, wait) != nil {
			return
		}
		wait = min(wait*2, maxWait)
	}
}
