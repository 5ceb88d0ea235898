// Package pipeline runs candidate events through admission and deduplication and hands
// novel ones to the sink.
//
// Poll batches and live subscription items share one Processor. Events are handled
// strictly one at a time in (created_at, id) order so the sink sees backpressure before
// the next send.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/onnwee/nostrhook/admission"
	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/format"
	"github.com/onnwee/nostrhook/ledger"
	"github.com/onnwee/nostrhook/merge"
	"github.com/onnwee/nostrhook/sink"
	"github.com/onnwee/nostrhook/telemetry"
)

// DefaultMaxDeliveryAttempts bounds how many rate-limited cycles one event may hold the
// cursor back before it is given up.
const DefaultMaxDeliveryAttempts = 3

// DefaultLookback is how far back a cold process looks on its first poll.
const DefaultLookback = time.Hour

// Outcomes of processing one event.
const (
	OutcomeDelivered   = "delivered"
	OutcomeDuplicate   = "duplicate"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
	OutcomeAbandoned   = "abandoned"
	OutcomeRateLimited = "rate_limited"
)

// Reasons for rejections decided by the processor itself.
const (
	ReasonNotFollowed = "not_followed"
	ReasonAbandoned   = "delivery_abandoned"
)

// Config enumerates the behaviour differences between deployments.
type Config struct {
	// Authors are hex public keys whose events are relayed.
	Authors []string
	// Kinds are the event kinds relayed; empty means text notes only.
	Kinds        []int
	ReplyContext bool
	LinkStyle    format.LinkStyle
	DisplayName  string
	AvatarURL    string
	// Lookback is the cold-start reach of the first poll.
	Lookback time.Duration
	// MaxDeliveryAttempts caps rate-limited attempts per event.
	MaxDeliveryAttempts int
}

func (c Config) kinds() []int {
	if len(c.Kinds) == 0 {
		return []int{nostr.KindTextNote}
	}
	return c.Kinds
}

func (c Config) lookback() time.Duration {
	if c.Lookback <= 0 {
		return DefaultLookback
	}
	return c.Lookback
}

func (c Config) maxAttempts() int {
	if c.MaxDeliveryAttempts <= 0 {
		return DefaultMaxDeliveryAttempts
	}
	return c.MaxDeliveryAttempts
}

// Filter returns the relay filter for events created at or after since.
func (c Config) Filter(since int64) nostr.Filter {
	f := nostr.Filter{Authors: c.Authors, Kinds: c.kinds()}
	if since > 0 {
		ts := nostr.Timestamp(since)
		f.Since = &ts
	}
	return f
}

// follows reports whether ev is by a configured author and of a configured kind. Relays
// are not trusted to apply the filter.
func (c Config) follows(ev *event.Event) bool {
	if len(c.Authors) > 0 && !slices.Contains(c.Authors, ev.PubKey) {
		return false
	}
	return slices.Contains(c.kinds(), ev.Kind)
}

// ParentFetcher looks up the parent of a reply for reply context.
type ParentFetcher interface {
	FetchEvent(ctx context.Context, id string) (*event.Event, error)
}

// Result summarizes one batch.
type Result struct {
	Candidates int            `json:"candidates"`
	Delivered  int            `json:"delivered"`
	Duplicates int            `json:"duplicates"`
	Rejected   map[string]int `json:"rejected,omitempty"`
	Failed     int            `json:"failed"`
	Abandoned  int            `json:"abandoned"`
	// Halted is set when a rate limit stopped the batch; Remaining events were not looked at.
	Halted     bool          `json:"halted"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	Cursor     int64         `json:"cursor"`
}

func (r *Result) count(outcome, reason string) {
	switch outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeRejected:
		if r.Rejected == nil {
			r.Rejected = make(map[string]int)
		}
		r.Rejected[reason]++
	case OutcomeFailed:
		r.Failed++
	case OutcomeAbandoned:
		r.Abandoned++
	}
}

type attempt struct {
	count     int
	createdAt int64
}

// Processor owns the ledger and cursor mutations. It is not safe for concurrent use;
// callers serialize access (see Poller).
type Processor struct {
	Config    Config
	Window    admission.Window
	Ledger    *ledger.Ledger
	Cursor    *ledger.Cursor
	Sink      sink.Sender
	Formatter format.Formatter
	// Parents, when set and reply context is enabled, resolves reply parents.
	Parents ParentFetcher

	attempts  map[string]attempt
	abandoned *ledger.Ledger
}

// NewProcessor wires a processor. The formatter follows cfg's link style, reply context
// and identity overrides.
func NewProcessor(cfg Config, w admission.Window, l *ledger.Ledger, c *ledger.Cursor, s sink.Sender) *Processor {
	return &Processor{
		Config: cfg,
		Window: w,
		Ledger: l,
		Cursor: c,
		Sink:   s,
		Formatter: format.Formatter{
			LinkStyle:    cfg.LinkStyle,
			ReplyContext: cfg.ReplyContext,
			DisplayName:  cfg.DisplayName,
			AvatarURL:    cfg.AvatarURL,
		},
	}
}

func (p *Processor) init() {
	if p.attempts == nil {
		p.attempts = make(map[string]attempt)
	}
	if p.abandoned == nil {
		p.abandoned = ledger.New(p.Ledger.Cap())
	}
}

// ProcessBatch runs events through the pipeline in order. The batch is merged first, so
// duplicates across sources are harmless.
//
// A rate limit halts the batch: the returned error is a *sink.RateLimitedError and the
// cursor covers only the events handled before it. Every other per-event failure is
// counted in Result and skipped.
func (p *Processor) ProcessBatch(ctx context.Context, events []*event.Event, now time.Time) (Result, error) {
	p.init()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "pipeline"))
	batch := merge.Merge(events)
	res := Result{Candidates: len(batch)}
	lastSeen := p.Cursor.LastSeen()
	nowUnix := now.Unix()

	var observed []int64
	var haltErr error
	for i, ev := range batch {
		if err := ctx.Err(); err != nil {
			haltErr = err
			res.Remaining = len(batch) - i
			break
		}
		outcome, reason, seen, err := p.step(ctx, ev, nowUnix, lastSeen)
		if seen {
			observed = append(observed, min(int64(ev.CreatedAt), nowUnix))
		}
		res.count(outcome, reason)
		if err != nil {
			if errors.Is(err, ErrSinkRateLimited) {
				res.Halted = true
				res.RetryAfter = sink.RetryAfter(err)
				res.Remaining = len(batch) - i - 1
			} else {
				res.Remaining = len(batch) - i
			}
			haltErr = err
			break
		}
	}

	res.Cursor = p.Cursor.Advance(observed...)
	p.pruneAttempts(nowUnix)
	telemetry.SetCursor(res.Cursor)
	telemetry.SetLedgerSize(p.Ledger.Len())
	log.Info("batch processed",
		slog.Int("candidates", res.Candidates),
		slog.Int("delivered", res.Delivered),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("failed", res.Failed),
		slog.Bool("halted", res.Halted),
		slog.Int64("cursor", res.Cursor))
	if haltErr != nil {
		return res, haltErr
	}
	return res, nil
}

// ProcessOne handles a single live event. It returns a *sink.RateLimitedError when the
// event should be offered again after the hint, and otherwise the outcome.
func (p *Processor) ProcessOne(ctx context.Context, ev *event.Event, now time.Time) (string, error) {
	p.init()
	nowUnix := now.Unix()
	outcome, _, seen, err := p.step(ctx, ev, nowUnix, p.Cursor.LastSeen())
	if seen {
		telemetry.SetCursor(p.Cursor.Advance(min(int64(ev.CreatedAt), nowUnix)))
	}
	telemetry.SetLedgerSize(p.Ledger.Len())
	return outcome, err
}

// step processes one event. seen reports whether its timestamp counts towards the
// cursor; err is non-nil only for a rate limit or a cancelled context, both of which
// halt the caller.
func (p *Processor) step(ctx context.Context, ev *event.Event, now, lastSeen int64) (outcome, reason string, seen bool, err error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "pipeline"))
	telemetry.IncEventsReceived()

	if verr := event.Validate(ev); verr != nil {
		reason = RejectReason(verr)
		telemetry.IncRejected(reason)
		log.Info("event rejected", slog.String("event_id", ev.ID), slog.String("reason", reason))
		return OutcomeRejected, reason, false, nil
	}
	if !p.Config.follows(ev) {
		telemetry.IncRejected(ReasonNotFollowed)
		log.Debug("event not followed", slog.String("event_id", ev.ID), slog.String("pubkey", ev.PubKey), slog.Int("kind", ev.Kind))
		return OutcomeRejected, ReasonNotFollowed, false, nil
	}
	if aerr := p.Window.Admit(int64(ev.CreatedAt), now, lastSeen); aerr != nil {
		reason = RejectReason(aerr)
		telemetry.IncRejected(reason)
		log.Debug("event outside admission window", slog.String("event_id", ev.ID), slog.String("reason", reason), slog.Int64("created_at", int64(ev.CreatedAt)))
		return OutcomeRejected, reason, true, nil
	}
	if p.Ledger.Contains(ev.ID) {
		log.Debug("event already forwarded", slog.String("event_id", ev.ID))
		return OutcomeDuplicate, "", true, nil
	}
	if p.abandoned.Contains(ev.ID) {
		telemetry.IncRejected(ReasonAbandoned)
		return OutcomeRejected, ReasonAbandoned, true, nil
	}

	dctx, span := telemetry.StartSpan(ctx, "pipeline", "event.forward", telemetry.EventIDAttr(ev.ID))
	derr := p.Sink.Deliver(dctx, p.Formatter.Format(ev, p.parent(dctx, ev)))
	if derr != nil {
		telemetry.RecordError(span, derr)
	}
	span.End()
	switch {
	case derr == nil:
		p.Ledger.Insert(ev.ID)
		delete(p.attempts, ev.ID)
		log.Info("event delivered", slog.String("event_id", ev.ID), slog.Int64("created_at", int64(ev.CreatedAt)))
		return OutcomeDelivered, "", true, nil
	case errors.Is(derr, ErrSinkRateLimited):
		a := p.attempts[ev.ID]
		a.count++
		a.createdAt = int64(ev.CreatedAt)
		if a.count >= p.Config.maxAttempts() {
			p.abandon(ev.ID)
			log.Warn("event abandoned after repeated rate limits", slog.String("event_id", ev.ID), slog.Int("attempts", a.count))
			return OutcomeAbandoned, "", true, derr
		}
		p.attempts[ev.ID] = a
		log.Warn("sink rate limited; halting", slog.String("event_id", ev.ID), slog.Int("attempts", a.count), slog.Duration("retry_after", sink.RetryAfter(derr)))
		return OutcomeRateLimited, "", false, derr
	case ctx.Err() != nil:
		// the caller went away mid-send; the event stays eligible for the next cycle
		return "", "", false, ctx.Err()
	default:
		p.abandon(ev.ID)
		log.Warn("event delivery failed; dropping", slog.String("event_id", ev.ID), slog.Any("err", derr))
		return OutcomeFailed, "", true, nil
	}
}

func (p *Processor) abandon(id string) {
	delete(p.attempts, id)
	p.abandoned.Insert(id)
}

func (p *Processor) parent(ctx context.Context, ev *event.Event) *event.Event {
	if !p.Config.ReplyContext || p.Parents == nil {
		return nil
	}
	id := event.ReplyParent(ev)
	if id == "" {
		return nil
	}
	parent, err := p.Parents.FetchEvent(ctx, id)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Debug("reply parent lookup failed", slog.String("parent_id", id), slog.Any("err", err), slog.String("component", "pipeline"))
		return nil
	}
	if parent != nil && event.Validate(parent) != nil {
		return nil
	}
	return parent
}

// pruneAttempts forgets retry counts for events the admission window will never admit again.
func (p *Processor) pruneAttempts(now int64) {
	horizon := now - int64(p.Window.StaleWindow/time.Second)
	if p.Window.StaleWindow <= 0 {
		horizon = now - int64(admission.DefaultStaleWindow/time.Second)
	}
	for id, a := range p.attempts {
		if a.createdAt < horizon {
			delete(p.attempts, id)
		}
	}
}

// Attempts returns how many rate-limited attempts id has used so far.
func (p *Processor) Attempts(id string) int {
	return p.attempts[id].count
}

// String is used in status output.
func (r Result) String() string {
	return fmt.Sprintf("candidates=%d delivered=%d duplicates=%d rejected=%d failed=%d abandoned=%d halted=%t cursor=%d",
		r.Candidates, r.Delivered, r.Duplicates, sum(r.Rejected), r.Failed, r.Abandoned, r.Halted, r.Cursor)
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
