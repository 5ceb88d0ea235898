// Package source queries Nostr relays. A Pool fans a filter out to every configured
// relay, tolerates individual relay failures, and falls back to a secondary relay set
// when the primary set yields nothing.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/merge"
	"github.com/onnwee/nostrhook/telemetry"
)

// DefaultTimeout bounds how long a single relay may take to answer a query.
const DefaultTimeout = 8 * time.Second

// ErrSourceUnavailable is returned when no relay could be queried at all.
var ErrSourceUnavailable = errors.New("no relay available")

// Conn is the subset of a relay connection the pool uses.
type Conn interface {
	Subscribe(ctx context.Context, filters nostr.Filters, opts ...nostr.SubscriptionOption) (*nostr.Subscription, error)
	Close() error
}

// ConnectFunc opens a relay connection. The connection lives until ctx is done or Close.
type ConnectFunc func(ctx context.Context, url string) (Conn, error)

func dialRelay(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// Pool queries a primary and an optional fallback set of relays.
type Pool struct {
	Primary  []string
	Fallback []string
	// Timeout bounds each relay query; a relay that does not finish in time contributes
	// whatever it sent so far.
	Timeout time.Duration
	// Connect overrides how relays are dialed; nil uses go-nostr.
	Connect ConnectFunc
	// MaxParallel caps concurrent relay queries; 0 means one per relay.
	MaxParallel int
}

func (p *Pool) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p *Pool) connect(ctx context.Context, url string) (Conn, error) {
	if p.Connect != nil {
		return p.Connect(ctx, url)
	}
	return dialRelay(ctx, url)
}

// Query returns every event matching filter across the primary relays, merged and sorted.
// When the primary relays return nothing the fallback relays are tried. It fails with
// ErrSourceUnavailable only when every relay attempted failed.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) ([]*event.Event, error) {
	ctx, span := telemetry.StartSpan(ctx, "source", "pool.query", telemetry.CountAttr("relays.primary", len(p.Primary)))
	defer span.End()

	events, okCount, err := p.queryAll(ctx, p.Primary, filter)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	attempted := len(p.Primary)
	succeeded := okCount
	if len(events) == 0 && len(p.Fallback) > 0 {
		slog.Debug("primary relays returned nothing; trying fallback", slog.Int("fallback", len(p.Fallback)), slog.String("component", "source"))
		events, okCount, err = p.queryAll(ctx, p.Fallback, filter)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		attempted += len(p.Fallback)
		succeeded += okCount
	}
	if attempted == 0 || succeeded == 0 {
		err := fmt.Errorf("query %d relays: %w", attempted, ErrSourceUnavailable)
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(telemetry.CountAttr("events", len(events)))
	telemetry.SetSpanSuccess(span)
	return events, nil
}

// FetchEvent looks up a single event by id, returning nil when no relay has it.
func (p *Pool) FetchEvent(ctx context.Context, id string) (*event.Event, error) {
	events, err := p.Query(ctx, nostr.Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, nil
}

// queryAll queries urls concurrently and merges their answers. It returns the number of
// relays that answered. Only cancellation of ctx is reported as an error.
func (p *Pool) queryAll(ctx context.Context, urls []string, filter nostr.Filter) ([]*event.Event, int, error) {
	var (
		mu      sync.Mutex
		batches = make([][]*event.Event, 0, len(urls))
		ok      int
	)
	var g errgroup.Group
	if p.MaxParallel > 0 {
		g.SetLimit(p.MaxParallel)
	}
	for _, url := range urls {
		url := url
		g.Go(func() error {
			events, err := p.queryRelay(ctx, url, filter)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("relay query failed", slog.String("relay", url), slog.Any("err", err), slog.String("component", "source"))
				return nil
			}
			mu.Lock()
			batches = append(batches, events)
			ok++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return merge.Merge(batches...), ok, nil
}

// queryRelay collects stored events from one relay until EOSE, the relay closes the
// subscription, or the per-relay timeout fires. A timeout is not an error.
func (p *Pool) queryRelay(ctx context.Context, url string, filter nostr.Filter) ([]*event.Event, error) {
	qctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	qctx, span := telemetry.StartSpan(qctx, "source", "relay.query", telemetry.RelayAttr(url))
	defer span.End()

	conn, err := p.connect(qctx, url)
	if err != nil {
		telemetry.IncRelayQuery(url, "error")
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	defer func() { _ = conn.Close() }()

	sub, err := conn.Subscribe(qctx, nostr.Filters{filter})
	if err != nil {
		telemetry.IncRelayQuery(url, "error")
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("subscribe %s: %w", url, err)
	}
	defer sub.Unsub()

	var out []*event.Event
	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				telemetry.IncRelayQuery(url, "ok")
				return out, nil
			}
			out = append(out, ev)
		case <-sub.EndOfStoredEvents:
			telemetry.IncRelayQuery(url, "ok")
			return out, nil
		case <-qctx.Done():
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			telemetry.IncRelayQuery(url, "timeout")
			slog.Debug("relay query timed out; treating as no more data", slog.String("relay", url), slog.Int("events", len(out)), slog.String("component", "source"))
			return out, nil
		}
	}
}
