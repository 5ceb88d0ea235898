package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/nostrhook/event"
)

// Item is one element of a relay stream: an event from a relay, or the marker that the
// stored backlog has been exhausted on every relay.
type Item struct {
	Event       *event.Event
	Relay       string
	EndOfStored bool
}

type relayConn struct {
	url  string
	conn Conn
}

// Stream subscribes to filter on every primary relay (the fallback set when no primary
// relay connects) and returns a channel of items. Stored events arrive first, followed
// by a single EndOfStored item once every relay has sent EOSE or the pool timeout
// elapses, then live events. The channel is closed when ctx is done or every relay has
// dropped its subscription.
func (p *Pool) Stream(ctx context.Context, filter nostr.Filter) (<-chan Item, error) {
	conns := p.connectAll(ctx, p.Primary)
	if len(conns) == 0 && len(p.Fallback) > 0 {
		slog.Warn("no primary relay reachable; streaming from fallback relays", slog.Int("fallback", len(p.Fallback)), slog.String("component", "source"))
		conns = p.connectAll(ctx, p.Fallback)
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("stream: %w", ErrSourceUnavailable)
	}

	out := make(chan Item)
	backlog := make(chan struct{}, len(conns))
	var wg sync.WaitGroup
	for _, rc := range conns {
		rc := rc
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pump(ctx, rc, filter, out, backlog)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.markBacklog(ctx, len(conns), backlog, out)
	}()
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (p *Pool) connectAll(ctx context.Context, urls []string) []relayConn {
	var (
		mu    sync.Mutex
		conns []relayConn
		g     errgroup.Group
	)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, p.timeout())
			defer cancel()
			conn, err := p.connect(cctx, url)
			if err != nil {
				slog.Warn("relay connect failed", slog.String("relay", url), slog.Any("err", err), slog.String("component", "source"))
				return nil
			}
			mu.Lock()
			conns = append(conns, relayConn{url: url, conn: conn})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return conns
}

// pump forwards one relay subscription into out and signals backlog exactly once, on
// EOSE or on exit.
func (p *Pool) pump(ctx context.Context, rc relayConn, filter nostr.Filter, out chan<- Item, backlog chan<- struct{}) {
	defer func() { _ = rc.conn.Close() }()
	signaled := false
	signal := func() {
		if !signaled {
			signaled = true
			backlog <- struct{}{}
		}
	}
	defer signal()

	sub, err := rc.conn.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		slog.Warn("relay subscribe failed", slog.String("relay", rc.url), slog.Any("err", err), slog.String("component", "source"))
		return
	}
	defer sub.Unsub()

	eose := sub.EndOfStoredEvents
	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				slog.Info("relay subscription closed", slog.String("relay", rc.url), slog.String("component", "source"))
				return
			}
			select {
			case out <- Item{Event: ev, Relay: rc.url}:
			case <-ctx.Done():
				return
			}
		case <-eose:
			eose = nil
			signal()
		case <-ctx.Done():
			return
		}
	}
}

// markBacklog emits the EndOfStored item after n backlog signals or the pool timeout.
func (p *Pool) markBacklog(ctx context.Context, n int, backlog <-chan struct{}, out chan<- Item) {
	timer := time.NewTimer(p.timeout())
	defer timer.Stop()
wait:
	for i := 0; i < n; i++ {
		select {
		case <-backlog:
		case <-timer.C:
			slog.Debug("backlog wait timed out; continuing with live events", slog.Int("pending", n-i), slog.String("component", "source"))
			break wait
		case <-ctx.Done():
			return
		}
	}
	select {
	case out <- Item{EndOfStored: true}:
	case <-ctx.Done():
	}
}
