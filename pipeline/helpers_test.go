package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/onnwee/nostrhook/admission"
	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/ledger"
	"github.com/onnwee/nostrhook/sink"
	"github.com/onnwee/nostrhook/source"
	"github.com/onnwee/nostrhook/testutil"
)

// fakeSink records delivered messages; scripted errors are consumed one per Deliver.
type fakeSink struct {
	mu     sync.Mutex
	script []error
	always error
	sent   []sink.Message
	calls  int
}

func (s *fakeSink) Deliver(_ context.Context, msg sink.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var err error
	if len(s.script) > 0 {
		err, s.script = s.script[0], s.script[1:]
	} else {
		err = s.always
	}
	if err == nil {
		s.sent = append(s.sent, msg)
	}
	return err
}

// bodies returns the embed descriptions of delivered messages, in order.
func (s *fakeSink) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Embeds[0].Description)
	}
	return out
}

func (s *fakeSink) setAlways(err error) {
	s.mu.Lock()
	s.always = err
	s.mu.Unlock()
}

func rateLimited(d time.Duration) error { return &sink.RateLimitedError{RetryAfter: d} }

type stubSource struct {
	events []*event.Event
	err    error
	calls  int
	last   nostr.Filter
}

func (s *stubSource) Query(_ context.Context, f nostr.Filter) ([]*event.Event, error) {
	s.calls++
	s.last = f
	return s.events, s.err
}

func (s *stubSource) Stream(context.Context, nostr.Filter) (<-chan source.Item, error) {
	return nil, source.ErrSourceUnavailable
}

type stubParents map[string]*event.Event

func (p stubParents) FetchEvent(_ context.Context, id string) (*event.Event, error) {
	return p[id], nil
}

// fixture bundles a processor over a fake sink for one followed author.
type fixture struct {
	author testutil.Keypair
	sink   *fakeSink
	proc   *Processor
}

func newFixture(t *testing.T, cfg Config, lastSeen int64, seed ...string) *fixture {
	t.Helper()
	author := testutil.NewKeypair(t)
	cfg.Authors = append(cfg.Authors, author.Public)
	s := &fakeSink{}
	proc := NewProcessor(cfg, admission.Window{}, ledger.New(ledger.DefaultCapacity, seed...), ledger.NewCursor(lastSeen), s)
	return &fixture{author: author, sink: s, proc: proc}
}

func (f *fixture) note(t *testing.T, createdAt int64, content string, tags ...nostr.Tag) *event.Event {
	t.Helper()
	return f.author.Note(t, createdAt, content, tags...)
}
