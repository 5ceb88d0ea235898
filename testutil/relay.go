package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// FakeRelay is a minimal NIP-01 relay: it answers REQ with stored matching events followed
// by EOSE and pushes events published later to every open subscription.
type FakeRelay struct {
	*httptest.Server

	// WithholdEOSE makes the relay never send EOSE, simulating a stalled relay.
	WithholdEOSE bool

	mu     sync.Mutex
	events []*nostr.Event
	subs   map[*relayConn]map[string]nostr.Filters
	reqs   int
}

type relayConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *relayConn) send(v ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(v)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// NewFakeRelay starts a relay preloaded with events. It is closed on test cleanup.
func NewFakeRelay(t testing.TB, events ...*nostr.Event) *FakeRelay {
	t.Helper()
	r := &FakeRelay{events: events, subs: make(map[*relayConn]map[string]nostr.Filters)}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Close)
	return r
}

// URL returns the websocket address of the relay.
func (r *FakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http")
}

// Requests returns how many REQ messages the relay has served.
func (r *FakeRelay) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs
}

// Publish stores ev and pushes it to every matching open subscription.
func (r *FakeRelay) Publish(ev *nostr.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	type target struct {
		c  *relayConn
		id string
	}
	var targets []target
	for c, byID := range r.subs {
		for id, filters := range byID {
			if filters.Match(ev) {
				targets = append(targets, target{c, id})
			}
		}
	}
	r.mu.Unlock()
	for _, tg := range targets {
		tg.c.send("EVENT", tg.id, ev)
	}
}

func (r *FakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &relayConn{ws: ws}
	defer func() {
		r.mu.Lock()
		delete(r.subs, c)
		r.mu.Unlock()
		_ = ws.Close()
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			continue
		}
		var typ, subID string
		_ = json.Unmarshal(msg[0], &typ)
		_ = json.Unmarshal(msg[1], &subID)
		switch typ {
		case "REQ":
			filters := make(nostr.Filters, 0, len(msg)-2)
			for _, raw := range msg[2:] {
				var f nostr.Filter
				if err := json.Unmarshal(raw, &f); err == nil {
					filters = append(filters, f)
				}
			}
			r.mu.Lock()
			r.reqs++
			if r.subs[c] == nil {
				r.subs[c] = make(map[string]nostr.Filters)
			}
			r.subs[c][subID] = filters
			var matched []*nostr.Event
			for _, ev := range r.events {
				if filters.Match(ev) {
					matched = append(matched, ev)
				}
			}
			withhold := r.WithholdEOSE
			r.mu.Unlock()
			for _, ev := range matched {
				c.send("EVENT", subID, ev)
			}
			if !withhold {
				c.send("EOSE", subID)
			}
		case "CLOSE":
			r.mu.Lock()
			delete(r.subs[c], subID)
			r.mu.Unlock()
		}
	}
}
