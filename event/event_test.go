package event_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/testutil"
)

func TestValidate(t *testing.T) {
	alice := testutil.NewKeypair(t)
	mallory := testutil.NewKeypair(t)

	tests := []struct {
		name       string
		mutate     func(ev *nostr.Event)
		wantReason string
		wantIs     error
	}{
		{name: "valid event", mutate: func(*nostr.Event) {}},
		{
			name:       "content edited after signing",
			mutate:     func(ev *nostr.Event) { ev.Content = "tampered" },
			wantReason: event.ReasonHashMismatch,
			wantIs:     event.ErrInvalidSignature,
		},
		{
			name:       "timestamp edited after signing",
			mutate:     func(ev *nostr.Event) { ev.CreatedAt++ },
			wantReason: event.ReasonHashMismatch,
			wantIs:     event.ErrInvalidSignature,
		},
		{
			name: "author swapped with recomputed id",
			mutate: func(ev *nostr.Event) {
				ev.PubKey = mallory.Public
				ev.ID = event.ComputeID(ev)
			},
			wantReason: event.ReasonBadSignature,
			wantIs:     event.ErrInvalidSignature,
		},
		{
			name: "signature from another event",
			mutate: func(ev *nostr.Event) {
				other := alice.Note(t, 2000, "other")
				ev.Sig = other.Sig
			},
			wantReason: event.ReasonBadSignature,
			wantIs:     event.ErrInvalidSignature,
		},
		{
			name:       "missing id",
			mutate:     func(ev *nostr.Event) { ev.ID = "" },
			wantReason: event.ReasonMalformed,
			wantIs:     event.ErrMalformed,
		},
		{
			name:       "uppercase id",
			mutate:     func(ev *nostr.Event) { ev.ID = strings.ToUpper(ev.ID) },
			wantReason: event.ReasonMalformed,
			wantIs:     event.ErrMalformed,
		},
		{
			name:       "uppercase author",
			mutate:     func(ev *nostr.Event) { ev.PubKey = strings.ToUpper(ev.PubKey) },
			wantReason: event.ReasonMalformed,
			wantIs:     event.ErrMalformed,
		},
		{
			name:       "truncated signature",
			mutate:     func(ev *nostr.Event) { ev.Sig = ev.Sig[:100] },
			wantReason: event.ReasonMalformed,
			wantIs:     event.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := alice.Note(t, 1000, "hello nostr", nostr.Tag{"t", "golang"})
			tt.mutate(ev)

			err := event.Validate(ev)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want %s", tt.wantReason)
			}
			if got := event.Reason(err); got != tt.wantReason {
				t.Errorf("Reason() = %q, want %q", got, tt.wantReason)
			}
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantIs)
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	if err := event.Validate(nil); !errors.Is(err, event.ErrMalformed) {
		t.Fatalf("Validate(nil) = %v, want ErrMalformed", err)
	}
}

func TestComputeIDMatchesSigner(t *testing.T) {
	ev := testutil.NewKeypair(t).Note(t, 1700000000, "id check")
	if got := event.ComputeID(ev); got != ev.ID {
		t.Fatalf("ComputeID() = %s, want %s", got, ev.ID)
	}
}
