package admission

import (
	"errors"
	"testing"
	"time"
)

func TestWindowAdmit(t *testing.T) {
	const now = int64(100_000)
	w := Window{StaleWindow: time.Hour, RecentGrace: 5 * time.Minute}

	tests := []struct {
		name       string
		createdAt  int64
		lastSeen   int64
		wantReason string
	}{
		{name: "two hours old", createdAt: now - 7200, wantReason: ReasonTooOld},
		{name: "just inside stale window", createdAt: now - 3600},
		{name: "fresh, cold cursor", createdAt: now - 10},
		{name: "future dated", createdAt: now + 60},
		{name: "behind cursor beyond grace", createdAt: now - 1000, lastSeen: now - 100, wantReason: ReasonLikelyDuplicate},
		{name: "behind cursor within grace", createdAt: now - 350, lastSeen: now - 100},
		{name: "exactly at grace bound", createdAt: now - 400, lastSeen: now - 100},
		{name: "ahead of cursor", createdAt: now - 50, lastSeen: now - 100},
		{name: "too old wins over pre-cursor", createdAt: now - 5000, lastSeen: now - 100, wantReason: ReasonTooOld},
		{
			// lastSeen - stale excludes events the cursor rule is not meant to judge.
			name:      "at cursor stale edge",
			createdAt: now - 3600, lastSeen: now,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.Admit(tt.createdAt, now, tt.lastSeen)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("Admit() = %v, want admit", err)
				}
				return
			}
			var re *RejectError
			if !errors.As(err, &re) {
				t.Fatalf("Admit() = %v, want *RejectError", err)
			}
			if re.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", re.Reason, tt.wantReason)
			}
		})
	}
}

func TestWindowSentinels(t *testing.T) {
	var w Window
	if err := w.Admit(0, 10_000, 0); !errors.Is(err, ErrStaleEvent) {
		t.Errorf("too old: errors.Is(ErrStaleEvent) = false for %v", err)
	}
	if err := w.Admit(9_000, 10_000, 9_500); !errors.Is(err, ErrLikelyDuplicate) {
		t.Errorf("pre-cursor: errors.Is(ErrLikelyDuplicate) = false for %v", err)
	}
}

func TestWindowSince(t *testing.T) {
	w := Window{RecentGrace: 5 * time.Minute}
	if got := w.Since(0, 10_000, time.Hour); got != 6400 {
		t.Errorf("cold Since() = %d, want 6400", got)
	}
	if got := w.Since(9_000, 10_000, time.Hour); got != 8700 {
		t.Errorf("warm Since() = %d, want 8700", got)
	}
	if got := w.Since(100, 10_000, time.Hour); got != 0 {
		t.Errorf("warm Since() near epoch = %d, want 0", got)
	}
}
