package ledger

import (
	"testing"
	"time"
)

func TestCursorSeedColdStart(t *testing.T) {
	c := NewCursor(0)
	if got := c.Seed(10_000, time.Hour); got != 6400 {
		t.Fatalf("Seed() = %d, want 6400", got)
	}
	// A second seed on a warm cursor keeps the watermark.
	if got := c.Seed(20_000, time.Hour); got != 6400 {
		t.Errorf("Seed() on warm cursor = %d, want 6400", got)
	}
}

func TestCursorAdvanceNeverRegresses(t *testing.T) {
	c := NewCursor(500)
	if got := c.Advance(100, 200); got != 500 {
		t.Errorf("Advance(older) = %d, want 500", got)
	}
	if got := c.Advance(); got != 500 {
		t.Errorf("Advance() = %d, want 500", got)
	}
	if got := c.Advance(700, 600); got != 700 {
		t.Errorf("Advance(newer) = %d, want 700", got)
	}
	if c.LastSeen() != 700 {
		t.Errorf("LastSeen() = %d, want 700", c.LastSeen())
	}
}
