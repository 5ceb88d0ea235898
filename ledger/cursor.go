package ledger

import (
	"sync"
	"time"
)

// Cursor is the progress watermark: the latest event timestamp (unix seconds) observed by
// the polling cycle. It never moves backwards.
type Cursor struct {
	mu       sync.RWMutex
	lastSeen int64
}

// NewCursor returns a cursor starting at lastSeen. Zero means cold start.
func NewCursor(lastSeen int64) *Cursor {
	return &Cursor{lastSeen: lastSeen}
}

// LastSeen returns the current watermark.
func (c *Cursor) LastSeen() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Seed initialises a cold cursor to now-lookback so a fresh process still picks up posts
// made just before it started. A warm cursor is left alone. It returns the watermark.
func (c *Cursor) Seed(now int64, lookback time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSeen == 0 {
		c.lastSeen = now - int64(lookback/time.Second)
	}
	return c.lastSeen
}

// Advance moves the watermark to the largest of its current value and timestamps.
func (c *Cursor) Advance(timestamps ...int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ts := range timestamps {
		if ts > c.lastSeen {
			c.lastSeen = ts
		}
	}
	return c.lastSeen
}
