// Package admission implements the time-based gate an event must pass before the
// dedup ledger is consulted.
package admission

import (
	"errors"
	"fmt"
	"time"
)

// Rejection reasons.
const (
	ReasonTooOld          = "too_old"
	ReasonLikelyDuplicate = "likely_duplicate_pre_cursor"
)

// Defaults used when a Window field is zero.
const (
	DefaultStaleWindow = time.Hour
	DefaultRecentGrace = 5 * time.Minute
)

var (
	// ErrStaleEvent marks events older than the stale window.
	ErrStaleEvent = errors.New("stale event")
	// ErrLikelyDuplicate marks events that fall just behind the progress cursor.
	ErrLikelyDuplicate = errors.New("likely duplicate")
)

// RejectError is returned by Admit for events outside the acceptance window.
type RejectError struct {
	Reason    string
	CreatedAt int64
	Bound     int64
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: created_at %d, bound %d", e.Reason, e.CreatedAt, e.Bound)
}

func (e *RejectError) Unwrap() error {
	if e.Reason == ReasonTooOld {
		return ErrStaleEvent
	}
	return ErrLikelyDuplicate
}

// Window is a stateless acceptance window. The zero value uses the defaults.
type Window struct {
	// StaleWindow bounds how far behind now an event may be.
	StaleWindow time.Duration
	// RecentGrace is how far behind the cursor an event may be and still be admitted.
	RecentGrace time.Duration
}

func (w Window) stale() int64 {
	if w.StaleWindow <= 0 {
		return int64(DefaultStaleWindow / time.Second)
	}
	return int64(w.StaleWindow / time.Second)
}

func (w Window) grace() int64 {
	if w.RecentGrace <= 0 {
		return int64(DefaultRecentGrace / time.Second)
	}
	return int64(w.RecentGrace / time.Second)
}

// Admit decides whether an event created at createdAt is fresh enough to forward, given
// the current time and the last observed progress (0 when unknown). Rules apply in order:
// too old relative to now, then just behind the cursor, then admit.
func (w Window) Admit(createdAt, now, lastSeen int64) error {
	stale := w.stale()
	if createdAt < now-stale {
		return &RejectError{Reason: ReasonTooOld, CreatedAt: createdAt, Bound: now - stale}
	}
	if lastSeen > 0 && createdAt < lastSeen-w.grace() && createdAt > lastSeen-stale {
		return &RejectError{Reason: ReasonLikelyDuplicate, CreatedAt: createdAt, Bound: lastSeen - w.grace()}
	}
	return nil
}

// Since returns the lower time bound for the next poll. A warm cursor reaches back by the
// grace period so late arrivals on slow relays are still fetched and left to the ledger.
// A cold cursor reaches back by lookback.
func (w Window) Since(lastSeen, now int64, lookback time.Duration) int64 {
	if lastSeen <= 0 {
		return now - int64(lookback/time.Second)
	}
	since := lastSeen - w.grace()
	if since < 0 {
		return 0
	}
	return since
}
