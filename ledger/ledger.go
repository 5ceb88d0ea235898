// Package ledger holds the two in-memory defenses against re-delivery: a bounded FIFO
// set of forwarded event ids and a progress cursor bounding the next poll.
//
// Both live for the lifetime of the process and are lost on restart. Each has a single
// mutator (the poll or subscription loop); the mutex only serves concurrent readers such
// as the HTTP status handler.
package ledger

import (
	"container/list"
	"sync"
)

// DefaultCapacity is comfortably larger than any single poll or subscription batch.
const DefaultCapacity = 200

// Ledger is a bounded set of event ids evicted in strict insertion order.
type Ledger struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front = oldest
	index    map[string]*list.Element
}

// New returns a ledger holding at most capacity ids, pre-populated with seed (oldest
// first) so tests and warm restarts can inject prior state.
func New(capacity int, seed ...string) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity+1),
	}
	for _, id := range seed {
		l.Insert(id)
	}
	return l
}

// Contains reports whether id has been forwarded within the capacity horizon.
func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[id]
	return ok
}

// Insert records id. Re-inserting a present id is a no-op and does not refresh its
// position. When the ledger exceeds capacity the oldest-inserted id is evicted and
// returned.
func (l *Ledger) Insert(id string) (evicted string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.index[id]; exists {
		return "", false
	}
	l.index[id] = l.order.PushBack(id)
	if l.order.Len() <= l.capacity {
		return "", false
	}
	oldest := l.order.Front()
	l.order.Remove(oldest)
	evicted = oldest.Value.(string)
	delete(l.index, evicted)
	return evicted, true
}

// Len returns the number of ids held.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.order.Len()
}

// Cap returns the configured capacity.
func (l *Ledger) Cap() int { return l.capacity }

// Snapshot returns the held ids, oldest first.
func (l *Ledger) Snapshot() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, l.order.Len())
	for e := l.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}
