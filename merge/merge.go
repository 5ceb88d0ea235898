// Package merge combines event batches observed from independent relays into a single
// deduplicated, time-ordered sequence.
package merge

import (
	"cmp"
	"slices"

	"github.com/onnwee/nostrhook/event"
)

// Merge returns one copy of every event across batches, sorted by CreatedAt ascending with
// ties broken by id so the order is reproducible. When copies of an id differ, a copy whose
// content hashes to that id wins over one that does not; otherwise the first copy seen is
// kept. Nil entries are dropped. The input batches are not modified.
func Merge(batches ...[]*event.Event) []*event.Event {
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	index := make(map[string]int, total)
	out := make([]*event.Event, 0, total)
	for _, b := range batches {
		for _, ev := range b {
			if ev == nil {
				continue
			}
			i, dup := index[ev.ID]
			if !dup {
				index[ev.ID] = len(out)
				out = append(out, ev)
				continue
			}
			// a relay can replay another signed event under this id
			if kept := out[i]; kept != ev && !hashes(kept) && hashes(ev) {
				out[i] = ev
			}
		}
	}
	Sort(out)
	return out
}

func hashes(ev *event.Event) bool {
	return event.ComputeID(ev) == ev.ID
}

// Sort orders events in place by CreatedAt, then id.
func Sort(events []*event.Event) {
	slices.SortStableFunc(events, func(a, b *event.Event) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
