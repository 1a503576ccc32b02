package store

import (
	"sort"
	"time"

	"luma/internal/model"
)

// state is never mutated after it is published; writers build a new one.
type state struct {
	events      map[string]model.Event
	ordered     []model.Event
	seen        map[string]struct{}
	refreshed   map[string]time.Time
	lastRefresh time.Time
	discardedAt time.Time
}

func emptyState() *state {
	return &state{
		events:    map[string]model.Event{},
		ordered:   []model.Event{},
		seen:      map[string]struct{}{},
		refreshed: map[string]time.Time{},
	}
}

// withEvents returns a copy of s sharing seen-state but owning its events.
func (s *state) withEvents(events map[string]model.Event, refreshed map[string]time.Time, at time.Time) *state {
	next := *s
	next.events = events
	next.refreshed = refreshed
	next.lastRefresh = at
	next.ordered = orderEvents(events)
	return &next
}

// withSeen returns a copy of s sharing events but owning its seen set.
func (s *state) withSeen(seen map[string]struct{}, at time.Time) *state {
	next := *s
	next.seen = seen
	next.discardedAt = at
	return &next
}

func orderEvents(events map[string]model.Event) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snapshot is an immutable view of the cache and seen-state. It implements
// query.Snapshot.
type Snapshot struct {
	st *state
}

// Events returns every cached event ordered by key. The slice is a copy.
func (s Snapshot) Events() []model.Event {
	return append([]model.Event(nil), s.st.ordered...)
}

func (s Snapshot) Len() int { return len(s.st.ordered) }

func (s Snapshot) IsSeen(key string) bool {
	_, ok := s.st.seen[key]
	return ok
}

func (s Snapshot) SeenCount() int { return len(s.st.seen) }

// Event looks up a single event by key.
func (s Snapshot) Event(key string) (model.Event, bool) {
	e, ok := s.st.events[key]
	return e, ok
}

// Lookup resolves keys in the given order, skipping unknown keys and
// repeats.
func (s Snapshot) Lookup(keys []string) []model.Event {
	out := make([]model.Event, 0, len(keys))
	done := make(map[string]bool, len(keys))
	for _, k := range keys {
		if done[k] {
			continue
		}
		done[k] = true
		if e, ok := s.st.events[k]; ok {
			out = append(out, e)
		}
	}
	return out
}

// LastRefresh is the time of the most recent refresh with at least one
// successful source; zero if the cache was never refreshed.
func (s Snapshot) LastRefresh() time.Time { return s.st.lastRefresh }

func (s Snapshot) DiscardedAt() time.Time { return s.st.discardedAt }

// SourceRefreshed returns the last successful fetch time per source.
func (s Snapshot) SourceRefreshed() map[string]time.Time {
	out := make(map[string]time.Time, len(s.st.refreshed))
	for k, v := range s.st.refreshed {
		out[k] = v
	}
	return out
}

// Staleness reports the cache age at now and whether it exceeds threshold.
// A never-refreshed cache is always stale.
func (s Snapshot) Staleness(now time.Time, threshold time.Duration) (time.Duration, bool) {
	if s.st.lastRefresh.IsZero() {
		return 0, true
	}
	age := now.Sub(s.st.lastRefresh)
	return age, age > threshold
}
