// Package store owns the merged event cache and the seen-state.
//
// Readers take immutable snapshots; Refresh, Discard and Reset build a new
// state off to the side, persist it, then publish it under a write lock.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"luma/internal/blob"
	appLog "luma/internal/log"
	"luma/internal/metrics"
	"luma/internal/model"
	"luma/internal/source"
)

// Options tunes refresh behaviour. Zero values pick the defaults in
// parentheses.
type Options struct {
	// SourceTimeout bounds one adapter including its retries (120s).
	SourceTimeout time.Duration
	// MaxInFlight bounds concurrent adapter fetches (4).
	MaxInFlight int
	// Retries is the extra attempts per adapter after a failure.
	Retries int
	// RetryBackoff is the first retry delay, doubled per attempt (1s).
	RetryBackoff time.Duration
	// Compress zstd-compresses persisted blobs.
	Compress bool
	// Location is the zone whose midnight starts the fetch window (UTC).
	Location *time.Location
	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 120 * time.Second
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
}

// SourceStats are the per-source merge counts of one refresh.
type SourceStats struct {
	SourceID  string    `json:"source_id"`
	Added     int       `json:"added"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Removed   int       `json:"removed"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RefreshSummary describes a completed refresh.
type RefreshSummary struct {
	Sources     []SourceStats       `json:"sources"`
	Failed      []*SourceFetchError `json:"failed"`
	Total       int                 `json:"total"`
	RefreshedAt time.Time           `json:"refreshed_at"`
}

// Store is safe for concurrent use.
type Store struct {
	blobs    blob.Store
	adapters []source.Adapter
	opts     Options

	// writeMu serialises Refresh, Discard and Reset end to end.
	writeMu sync.Mutex

	mu           sync.RWMutex
	st           *state
	corrupt      []error
	needsRebuild bool
}

// Open loads the persisted cache and seen-state. A corrupt blob is logged
// and replaced by an empty value; NeedsRebuild then reports true so the
// caller can refresh before querying.
func Open(ctx context.Context, blobs blob.Store, adapters []source.Adapter, opts Options) (*Store, error) {
	opts.normalize()
	s := &Store{blobs: blobs, adapters: adapters, opts: opts, st: emptyState()}

	var ev eventsBlob
	switch err := s.load(ctx, eventsKey, eventsVersion, &ev); {
	case errors.Is(err, blob.ErrNotFound):
		s.needsRebuild = true
	case err != nil:
		var corrupt *CacheCorruptError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		appLog.Warn("event cache unreadable, starting empty", "error", err)
		s.corrupt = append(s.corrupt, err)
		s.needsRebuild = true
	default:
		events := make(map[string]model.Event, len(ev.Events))
		for _, e := range ev.Events {
			events[e.Key()] = e
		}
		if ev.Refreshed == nil {
			ev.Refreshed = map[string]time.Time{}
		}
		s.st = s.st.withEvents(events, ev.Refreshed, ev.LastRefresh)
	}

	var sb seenBlob
	switch err := s.load(ctx, seenKey, seenVersion, &sb); {
	case errors.Is(err, blob.ErrNotFound):
	case err != nil:
		var corrupt *CacheCorruptError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		appLog.Warn("seen-state unreadable, starting empty", "error", err)
		s.corrupt = append(s.corrupt, err)
	default:
		seen := make(map[string]struct{}, len(sb.Keys))
		for _, k := range sb.Keys {
			seen[k] = struct{}{}
		}
		s.st = s.st.withSeen(seen, sb.DiscardedAt)
	}

	metrics.SetEventsCached(len(s.st.ordered))
	return s, nil
}

func (s *Store) load(ctx context.Context, key string, version int, v any) error {
	raw, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return err
		}
		return fmt.Errorf("store: load %s: %w", key, err)
	}
	if err := decode(raw, version, v); err != nil {
		return &CacheCorruptError{Key: key, Err: err}
	}
	return nil
}

// NeedsRebuild reports whether the event cache was missing or corrupt at
// Open and has not been refreshed since.
func (s *Store) NeedsRebuild() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needsRebuild
}

// CorruptErrors returns the CacheCorruptErrors seen by Open.
func (s *Store) CorruptErrors() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]error(nil), s.corrupt...)
}

// Snapshot returns the current published state. It never fetches.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{st: s.st}
}

// SourceIDs lists the configured adapters.
func (s *Store) SourceIDs() []string {
	ids := make([]string, len(s.adapters))
	for i, a := range s.adapters {
		ids[i] = a.ID()
	}
	return ids
}

type fetchOutcome struct {
	snap model.SourceSnapshot
	err  error
}

// Refresh fetches every adapter concurrently and merges the successful
// snapshots. A successful snapshot replaces all cached events of its
// source; failed sources keep what they had.
func (s *Store) Refresh(ctx context.Context) (RefreshSummary, error) {
	if len(s.adapters) == 0 {
		return RefreshSummary{}, ErrNoSources
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	since := s.fetchSince()
	outcomes := make([]fetchOutcome, len(s.adapters))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxInFlight)
	for i, a := range s.adapters {
		g.Go(func() error {
			outcomes[i] = s.fetch(ctx, a, since)
			return nil
		})
	}
	_ = g.Wait()

	var summary RefreshSummary
	var okSnaps []model.SourceSnapshot
	for i, o := range outcomes {
		id := s.adapters[i].ID()
		if o.err != nil {
			appLog.Warn("source fetch failed", "source", id, "error", o.err)
			metrics.ObserveSourceFailure(id)
			summary.Failed = append(summary.Failed, &SourceFetchError{SourceID: id, Err: o.err})
			continue
		}
		okSnaps = append(okSnaps, o.snap)
	}
	if len(okSnaps) == 0 {
		metrics.ObserveRefresh("failed")
		return summary, &AllSourcesFailedError{Failures: summary.Failed}
	}

	cur := s.Snapshot().st
	at := s.opts.Now().UTC()
	events, refreshed, stats := merge(cur, okSnaps)

	next := cur.withEvents(events, refreshed, at)
	if err := s.persistEvents(ctx, next); err != nil {
		metrics.ObserveRefresh("failed")
		return summary, err
	}

	s.mu.Lock()
	// Seen-state may not change while writeMu is held, so cur.seen is current.
	s.st = next
	s.needsRebuild = false
	s.mu.Unlock()

	summary.Sources = stats
	summary.Total = len(next.ordered)
	summary.RefreshedAt = at
	metrics.SetEventsCached(summary.Total)
	if len(summary.Failed) > 0 {
		metrics.ObserveRefresh("partial")
	} else {
		metrics.ObserveRefresh("ok")
	}
	return summary, nil
}

// fetch runs one adapter under the source timeout with bounded retries. The
// adapter runs in its own goroutine so one ignoring ctx cannot stall the
// refresh past its budget.
// fetchSince is local midnight of the current day, so events that started
// earlier today stay in the snapshot.
func (s *Store) fetchSince() time.Time {
	y, m, d := s.opts.Now().In(s.opts.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
}

func (s *Store) fetch(ctx context.Context, a source.Adapter, since time.Time) fetchOutcome {
	actx, cancel := context.WithTimeout(ctx, s.opts.SourceTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := s.opts.RetryBackoff << (attempt - 1)
			t := time.NewTimer(delay)
			select {
			case <-actx.Done():
				t.Stop()
				return fetchOutcome{err: fmt.Errorf("%w (after %d attempts: %v)", actx.Err(), attempt, lastErr)}
			case <-t.C:
			}
		}

		ch := make(chan fetchOutcome, 1)
		go func() {
			snap, err := a.Fetch(actx, since)
			ch <- fetchOutcome{snap: snap, err: err}
		}()

		var o fetchOutcome
		select {
		case o = <-ch:
		case <-actx.Done():
			return fetchOutcome{err: actx.Err()}
		}
		if o.err == nil && !o.snap.OK {
			o.err = errors.New("adapter returned an unsuccessful snapshot")
		}
		if o.err == nil {
			o.snap.SourceID = a.ID()
			return o
		}
		lastErr = o.err
		if actx.Err() != nil {
			return fetchOutcome{err: lastErr}
		}
		appLog.Debug("source fetch attempt failed", "source", a.ID(), "attempt", attempt+1, "error", o.err)
	}
	return fetchOutcome{err: lastErr}
}

// merge applies snapshots to a copy of cur's events.
func merge(cur *state, snaps []model.SourceSnapshot) (map[string]model.Event, map[string]time.Time, []SourceStats) {
	events := make(map[string]model.Event, len(cur.events))
	for k, e := range cur.events {
		events[k] = e
	}
	refreshed := make(map[string]time.Time, len(cur.refreshed)+len(snaps))
	for k, v := range cur.refreshed {
		refreshed[k] = v
	}

	stats := make([]SourceStats, 0, len(snaps))
	for _, snap := range snaps {
		st := SourceStats{SourceID: snap.SourceID, FetchedAt: snap.FetchedAt}
		fresh := make(map[string]model.Event, len(snap.Events))
		for _, e := range snap.Events {
			if e.ID == "" {
				continue
			}
			e.SourceID = snap.SourceID
			fresh[e.Key()] = e
		}
		for k, e := range events {
			if e.SourceID != snap.SourceID {
				continue
			}
			if _, ok := fresh[k]; !ok {
				delete(events, k)
				st.Removed++
			}
		}
		for k, e := range fresh {
			old, ok := events[k]
			switch {
			case !ok:
				st.Added++
			case sameEvent(old, e):
				st.Unchanged++
			default:
				st.Updated++
			}
			events[k] = e
		}
		refreshed[snap.SourceID] = snap.FetchedAt
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].SourceID < stats[j].SourceID })
	return events, refreshed, stats
}

// sameEvent compares wire forms so that a cached event and a re-fetched one
// in a different time.Location still compare equal.
func sameEvent(a, b model.Event) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

// Discard marks keys as seen and returns how many were not seen before.
func (s *Store) Discard(ctx context.Context, keys []string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Snapshot().st
	seen := make(map[string]struct{}, len(cur.seen)+len(keys))
	for k := range cur.seen {
		seen[k] = struct{}{}
	}
	added := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			added++
		}
	}
	next := cur.withSeen(seen, s.opts.Now().UTC())
	if err := s.persistSeen(ctx, next); err != nil {
		return 0, err
	}
	s.publish(next)
	return added, nil
}

// Reset clears the seen-state and returns how many keys were cleared.
func (s *Store) Reset(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Snapshot().st
	next := cur.withSeen(map[string]struct{}{}, time.Time{})
	if err := s.persistSeen(ctx, next); err != nil {
		return 0, err
	}
	s.publish(next)
	return len(cur.seen), nil
}

func (s *Store) publish(next *state) {
	s.mu.Lock()
	s.st = next
	s.mu.Unlock()
}

func (s *Store) persistEvents(ctx context.Context, st *state) error {
	data, err := encode(eventsVersion, s.opts.Now(), eventsBlob{
		Events:      st.ordered,
		Refreshed:   st.refreshed,
		LastRefresh: st.lastRefresh,
	}, s.opts.Compress)
	if err != nil {
		return fmt.Errorf("store: encode events: %w", err)
	}
	if err := s.blobs.Put(ctx, eventsKey, data); err != nil {
		return fmt.Errorf("store: persist events: %w", err)
	}
	return nil
}

func (s *Store) persistSeen(ctx context.Context, st *state) error {
	keys := make([]string, 0, len(st.seen))
	for k := range st.seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data, err := encode(seenVersion, s.opts.Now(), seenBlob{Keys: keys, DiscardedAt: st.discardedAt}, s.opts.Compress)
	if err != nil {
		return fmt.Errorf("store: encode seen: %w", err)
	}
	if err := s.blobs.Put(ctx, seenKey, data); err != nil {
		return fmt.Errorf("store: persist seen: %w", err)
	}
	return nil
}
