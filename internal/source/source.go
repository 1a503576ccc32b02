// Package source defines the contract every calendar provider implements and
// the shared HTTP plumbing adapters use to talk to their providers.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"luma/internal/model"
)

// Adapter fetches the current events of one provider.
//
// Fetch returns the events starting in the adapter's configured window after
// since. A provider with nothing new returns an empty, successful snapshot.
// Implementations must honour ctx cancellation.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, since time.Time) (model.SourceSnapshot, error)
}

// Registry is an ordered set of adapters keyed by source id.
type Registry struct {
	adapters map[string]Adapter
}

// ErrDuplicateID is returned by Register when a source id is already taken.
var ErrDuplicateID = errors.New("duplicate source id")

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a. Source ids must be unique and must not contain '/'.
func (r *Registry) Register(a Adapter) error {
	id := a.ID()
	if id == "" {
		return errors.New("source id is empty")
	}
	for _, c := range id {
		if c == '/' {
			return fmt.Errorf("source id %q must not contain '/'", id)
		}
	}
	if _, ok := r.adapters[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Adapters returns every registered adapter sorted by id.
func (r *Registry) Adapters() []Adapter {
	ids := r.IDs()
	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.adapters[id])
	}
	return out
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int { return len(r.adapters) }

// Snapshot builds a successful snapshot for sourceID, normalizing each event
// and stamping the source id on it.
func Snapshot(sourceID string, fetchedAt time.Time, events []model.Event) model.SourceSnapshot {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		e.SourceID = sourceID
		e.Normalize()
		out = append(out, e)
	}
	return model.SourceSnapshot{
		SourceID:  sourceID,
		FetchedAt: fetchedAt.UTC(),
		Events:    out,
		OK:        true,
	}
}
