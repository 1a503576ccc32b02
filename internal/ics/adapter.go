// Package ics reads ICS subscriptions: conditional fetching with a disk
// cache, VEVENT parsing and RRULE expansion into events.
package ics

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"luma/internal/config"
	appLog "luma/internal/log"
	"luma/internal/model"
	"luma/internal/source"
)

// Adapter is a source.Adapter for a single ICS feed.
type Adapter struct {
	feed       Feed
	fetcher    *Fetcher
	windowDays int
	now        func() time.Time
}

// NewAdapter builds the adapter for cfg. HTTP cache entries go to cacheDir.
func NewAdapter(cfg config.ICSConfig, cacheDir string, windowDays int) *Adapter {
	if windowDays <= 0 {
		windowDays = 30
	}
	return &Adapter{
		feed:       Feed{ID: cfg.ID, URL: cfg.URL, Name: cfg.Name},
		fetcher:    NewFetcher(cacheDir),
		windowDays: windowDays,
		now:        time.Now,
	}
}

func (a *Adapter) ID() string { return a.feed.ID }

func (a *Adapter) Fetch(ctx context.Context, since time.Time) (model.SourceSnapshot, error) {
	failed := model.SourceSnapshot{SourceID: a.feed.ID, FetchedAt: a.now().UTC()}

	res, err := a.fetcher.Fetch(ctx, a.feed)
	if err != nil {
		return failed, fmt.Errorf("ics %s: fetch: %w", a.feed.ID, err)
	}
	entries, err := Parse(a.feed, res.Body)
	if err != nil {
		return failed, fmt.Errorf("ics %s: parse: %w", a.feed.ID, err)
	}
	occs, err := Expand(entries, ExpandOptions{From: since, To: since.AddDate(0, 0, a.windowDays)})
	if err != nil {
		return failed, fmt.Errorf("ics %s: expand: %w", a.feed.ID, err)
	}

	events := make([]model.Event, 0, len(occs))
	for _, o := range occs {
		events = append(events, toEvent(a.feed, o))
	}
	appLog.Info("ics fetch completed", "id", a.feed.ID, "entries", len(entries), "events", len(events), "from_cache", res.FromCache)
	return source.Snapshot(a.feed.ID, a.now(), events), nil
}

func toEvent(feed Feed, o Occurrence) model.Event {
	e := o.Entry
	id := e.UID
	if o.Recurring {
		id = e.UID + "@" + o.Slot.UTC().Format(time.RFC3339)
	}
	ev := model.Event{
		ID:           id,
		Title:        e.Summary,
		Description:  e.Description,
		StartAt:      o.Start,
		EndAt:        o.End,
		LocationType: model.LocationOnline,
		URL:          e.URL,
		Feeds:        []string{"ics:" + feed.ID},
	}
	switch {
	case e.Lat != nil && e.Lon != nil:
		ev.LocationType = model.LocationOffline
		ev.Lat, ev.Lon = e.Lat, e.Lon
	case e.Location != "" && !isURL(e.Location):
		ev.LocationType = model.LocationOffline
	}
	if ev.URL == "" && isURL(e.Location) {
		ev.URL = e.Location
	}
	if e.Attendees > 0 {
		ev.GuestCount = model.IntPtr(e.Attendees)
	}
	return ev
}

func isURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
