package model

import (
	"strings"
	"time"
)

// LocationType tells whether an event happens in person or online.
type LocationType string

const (
	LocationOnline  LocationType = "online"
	LocationOffline LocationType = "offline"
)

// Valid reports whether t is one of the known location types.
func (t LocationType) Valid() bool {
	return t == LocationOnline || t == LocationOffline
}

// Event is the provider-agnostic record produced by every source adapter.
//
// ID is unique within SourceID; the pair is the dedup key. GuestCount is nil
// when the provider does not report attendance, which is distinct from a
// known count of zero.
type Event struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`

	LocationType LocationType `json:"location_type,omitempty"`
	City         string       `json:"city,omitempty"`
	Region       string       `json:"region,omitempty"`
	Country      string       `json:"country,omitempty"`
	Lat          *float64     `json:"lat,omitempty"`
	Lon          *float64     `json:"lon,omitempty"`

	GuestCount *int   `json:"guest_count,omitempty"`
	URL        string `json:"url"`

	Hosts []string `json:"hosts,omitempty"`
	// Feeds lists the provider feeds (category, calendar) that listed the event.
	Feeds []string `json:"feeds,omitempty"`
}

// Key returns the external event key "<source_id>/<id>".
func (e Event) Key() string {
	return MakeKey(e.SourceID, e.ID)
}

// Guests returns the guest count, treating an unknown count as zero.
func (e Event) Guests() int {
	if e.GuestCount == nil {
		return 0
	}
	return *e.GuestCount
}

// HasCoordinates reports whether both lat and lon are present.
func (e Event) HasCoordinates() bool {
	return e.Lat != nil && e.Lon != nil
}

// Normalize enforces record invariants adapters may not guarantee:
// trimmed text, end_at never before start_at, negative guest counts dropped.
func (e *Event) Normalize() {
	e.Title = strings.TrimSpace(e.Title)
	e.Description = strings.TrimSpace(e.Description)
	if e.EndAt.IsZero() || e.EndAt.Before(e.StartAt) {
		e.EndAt = e.StartAt
	}
	if e.GuestCount != nil && *e.GuestCount < 0 {
		e.GuestCount = nil
	}
}

// MakeKey joins a source id and event id into an external key.
func MakeKey(sourceID, id string) string {
	return sourceID + "/" + id
}

// SplitKey is the inverse of MakeKey. Event ids may themselves contain '/',
// source ids may not.
func SplitKey(key string) (sourceID, id string, ok bool) {
	i := strings.IndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// SourceSnapshot is the outcome of one adapter invocation.
type SourceSnapshot struct {
	SourceID  string    `json:"source_id"`
	FetchedAt time.Time `json:"fetched_at"`
	Events    []Event   `json:"events"`
	OK        bool      `json:"ok"`
	Err       error     `json:"-"`
}

// IntPtr and FloatPtr are small helpers for optional fields.
func IntPtr(v int) *int { return &v }

func FloatPtr(v float64) *float64 { return &v }
