package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luma/internal/config"
	"luma/internal/model"
)

var fixture = strings.Join([]string{
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//luma//test//EN",
	"BEGIN:VEVENT",
	"UID:single-1",
	"DTSTAMP:20251001T000000Z",
	"DTSTART:20251016T020000Z",
	"DTEND:20251016T040000Z",
	"SUMMARY:Robotics Night",
	"LOCATION:Shack15\\, San Francisco",
	"GEO:37.7955;-122.3937",
	"URL:https://example.com/robotics",
	"ATTENDEE:mailto:a@example.com",
	"ATTENDEE:mailto:b@example.com",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:weekly-1",
	"DTSTAMP:20251001T000000Z",
	"DTSTART:20251020T170000Z",
	"DTEND:20251020T180000Z",
	"RRULE:FREQ=WEEKLY;COUNT=4",
	"EXDATE:20251027T170000Z",
	"SUMMARY:Standup",
	"LOCATION:https://meet.example.com/standup",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:weekly-1",
	"DTSTAMP:20251001T000000Z",
	"RECURRENCE-ID:20251103T170000Z",
	"SEQUENCE:1",
	"DTSTART:20251103T190000Z",
	"DTEND:20251103T200000Z",
	"SUMMARY:Standup (moved)",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:old",
	"DTSTAMP:20250101T000000Z",
	"DTSTART:20250101T170000Z",
	"DTEND:20250101T180000Z",
	"SUMMARY:Long gone",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"DTSTAMP:20250101T000000Z",
	"DTSTART:20251018T170000Z",
	"SUMMARY:No UID",
	"END:VEVENT",
	"END:VCALENDAR",
	"",
}, "\r\n")

var since = time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC)

type icsServer struct {
	*httptest.Server
	hits, notModified int32
	down              atomic.Bool
}

func newICSServer(t *testing.T) *icsServer {
	t.Helper()
	s := &icsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		if s.down.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&s.notModified, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(fixture))
	}))
	t.Cleanup(s.Close)
	return s
}

func eventsByID(events []model.Event) map[string]model.Event {
	out := make(map[string]model.Event, len(events))
	for _, e := range events {
		out[e.ID] = e
	}
	return out
}

func TestAdapterFetch(t *testing.T) {
	srv := newICSServer(t)
	a := NewAdapter(config.ICSConfig{ID: "work", URL: srv.URL + "/cal.ics"}, t.TempDir(), 30)
	assert.Equal(t, "work", a.ID())

	snap, err := a.Fetch(context.Background(), since)
	require.NoError(t, err)
	require.True(t, snap.OK)
	assert.Equal(t, "work", snap.SourceID)

	byID := eventsByID(snap.Events)
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{
		"single-1",
		"weekly-1@2025-10-20T17:00:00Z",
		"weekly-1@2025-11-03T17:00:00Z",
		"weekly-1@2025-11-10T17:00:00Z",
	}, ids)

	single := byID["single-1"]
	assert.Equal(t, "work", single.SourceID)
	assert.Equal(t, "Robotics Night", single.Title)
	assert.Equal(t, model.LocationOffline, single.LocationType)
	require.True(t, single.HasCoordinates())
	assert.InDelta(t, 37.7955, *single.Lat, 1e-9)
	assert.Equal(t, 2, single.Guests())
	assert.Equal(t, "https://example.com/robotics", single.URL)

	standup := byID["weekly-1@2025-10-20T17:00:00Z"]
	assert.Equal(t, model.LocationOnline, standup.LocationType)
	assert.Equal(t, "https://meet.example.com/standup", standup.URL)
	assert.Nil(t, standup.GuestCount)
	assert.Equal(t, time.Hour, standup.EndAt.Sub(standup.StartAt))

	moved := byID["weekly-1@2025-11-03T17:00:00Z"]
	assert.Equal(t, "Standup (moved)", moved.Title)
	assert.True(t, moved.StartAt.Equal(time.Date(2025, 11, 3, 19, 0, 0, 0, time.UTC)))
}

func TestAdapterUsesConditionalRequests(t *testing.T) {
	srv := newICSServer(t)
	a := NewAdapter(config.ICSConfig{ID: "work", URL: srv.URL}, t.TempDir(), 30)

	first, err := a.Fetch(context.Background(), since)
	require.NoError(t, err)
	second, err := a.Fetch(context.Background(), since)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.notModified))
	assert.Equal(t, first.Events, second.Events)
}

func TestAdapterFallsBackToCache(t *testing.T) {
	srv := newICSServer(t)
	a := NewAdapter(config.ICSConfig{ID: "work", URL: srv.URL}, t.TempDir(), 30)

	_, err := a.Fetch(context.Background(), since)
	require.NoError(t, err)

	srv.down.Store(true)
	snap, err := a.Fetch(context.Background(), since)
	require.NoError(t, err)
	assert.Len(t, snap.Events, 4)
}

func TestAdapterFailsWithoutCache(t *testing.T) {
	srv := newICSServer(t)
	srv.down.Store(true)
	a := NewAdapter(config.ICSConfig{ID: "work", URL: srv.URL}, t.TempDir(), 30)

	snap, err := a.Fetch(context.Background(), since)
	require.Error(t, err)
	assert.False(t, snap.OK)
	assert.Contains(t, err.Error(), "ics work")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(Feed{ID: "x"}, nil)
	assert.Error(t, err)
}

func TestExpandRejectsEmptyWindow(t *testing.T) {
	_, err := Expand(nil, ExpandOptions{From: since, To: since})
	assert.Error(t, err)
}

func TestExpandCapsSeries(t *testing.T) {
	start := time.Date(2025, 10, 15, 9, 0, 0, 0, time.UTC)
	entries := []Entry{{UID: "daily", Start: start, End: start.Add(time.Hour), RRule: "FREQ=DAILY"}}
	occs, err := Expand(entries, ExpandOptions{From: since, To: since.AddDate(0, 0, 30), MaxPerSeries: 5})
	require.NoError(t, err)
	assert.Len(t, occs, 5)
	for _, o := range occs {
		assert.True(t, o.Recurring)
	}
}

func TestParseGeo(t *testing.T) {
	lat, lon := parseGeo("37.5;-122.25")
	require.NotNil(t, lat)
	assert.Equal(t, 37.5, *lat)
	assert.Equal(t, -122.25, *lon)

	for _, bad := range []string{"", "37.5", "x;y", "91;0", "0;181"} {
		lat, lon := parseGeo(bad)
		assert.Nil(t, lat, bad)
		assert.Nil(t, lon, bad)
	}
}

func TestIsURL(t *testing.T) {
	assert.True(t, isURL("https://zoom.us/j/1"))
	assert.False(t, isURL("Room 4"))
	assert.False(t, isURL("mailto:a@example.com"))
}
