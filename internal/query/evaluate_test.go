package query

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luma/internal/model"
)

type fakeSnapshot struct {
	events []model.Event
	seen   map[string]bool
}

func (f fakeSnapshot) Events() []model.Event  { return f.events }
func (f fakeSnapshot) IsSeen(key string) bool { return f.seen[key] }

func floatp(v float64) *float64 { return &v }

func event(id string, start time.Time, guests int) model.Event {
	return model.Event{
		ID:           id,
		SourceID:     "luma",
		Title:        "Event " + id,
		StartAt:      start,
		EndAt:        start.Add(2 * time.Hour),
		LocationType: model.LocationOnline,
		GuestCount:   model.IntPtr(guests),
		URL:          "https://luma.com/" + id,
	}
}

func keys(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Event.ID
	}
	return out
}

func TestEvaluateScenario(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 10, 0, 0, 0, loc)
	tomorrow7pm := time.Date(2025, 10, 16, 19, 0, 0, 0, loc)

	snap := fakeSnapshot{events: []model.Event{
		event("A", tomorrow7pm, 50),
		event("B", tomorrow7pm, 150),
		event("C", now.AddDate(0, 0, 10), 500),
	}}
	opts := Options{Now: now, Location: loc, DefaultDays: 14, DefaultLimit: 100}

	res, err := Evaluate(snap, Spec{Range: "tomorrow", MinGuest: intp(100)}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, keys(res.Items))

	res, err = Evaluate(snap, Spec{Range: "week", Sort: SortGuest}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, keys(res.Items))
}

func TestEvaluateRejectsRangeWithFromDate(t *testing.T) {
	_, err := Evaluate(fakeSnapshot{}, Spec{Range: "week", FromDate: "20251020"}, Options{Now: time.Now()})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "range", verr.Field)
}

func TestEvaluateEmptyCache(t *testing.T) {
	res, err := Evaluate(fakeSnapshot{}, Spec{}, Options{Now: time.Now(), DefaultLimit: 100})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 0, res.Total)

	res, err = Evaluate(nil, Spec{}, Options{Now: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"min after max time", Spec{MinTime: intp(20), MaxTime: intp(9)}, "min_time"},
		{"hour out of range", Spec{MaxTime: intp(24)}, "max_time"},
		{"two text modes", Spec{Search: "ai", Glob: "*ai*"}, "search"},
		{"bad regex", Spec{Regex: "("}, "regex"},
		{"unclosed glob class", Spec{Glob: "[ab"}, "glob"},
		{"bad weekday", Spec{Day: "Mon,Funday"}, "day"},
		{"bad from date", Spec{FromDate: "2025-10-01"}, "from_date"},
		{"to before from", Spec{FromDate: "20251010", ToDate: "20251001"}, "to_date"},
		{"days with dates", Spec{Days: intp(3), ToDate: "20251001"}, "days"},
		{"zero days", Spec{Days: intp(0)}, "days"},
		{"negative guests", Spec{MinGuest: intp(-1)}, "min_guest"},
		{"min over max guests", Spec{MinGuest: intp(10), MaxGuest: intp(5)}, "min_guest"},
		{"bad sort", Spec{Sort: "popularity"}, "sort"},
		{"bad location type", Spec{LocationType: "hybrid"}, "location_type"},
		{"lat without lon", Spec{SearchLat: floatp(37)}, "search_lat"},
		{"city with coords", Spec{City: "SF", SearchLat: floatp(37), SearchLon: floatp(-122)}, "city"},
		{"radius without coords", Spec{SearchRadiusMiles: floatp(3)}, "search_radius_miles"},
		{"negative limit", Spec{Limit: intp(-5)}, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.NotEmpty(t, verr.Error())
		})
	}

	assert.NoError(t, Validate(Spec{Day: "tuesday, THU", MinTime: intp(18), MaxTime: intp(18)}))
}

func TestEvaluateTextAndLocationFilters(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, loc)
	start := time.Date(2025, 10, 15, 18, 0, 0, 0, loc)

	sf := event("sf", start, 80)
	sf.Title = "AI Founders Meetup"
	sf.LocationType = model.LocationOffline
	sf.City, sf.Region, sf.Country = "San Francisco", "California", "United States"
	sf.Lat, sf.Lon = floatp(37.7749), floatp(-122.4194)

	sj := event("sj", start, 20)
	sj.Title = "Hardware Night"
	sj.Description = "Robots and agents"
	sj.LocationType = model.LocationOffline
	sj.City = "San Jose"
	sj.Lat, sj.Lon = floatp(37.3394), floatp(-121.8950)

	online := event("web", start, 300)
	online.Title = "Webinar: AI crypto hype"

	snap := fakeSnapshot{events: []model.Event{sf, sj, online}}
	opts := Options{Now: now, Location: loc, DefaultDays: 14, DefaultLimit: 100}

	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{"substring title", Spec{Search: "ai"}, []string{"sf", "web"}},
		{"substring description", Spec{Search: "ROBOTS"}, []string{"sj"}},
		{"regex", Spec{Regex: `^ai\s`}, []string{"sf"}},
		{"glob", Spec{Glob: "*night"}, []string{"sj"}},
		{"glob full match only", Spec{Glob: "hardware"}, nil},
		{"exclude", Spec{Exclude: "crypto, founders"}, []string{"sj"}},
		{"city", Spec{City: "san francisco"}, []string{"sf"}},
		{"region", Spec{Region: "CALIFORNIA"}, []string{"sf"}},
		{"country", Spec{Country: "united states"}, []string{"sf"}},
		{"location type", Spec{LocationType: "online"}, []string{"web"}},
		{"coordinates keep offline only", Spec{SearchLat: floatp(37.33), SearchLon: floatp(-121.89)}, []string{"sj", "sf"}},
		{"radius", Spec{SearchLat: floatp(37.33), SearchLon: floatp(-121.89), SearchRadiusMiles: floatp(5)}, []string{"sj"}},
		{"max guest", Spec{MaxGuest: intp(50)}, []string{"sj"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(snap, tt.spec, opts)
			require.NoError(t, err)
			got := keys(res.Items)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestEvaluateGlobCharacterClasses(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, loc)
	start := time.Date(2025, 10, 15, 18, 0, 0, 0, loc)

	ai := event("ai", start, 10)
	ai.Title = "AI Meetup"
	bi := event("bi", start, 10)
	bi.Title = "BI Meetup"
	snap := fakeSnapshot{events: []model.Event{ai, bi}}
	opts := Options{Now: now, Location: loc}

	tests := []struct {
		glob string
		want []string
	}{
		{"[ab]i meetup", []string{"ai", "bi"}},
		{"[!b]i*", []string{"ai"}},
		{"[A-A]I*", []string{"ai"}},
		{"?i meetup", []string{"ai", "bi"}},
		{"[c]i*", nil},
	}
	for _, tt := range tests {
		t.Run(tt.glob, func(t *testing.T) {
			res, err := Evaluate(snap, Spec{Glob: tt.glob}, opts)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, res.Items)
				return
			}
			assert.ElementsMatch(t, tt.want, keys(res.Items))
		})
	}
}

func TestEvaluateProximityTiebreak(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, loc)
	start := time.Date(2025, 10, 15, 18, 0, 0, 0, loc)

	far := event("a-far", start, 10)
	near := event("z-near", start, 10)
	for _, e := range []*model.Event{&far, &near} {
		e.LocationType = model.LocationOffline
	}
	far.Lat, far.Lon = floatp(37.7749), floatp(-122.4194)
	near.Lat, near.Lon = floatp(37.3394), floatp(-121.8950)

	res, err := Evaluate(fakeSnapshot{events: []model.Event{far, near}},
		Spec{SearchLat: floatp(37.34), SearchLon: floatp(-121.89)},
		Options{Now: now, Location: loc})
	require.NoError(t, err)
	assert.Equal(t, []string{"z-near", "a-far"}, keys(res.Items))
	require.NotNil(t, res.Items[0].DistanceMiles)
	assert.Less(t, *res.Items[0].DistanceMiles, 1.0)
	assert.InDelta(t, 42, *res.Items[1].DistanceMiles, 3)
}

func TestEvaluateUnknownGuestCount(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, loc)
	unknown := event("u", now.Add(time.Hour), 0)
	unknown.GuestCount = nil
	zero := event("z", now.Add(time.Hour), 0)
	snap := fakeSnapshot{events: []model.Event{unknown, zero}}
	opts := Options{Now: now, Location: loc}

	res, err := Evaluate(snap, Spec{MinGuest: intp(0)}, opts)
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	res, err = Evaluate(snap, Spec{MinGuest: intp(1)}, opts)
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	res, err = Evaluate(snap, Spec{MaxGuest: intp(0)}, opts)
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
}

func TestEvaluateSeenAndLimit(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, loc)
	var events []model.Event
	for i := 0; i < 5; i++ {
		events = append(events, event(fmt.Sprintf("e%d", i), now.Add(time.Duration(i+1)*time.Hour), i))
	}
	snap := fakeSnapshot{events: events, seen: map[string]bool{events[0].Key(): true}}
	opts := Options{Now: now, Location: loc, DefaultLimit: 3}

	res, err := Evaluate(snap, Spec{}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, keys(res.Items))
	assert.Equal(t, 4, res.Total)

	res, err = Evaluate(snap, Spec{IncludeSeen: true, Limit: intp(10)}, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	assert.True(t, res.Items[0].Seen)
	assert.False(t, res.Items[1].Seen)
}

func TestSortTiebreaks(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, loc)
	at := now.Add(3 * time.Hour)
	snap := fakeSnapshot{events: []model.Event{
		event("c", at, 10),
		event("a", at, 10),
		event("b", at.Add(-time.Hour), 10),
		event("d", at.Add(time.Hour), 99),
	}}
	opts := Options{Now: now, Location: loc}

	res, err := Evaluate(snap, Spec{Sort: SortDate}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c", "d"}, keys(res.Items))

	res, err = Evaluate(snap, Spec{Sort: SortGuest}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b", "a", "c"}, keys(res.Items))
}

// oracleMatch re-states every clause independently of plan.match.
func oracleMatch(e model.Event, s Spec, w Window, loc *time.Location) bool {
	if e.StartAt.Before(w.From) || !e.StartAt.Before(w.To) {
		return false
	}
	local := e.StartAt.In(loc)
	if s.Day != "" {
		ok := false
		for _, tok := range strings.Split(s.Day, ",") {
			if strings.EqualFold(strings.TrimSpace(tok)[:3], local.Weekday().String()[:3]) {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if s.MinTime != nil && local.Hour() < *s.MinTime || s.MaxTime != nil && local.Hour() > *s.MaxTime {
		return false
	}
	if s.MinGuest != nil && *s.MinGuest > 0 {
		if e.GuestCount == nil || *e.GuestCount < *s.MinGuest {
			return false
		}
	}
	if s.LocationType != "" && string(e.LocationType) != s.LocationType {
		return false
	}
	if s.City != "" && strings.ToLower(e.City) != strings.ToLower(s.City) {
		return false
	}
	hay := []string{strings.ToLower(e.Title), strings.ToLower(e.Description)}
	if s.Search != "" {
		if !strings.Contains(hay[0], strings.ToLower(s.Search)) && !strings.Contains(hay[1], strings.ToLower(s.Search)) {
			return false
		}
	}
	if s.Glob != "" {
		// Generated globs are always "*word*".
		word := strings.Trim(strings.ToLower(s.Glob), "*")
		if !strings.Contains(hay[0], word) && !strings.Contains(hay[1], word) {
			return false
		}
	}
	return true
}

func TestEvaluateMatchesOracle(t *testing.T) {
	loc := laLocation(t)
	rng := rand.New(rand.NewSource(20251015))
	now := time.Date(2025, 10, 15, 9, 0, 0, 0, loc)
	words := []string{"ai", "robot", "founder", "demo", "yoga"}
	cities := []string{"San Francisco", "Oakland", ""}
	days := []string{"Mon", "tue", "WED", "Thu", "fri", "Sat", "sun"}

	for round := 0; round < 200; round++ {
		var events []model.Event
		seen := make(map[string]bool)
		for i := 0; i < 40; i++ {
			start := now.Add(time.Duration(rng.Intn(24*20)-12) * time.Hour)
			e := event(fmt.Sprintf("r%d-%d", round, i), start, rng.Intn(200))
			if rng.Intn(5) == 0 {
				e.GuestCount = nil
			}
			e.Title = words[rng.Intn(len(words))] + " " + words[rng.Intn(len(words))]
			if rng.Intn(2) == 0 {
				e.Description = words[rng.Intn(len(words))]
			}
			if rng.Intn(2) == 0 {
				e.LocationType = model.LocationOffline
				e.City = cities[rng.Intn(len(cities))]
			}
			if rng.Intn(6) == 0 {
				seen[e.Key()] = true
			}
			events = append(events, e)
		}

		var s Spec
		switch rng.Intn(4) {
		case 0:
			s.Range = []string{"today", "tomorrow", "week", "week+1", "weekday", "weekend"}[rng.Intn(6)]
		case 1:
			s.Days = intp(1 + rng.Intn(20))
		case 2:
			s.FromDate = now.AddDate(0, 0, rng.Intn(5)).Format(dateLayout)
		}
		if rng.Intn(3) == 0 {
			s.Day = days[rng.Intn(7)] + "," + days[rng.Intn(7)]
		}
		if rng.Intn(3) == 0 {
			lo := rng.Intn(24)
			s.MinTime = intp(lo)
			s.MaxTime = intp(lo + rng.Intn(24-lo))
		}
		if rng.Intn(3) == 0 {
			s.MinGuest = intp(rng.Intn(150))
		}
		if rng.Intn(4) == 0 {
			s.LocationType = "offline"
		}
		if rng.Intn(4) == 0 && cities[0] != "" {
			s.City = strings.ToUpper(cities[rng.Intn(2)])
		}
		switch rng.Intn(4) {
		case 0:
			s.Search = strings.ToUpper(words[rng.Intn(len(words))])
		case 1:
			s.Glob = "*" + words[rng.Intn(len(words))] + "*"
		}
		s.IncludeSeen = rng.Intn(2) == 0
		if rng.Intn(2) == 0 {
			s.Sort = SortGuest
		}
		s.Limit = intp(1000)

		snap := fakeSnapshot{events: events, seen: seen}
		res, err := Evaluate(snap, s, Options{Now: now, Location: loc, DefaultDays: 14})
		require.NoError(t, err, "round %d spec %+v", round, s)

		w, err := ResolveWindow(s, now, loc, 14)
		require.NoError(t, err)
		var want []string
		for _, e := range events {
			if oracleMatch(e, s, w, loc) && (s.IncludeSeen || !seen[e.Key()]) {
				want = append(want, e.ID)
			}
		}
		got := keys(res.Items)
		sort.Strings(want)
		sorted := append([]string(nil), got...)
		sort.Strings(sorted)
		require.Equal(t, want, nonNil(sorted), "round %d spec %+v", round, s)

		for i := 1; i < len(res.Items); i++ {
			prev, cur := res.Items[i-1].Event, res.Items[i].Event
			if s.SortKey() == SortDate {
				require.False(t, cur.StartAt.Before(prev.StartAt), "round %d: date order", round)
			} else {
				require.GreaterOrEqual(t, prev.Guests(), cur.Guests(), "round %d: guest order", round)
			}
		}
		for _, it := range res.Items {
			require.Equal(t, seen[it.Event.Key()], it.Seen)
		}
	}
}

func nonNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestEvaluateIsDeterministic(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2025, 10, 15, 9, 0, 0, 0, loc)
	at := now.Add(time.Hour)
	a := fakeSnapshot{events: []model.Event{event("x", at, 5), event("y", at, 5), event("z", at, 5)}}
	b := fakeSnapshot{events: []model.Event{a.events[2], a.events[0], a.events[1]}}

	for _, sortKey := range []string{SortDate, SortGuest} {
		ra, err := Evaluate(a, Spec{Sort: sortKey}, Options{Now: now, Location: loc})
		require.NoError(t, err)
		rb, err := Evaluate(b, Spec{Sort: sortKey}, Options{Now: now, Location: loc})
		require.NoError(t, err)
		assert.Equal(t, keys(ra.Items), keys(rb.Items))
	}
}

func TestSpecArgs(t *testing.T) {
	s := Spec{Range: "weekend", MinGuest: intp(100), Sort: SortGuest, SearchLat: floatp(37.5), SearchLon: floatp(-122), IncludeSeen: true}
	assert.Equal(t,
		[]string{"--range", "weekend", "--min-guest", "100", "--sort", "guest", "--lat", "37.5", "--lon", "-122", "--all"},
		s.Args())
	assert.Empty(t, Spec{}.Args())
}
