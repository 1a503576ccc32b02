package query

import (
	"math"
	"sort"
	"strings"
	"time"

	"luma/internal/model"
)

// Snapshot is the read-only view the engine evaluates against.
type Snapshot interface {
	Events() []model.Event
	IsSeen(key string) bool
}

// Options carries everything the engine would otherwise read from the
// environment. Now is required for window resolution.
type Options struct {
	Now          time.Time
	Location     *time.Location
	DefaultDays  int
	DefaultLimit int
}

// Item is one matched event.
type Item struct {
	Event model.Event `json:"event"`
	Seen  bool        `json:"seen,omitempty"`
	// DistanceMiles is set when the query carried search coordinates.
	DistanceMiles *float64 `json:"distance_miles,omitempty"`
}

// Result is the ordered, truncated output of Evaluate.
type Result struct {
	Items []Item `json:"items"`
	// Total is the number of matches before truncation.
	Total  int    `json:"total"`
	Window Window `json:"window"`
	Sort   string `json:"sort"`
}

// Events returns the matched events in result order.
func (r Result) Events() []model.Event {
	out := make([]model.Event, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Event
	}
	return out
}

const earthRadiusMiles = 3958.8

// HaversineMiles is the great-circle distance between two points.
func HaversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dlat := (lat2 - lat1) * rad
	dlon := (lon2 - lon1) * rad
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadiusMiles * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Evaluate filters, sorts and truncates the events of snap according to s.
// It is deterministic for identical inputs and never reads the wall clock.
func Evaluate(snap Snapshot, s Spec, opts Options) (Result, error) {
	p, err := compile(s)
	if err != nil {
		return Result{}, err
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	win, err := p.window(opts.Now, loc, opts.DefaultDays)
	if err != nil {
		return Result{}, err
	}
	res := Result{Window: win, Sort: s.SortKey(), Items: []Item{}}
	if snap == nil {
		return res, nil
	}

	for _, e := range snap.Events() {
		item, ok := p.match(e, win, loc)
		if !ok {
			continue
		}
		item.Seen = snap.IsSeen(e.Key())
		if item.Seen && !s.IncludeSeen {
			continue
		}
		res.Items = append(res.Items, item)
	}

	sortItems(res.Items, res.Sort)
	res.Total = len(res.Items)

	limit := opts.DefaultLimit
	if s.Limit != nil && *s.Limit > 0 {
		limit = *s.Limit
	}
	if limit > 0 && len(res.Items) > limit {
		res.Items = res.Items[:limit]
	}
	return res, nil
}

// match applies every filter clause except seen-exclusion.
func (p *plan) match(e model.Event, win Window, loc *time.Location) (Item, bool) {
	s := p.spec
	item := Item{Event: e}

	if !win.Contains(e.StartAt) {
		return item, false
	}
	local := e.StartAt.In(loc)
	if p.weekdays != nil && !p.weekdays[local.Weekday()] {
		return item, false
	}
	if s.MinTime != nil && local.Hour() < *s.MinTime {
		return item, false
	}
	if s.MaxTime != nil && local.Hour() > *s.MaxTime {
		return item, false
	}

	if s.MinGuest != nil && *s.MinGuest > 0 && (e.GuestCount == nil || *e.GuestCount < *s.MinGuest) {
		return item, false
	}
	if s.MaxGuest != nil && e.Guests() > *s.MaxGuest {
		return item, false
	}

	if s.LocationType != "" && !strings.EqualFold(string(e.LocationType), s.LocationType) {
		return item, false
	}
	if s.City != "" && (e.City == "" || !strings.EqualFold(e.City, s.City)) {
		return item, false
	}
	if s.Region != "" && (e.Region == "" || !strings.EqualFold(e.Region, s.Region)) {
		return item, false
	}
	if s.Country != "" && (e.Country == "" || !strings.EqualFold(e.Country, s.Country)) {
		return item, false
	}
	if s.SearchLat != nil {
		if e.LocationType != model.LocationOffline || !e.HasCoordinates() {
			return item, false
		}
		d := HaversineMiles(*s.SearchLat, *s.SearchLon, *e.Lat, *e.Lon)
		if s.SearchRadiusMiles != nil && d > *s.SearchRadiusMiles {
			return item, false
		}
		item.DistanceMiles = &d
	}

	if !p.matchText(e) {
		return item, false
	}
	if len(p.exclude) > 0 {
		title := strings.ToLower(e.Title)
		for _, kw := range p.exclude {
			if strings.Contains(title, kw) {
				return item, false
			}
		}
	}
	return item, true
}

func (p *plan) matchText(e model.Event) bool {
	fields := [2]string{e.Title, e.Description}
	switch p.spec.Mode() {
	case SearchSubstring:
		needle := strings.ToLower(p.spec.Search)
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), needle) {
				return true
			}
		}
		return false
	case SearchRegex:
		for _, f := range fields {
			if p.regex.MatchString(f) {
				return true
			}
		}
		return false
	case SearchGlob:
		for _, f := range fields {
			if f != "" && p.glob.Match(strings.ToLower(f)) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func sortItems(items []Item, key string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if key == SortGuest {
			if ga, gb := a.Event.Guests(), b.Event.Guests(); ga != gb {
				return ga > gb
			}
		} else if !a.Event.StartAt.Equal(b.Event.StartAt) {
			return a.Event.StartAt.Before(b.Event.StartAt)
		}
		if a.DistanceMiles != nil && b.DistanceMiles != nil && *a.DistanceMiles != *b.DistanceMiles {
			return *a.DistanceMiles < *b.DistanceMiles
		}
		if key == SortGuest && !a.Event.StartAt.Equal(b.Event.StartAt) {
			return a.Event.StartAt.Before(b.Event.StartAt)
		}
		return a.Event.Key() < b.Event.Key()
	})
}
