package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

const (
	SortDate  = "date"
	SortGuest = "guest"

	dateLayout = "20060102"
)

// SearchMode is the kind of text filter a Spec applies.
type SearchMode string

const (
	SearchNone      SearchMode = "none"
	SearchSubstring SearchMode = "substring"
	SearchRegex     SearchMode = "regex"
	SearchGlob      SearchMode = "glob"
)

// Spec describes one query. The zero value lists the default window sorted
// by date. Optional numeric fields are pointers so that an explicit zero is
// distinguishable from "not given".
type Spec struct {
	Range    string `json:"range,omitempty"`
	FromDate string `json:"from_date,omitempty"`
	ToDate   string `json:"to_date,omitempty"`
	Days     *int   `json:"days,omitempty"`

	MinGuest *int `json:"min_guest,omitempty"`
	MaxGuest *int `json:"max_guest,omitempty"`
	MinTime  *int `json:"min_time,omitempty"`
	MaxTime  *int `json:"max_time,omitempty"`

	Day     string `json:"day,omitempty"`
	Exclude string `json:"exclude,omitempty"`

	Search string `json:"search,omitempty"`
	Regex  string `json:"regex,omitempty"`
	Glob   string `json:"glob,omitempty"`

	Sort string `json:"sort,omitempty"`

	LocationType      string   `json:"location_type,omitempty"`
	City              string   `json:"city,omitempty"`
	Region            string   `json:"region,omitempty"`
	Country           string   `json:"country,omitempty"`
	SearchLat         *float64 `json:"search_lat,omitempty"`
	SearchLon         *float64 `json:"search_lon,omitempty"`
	SearchRadiusMiles *float64 `json:"search_radius_miles,omitempty"`

	Limit       *int `json:"limit,omitempty"`
	IncludeSeen bool `json:"include_seen,omitempty"`
}

// Mode reports which text filter is active. Validate rejects specs with more
// than one.
func (s Spec) Mode() SearchMode {
	switch {
	case s.Search != "":
		return SearchSubstring
	case s.Regex != "":
		return SearchRegex
	case s.Glob != "":
		return SearchGlob
	default:
		return SearchNone
	}
}

// SortKey returns the effective sort key.
func (s Spec) SortKey() string {
	if s.Sort == "" {
		return SortDate
	}
	return s.Sort
}

// ValidationError reports a malformed or conflicting Spec field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

func invalid(field, value, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}
}

var weekdayTokens = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// Validate checks a Spec without resolving it against a clock.
func Validate(s Spec) error {
	_, err := compile(s)
	return err
}

// plan is the pre-processed form of a Spec used during evaluation.
type plan struct {
	spec     Spec
	weekdays map[time.Weekday]bool
	regex    *regexp.Regexp
	glob     glob.Glob
	exclude  []string
	from, to *time.Time // parsed explicit dates (midnight UTC; relocated later)
	rng      rangeExpr
}

func compile(s Spec) (*plan, error) {
	p := &plan{spec: s}

	hasDates := s.FromDate != "" || s.ToDate != ""
	sources := 0
	for _, set := range []bool{s.Range != "", hasDates, s.Days != nil} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		field := "range"
		if s.Range == "" {
			field = "days"
		}
		return nil, invalid(field, "", "range, from_date/to_date and days are mutually exclusive")
	}

	if s.Range != "" {
		r, err := parseRange(s.Range)
		if err != nil {
			return nil, err
		}
		p.rng = r
	}
	if s.FromDate != "" {
		t, err := time.Parse(dateLayout, s.FromDate)
		if err != nil {
			return nil, invalid("from_date", s.FromDate, "use YYYYMMDD")
		}
		p.from = &t
	}
	if s.ToDate != "" {
		t, err := time.Parse(dateLayout, s.ToDate)
		if err != nil {
			return nil, invalid("to_date", s.ToDate, "use YYYYMMDD")
		}
		p.to = &t
	}
	if p.from != nil && p.to != nil && p.to.Before(*p.from) {
		return nil, invalid("to_date", s.ToDate, "cannot be earlier than from_date %s", s.FromDate)
	}
	if s.Days != nil && *s.Days < 1 {
		return nil, invalid("days", strconv.Itoa(*s.Days), "must be at least 1")
	}

	if err := checkHour("min_time", s.MinTime); err != nil {
		return nil, err
	}
	if err := checkHour("max_time", s.MaxTime); err != nil {
		return nil, err
	}
	if s.MinTime != nil && s.MaxTime != nil && *s.MinTime > *s.MaxTime {
		return nil, invalid("min_time", strconv.Itoa(*s.MinTime), "is later than max_time %d", *s.MaxTime)
	}

	if s.MinGuest != nil && *s.MinGuest < 0 {
		return nil, invalid("min_guest", strconv.Itoa(*s.MinGuest), "must not be negative")
	}
	if s.MaxGuest != nil && *s.MaxGuest < 0 {
		return nil, invalid("max_guest", strconv.Itoa(*s.MaxGuest), "must not be negative")
	}
	if s.MinGuest != nil && s.MaxGuest != nil && *s.MinGuest > *s.MaxGuest {
		return nil, invalid("min_guest", strconv.Itoa(*s.MinGuest), "is greater than max_guest %d", *s.MaxGuest)
	}

	if s.Day != "" {
		p.weekdays = make(map[time.Weekday]bool)
		for _, tok := range strings.Split(s.Day, ",") {
			tok = strings.TrimSpace(tok)
			key := strings.ToLower(tok)
			if len(key) > 3 {
				key = key[:3]
			}
			wd, ok := weekdayTokens[key]
			if !ok {
				return nil, invalid("day", tok, "unknown weekday, use Mon,Tue,Wed,Thu,Fri,Sat,Sun")
			}
			p.weekdays[wd] = true
		}
	}

	textModes := 0
	for _, v := range []string{s.Search, s.Regex, s.Glob} {
		if v != "" {
			textModes++
		}
	}
	if textModes > 1 {
		return nil, invalid("search", "", "search, regex and glob are mutually exclusive")
	}
	if s.Regex != "" {
		re, err := regexp.Compile("(?i)" + s.Regex)
		if err != nil {
			return nil, invalid("regex", s.Regex, "%v", err)
		}
		p.regex = re
	}
	if s.Glob != "" {
		g, err := glob.Compile(strings.ToLower(s.Glob))
		if err != nil {
			return nil, invalid("glob", s.Glob, "%v", err)
		}
		p.glob = g
	}
	for _, kw := range strings.Split(s.Exclude, ",") {
		if kw = strings.TrimSpace(strings.ToLower(kw)); kw != "" {
			p.exclude = append(p.exclude, kw)
		}
	}

	switch s.Sort {
	case "", SortDate, SortGuest:
	default:
		return nil, invalid("sort", s.Sort, "use date or guest")
	}

	if s.LocationType != "" {
		switch strings.ToLower(s.LocationType) {
		case "online", "offline":
		default:
			return nil, invalid("location_type", s.LocationType, "use online or offline")
		}
	}
	if (s.SearchLat == nil) != (s.SearchLon == nil) {
		return nil, invalid("search_lat", "", "search_lat and search_lon must be provided together")
	}
	if s.SearchLat != nil {
		if s.City != "" {
			return nil, invalid("city", s.City, "city and coordinate search are mutually exclusive")
		}
		if *s.SearchLat < -90 || *s.SearchLat > 90 {
			return nil, invalid("search_lat", fmtFloat(*s.SearchLat), "must be within [-90, 90]")
		}
		if *s.SearchLon < -180 || *s.SearchLon > 180 {
			return nil, invalid("search_lon", fmtFloat(*s.SearchLon), "must be within [-180, 180]")
		}
	}
	if s.SearchRadiusMiles != nil {
		if s.SearchLat == nil {
			return nil, invalid("search_radius_miles", fmtFloat(*s.SearchRadiusMiles), "requires search_lat and search_lon")
		}
		if *s.SearchRadiusMiles <= 0 {
			return nil, invalid("search_radius_miles", fmtFloat(*s.SearchRadiusMiles), "must be positive")
		}
	}

	if s.Limit != nil && *s.Limit < 0 {
		return nil, invalid("limit", strconv.Itoa(*s.Limit), "must not be negative")
	}
	return p, nil
}

func checkHour(field string, v *int) error {
	if v != nil && (*v < 0 || *v > 23) {
		return invalid(field, strconv.Itoa(*v), "use an integer hour from 0 to 23")
	}
	return nil
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
