package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "luma/internal/log"
	"luma/internal/source"
)

// Entry is one VEVENT as read from a feed, before recurrence expansion.
type Entry struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	URL         string
	Lat, Lon    *float64
	// Attendees is the number of ATTENDEE properties.
	Attendees int

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time
	// RecurrenceID is set on entries overriding one instance of a series.
	RecurrenceID *time.Time
}

// IsOverride reports whether e replaces a single instance of a series.
func (e Entry) IsOverride() bool { return e.RecurrenceID != nil }

// Parse decodes an ICS payload. Malformed VEVENTs are logged and skipped;
// only an unreadable calendar is an error.
func Parse(feed Feed, body []byte) ([]Entry, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		e, err := parseVEvent(ve)
		if err != nil {
			appLog.Warn("ics vevent skipped", "id", feed.ID, "url", source.RedactURL(feed.URL), "error", err)
			continue
		}
		entries = append(entries, e)
	}

	appLog.Debug("ics parse completed", "id", feed.ID, "entries", len(entries))
	return entries, nil
}

func parseVEvent(ve *ical.VEvent) (Entry, error) {
	var e Entry

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return e, errors.New("missing UID")
	}
	e.UID = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			e.Seq = n
		}
	}
	e.Summary = propValue(ve, ical.ComponentPropertySummary)
	e.Description = propValue(ve, ical.ComponentPropertyDescription)
	e.Location = propValue(ve, ical.ComponentPropertyLocation)
	e.URL = propValue(ve, ical.ComponentPropertyUrl)
	e.Lat, e.Lon = parseGeo(propValue(ve, ical.ComponentPropertyGeo))
	e.Attendees = len(ve.GetProperties(ical.ComponentPropertyAttendee))

	start, err := ve.GetStartAt()
	if err != nil {
		return e, err
	}
	e.Start = start
	if end, err := ve.GetEndAt(); err == nil {
		e.End = end
	}

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			e.AllDay = true
		}
		if !strings.Contains(p.Value, "T") {
			e.AllDay = true
		}
	}
	if e.End.IsZero() || !e.End.After(e.Start) {
		if e.AllDay {
			e.End = e.Start.AddDate(0, 0, 1)
		} else {
			e.End = e.Start
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		e.RRule = p.Value
	}

	loc := e.Start.Location()
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := paramLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, exLoc); err == nil {
				e.ExDates = append(e.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, err := parseICSTime(p.Value, paramLocation(p, loc)); err == nil {
			e.RecurrenceID = &t
		}
	}

	return e, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

// parseGeo reads a GEO value "lat;lon".
func parseGeo(v string) (*float64, *float64) {
	latRaw, lonRaw, ok := strings.Cut(v, ";")
	if !ok {
		return nil, nil
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(lonRaw), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, nil
	}
	return &lat, &lon
}

// paramLocation resolves a TZID parameter, falling back to def.
func paramLocation(p *ical.IANAProperty, def *time.Location) *time.Location {
	if tz := p.ICalParameters["TZID"]; len(tz) > 0 {
		if loc, err := time.LoadLocation(tz[0]); err == nil {
			return loc
		}
	}
	return def
}

// parseICSTime parses DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
