package query

import (
	"strconv"
	"strings"
	"time"
)

// Window is a half-open interval [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// rangeExpr is a parsed named range such as "week+2".
type rangeExpr struct {
	base   string
	offset int
}

// Ranges lists the accepted named range bases. week, weekday and weekend
// also accept a "+N" suffix.
var Ranges = []string{"today", "tomorrow", "week", "weekday", "weekend"}

func parseRange(raw string) (rangeExpr, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	base, suffix, hasOffset := strings.Cut(s, "+")
	r := rangeExpr{base: base}

	switch base {
	case "today", "tomorrow":
		if hasOffset {
			return r, invalid("range", raw, "%s does not take an offset", base)
		}
	case "week", "weekday", "weekend":
		if hasOffset {
			n, err := strconv.Atoi(suffix)
			if err != nil || n < 1 {
				return r, invalid("range", raw, "offset must be a positive integer, e.g. %s+1", base)
			}
			r.offset = n
		}
	default:
		return r, invalid("range", raw, "use one of %s; week, weekday and weekend accept +N", strings.Join(Ranges, ", "))
	}
	return r, nil
}

// dayStart returns local midnight n days after the calendar day of t.
// time.Date normalises overflow, so this stays correct across DST changes.
func dayStart(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, t.Location())
}

func (r rangeExpr) resolve(now time.Time) Window {
	today := dayStart(now, 0)
	sinceMonday := (int(today.Weekday()) + 6) % 7
	monday := dayStart(today, -sinceMonday)
	weekendDay := today.Weekday() == time.Saturday || today.Weekday() == time.Sunday

	switch r.base {
	case "today":
		return Window{From: today, To: dayStart(today, 1)}
	case "tomorrow":
		return Window{From: dayStart(today, 1), To: dayStart(today, 2)}
	case "week":
		if r.offset == 0 {
			return Window{From: today, To: dayStart(monday, 7)}
		}
		start := dayStart(monday, 7*r.offset)
		return Window{From: start, To: dayStart(start, 7)}
	case "weekday":
		first := monday
		if weekendDay {
			first = dayStart(monday, 7)
		}
		start := dayStart(first, 7*r.offset)
		end := dayStart(start, 5)
		if r.offset == 0 && !weekendDay {
			start = today
		}
		return Window{From: start, To: end}
	case "weekend":
		saturday := dayStart(monday, 5+7*r.offset)
		start := saturday
		if r.offset == 0 && today.After(saturday) {
			start = today
		}
		return Window{From: start, To: dayStart(saturday, 2)}
	}
	return Window{From: today, To: today}
}

// ResolveWindow turns the date fields of s into a concrete window in loc.
func ResolveWindow(s Spec, now time.Time, loc *time.Location, defaultDays int) (Window, error) {
	p, err := compile(s)
	if err != nil {
		return Window{}, err
	}
	return p.window(now, loc, defaultDays)
}

func (p *plan) window(now time.Time, loc *time.Location, defaultDays int) (Window, error) {
	w := p.resolveWindow(now, loc, defaultDays)
	if !w.To.After(w.From) {
		return w, invalid("to_date", p.spec.ToDate, "cannot be earlier than the window start %s", w.From.Format(dateLayout))
	}
	return w, nil
}

func (p *plan) resolveWindow(now time.Time, loc *time.Location, defaultDays int) Window {
	if loc == nil {
		loc = time.UTC
	}
	if defaultDays <= 0 {
		defaultDays = 14
	}
	now = now.In(loc)
	today := dayStart(now, 0)

	switch {
	case p.rng.base != "":
		return p.rng.resolve(now)
	case p.from != nil || p.to != nil:
		from := today
		if p.from != nil {
			from = localDate(*p.from, loc)
		}
		to := dayStart(from, defaultDays)
		if p.to != nil {
			to = dayStart(localDate(*p.to, loc), 1)
		}
		return Window{From: from, To: to}
	case p.spec.Days != nil:
		return Window{From: today, To: dayStart(today, *p.spec.Days)}
	default:
		return Window{From: today, To: dayStart(today, defaultDays)}
	}
}

func localDate(d time.Time, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}
