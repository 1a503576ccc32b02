package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "luma/internal/log"
)

const defaultMaxOccurrences = 5000

// Occurrence is one concrete instance of an Entry.
type Occurrence struct {
	Entry Entry
	Start time.Time
	End   time.Time
	// Slot is the instance's original series start, before any override
	// moved it.
	Slot time.Time
	// Recurring is true when the instance came from an RRULE series.
	Recurring bool
}

// ExpandOptions bounds recurrence expansion to [From, To).
type ExpandOptions struct {
	From, To time.Time
	// MaxPerSeries caps instances of a single series; zero means 5000.
	MaxPerSeries int
}

// Expand turns entries into the occurrences starting inside the window.
// Single events and RRULE series are supported, with EXDATE removals and
// RECURRENCE-ID overrides. Overrides with the highest SEQUENCE win.
func Expand(entries []Entry, opts ExpandOptions) ([]Occurrence, error) {
	if !opts.To.After(opts.From) {
		return nil, errors.New("expand: empty window")
	}
	if opts.MaxPerSeries <= 0 {
		opts.MaxPerSeries = defaultMaxOccurrences
	}

	bases := make(map[string][]Entry)
	overrides := make(map[string][]Entry)
	var uids []string
	for _, e := range entries {
		if e.IsOverride() {
			overrides[e.UID] = append(overrides[e.UID], e)
			continue
		}
		if _, ok := bases[e.UID]; !ok {
			uids = append(uids, e.UID)
		}
		bases[e.UID] = append(bases[e.UID], e)
	}

	var out []Occurrence
	inWindow := func(t time.Time) bool { return !t.Before(opts.From) && t.Before(opts.To) }
	for _, uid := range uids {
		for _, base := range bases[uid] {
			if base.RRule == "" {
				occ := Occurrence{Entry: base, Start: base.Start, End: base.End, Slot: base.Start}
				if inWindow(occ.Start) {
					out = append(out, occ)
				}
				continue
			}
			occs, capped := expandSeries(base, overrides[uid], opts)
			if capped {
				appLog.Warn("ics series truncated", "uid", uid, "cap", opts.MaxPerSeries)
			}
			for _, o := range occs {
				if inWindow(o.Start) {
					out = append(out, o)
				}
			}
		}
	}
	return out, nil
}

func expandSeries(base Entry, overrides []Entry, opts ExpandOptions) ([]Occurrence, bool) {
	r, err := rrule.StrToRRule(base.RRule)
	if err != nil {
		appLog.Warn("ics rrule unparseable", "uid", base.UID, "rrule", base.RRule, "error", err)
		return nil, false
	}
	loc := base.Start.Location()
	r.DTStart(base.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range base.ExDates {
		set.ExDate(ex.In(loc))
	}

	// Widen the lower bound by the event duration so overrides that move an
	// instance into the window are still considered.
	dur := base.End.Sub(base.Start)
	starts := set.Between(opts.From.Add(-dur-24*time.Hour).In(loc), opts.To.In(loc), true)
	capped := false
	if len(starts) > opts.MaxPerSeries {
		starts = starts[:opts.MaxPerSeries]
		capped = true
	}

	out := make([]Occurrence, 0, len(starts))
	for _, start := range starts {
		occ := Occurrence{Entry: base, Start: start, End: start.Add(dur), Slot: start, Recurring: true}
		if base.AllDay {
			day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			occ.Start, occ.End = day, day.AddDate(0, 0, 1)
		}
		if ov, ok := findOverride(overrides, start); ok {
			occ.Entry = ov
			occ.Start, occ.End = ov.Start, ov.End
		}
		out = append(out, occ)
	}
	return out, capped
}

// findOverride returns the override whose RECURRENCE-ID equals start, the
// highest SEQUENCE winning among duplicates.
func findOverride(overrides []Entry, start time.Time) (Entry, bool) {
	var (
		best  Entry
		found bool
	)
	for _, ov := range overrides {
		if !ov.RecurrenceID.Equal(start) {
			continue
		}
		if !found || ov.Seq > best.Seq {
			best, found = ov, true
		}
	}
	return best, found
}
