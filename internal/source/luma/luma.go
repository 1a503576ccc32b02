// Package luma fetches events from Luma discover categories and calendars.
package luma

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"luma/internal/config"
	appLog "luma/internal/log"
	"luma/internal/model"
	"luma/internal/source"
)

// SourceID is the id every Luma event carries.
const SourceID = "luma"

var (
	nextDataRe   = regexp.MustCompile(`(?s)<script id="__NEXT_DATA__" type="application/json">(.*?)</script>`)
	calendarIDRe = regexp.MustCompile(`"calendar_api_id"\s*:\s*"(cal-[^"]+)"`)
)

// Adapter implements source.Adapter for Luma. One Fetch walks every
// configured category and calendar and dedupes the union by event URL; a
// failure of any feed fails the snapshot.
type Adapter struct {
	cfg        config.LumaConfig
	windowDays int
	client     *source.HTTPClient
	delay      time.Duration
	now        func() time.Time
}

// New builds an adapter that keeps events starting within windowDays of the
// fetch's since instant.
func New(cfg config.LumaConfig, windowDays int) *Adapter {
	if windowDays <= 0 {
		windowDays = 30
	}
	if cfg.PaginationLimit <= 0 {
		cfg.PaginationLimit = 50
	}
	client := source.NewHTTPClient(cfg.HTTPRetries)
	client.Header.Set("Accept", "*/*")
	client.Header.Set("User-Agent", "Mozilla/5.0")
	client.Header.Set("Origin", strings.TrimRight(cfg.WebURL, "/"))
	client.Header.Set("Referer", strings.TrimRight(cfg.WebURL, "/")+"/")
	return &Adapter{
		cfg:        cfg,
		windowDays: windowDays,
		client:     client,
		delay:      time.Duration(cfg.RequestDelayMs) * time.Millisecond,
		now:        time.Now,
	}
}

// HTTPClient exposes the underlying client so callers can tune retries and
// backoff.
func (a *Adapter) HTTPClient() *source.HTTPClient { return a.client }

func (a *Adapter) ID() string { return SourceID }

func (a *Adapter) Fetch(ctx context.Context, since time.Time) (model.SourceSnapshot, error) {
	failed := model.SourceSnapshot{SourceID: SourceID, FetchedAt: a.now().UTC()}
	end := since.AddDate(0, 0, a.windowDays)

	var records []model.Event
	for _, slug := range a.cfg.Categories {
		appLog.Info("luma fetch category", "slug", slug)
		recs, err := a.fetchDiscover(ctx, slug, since, end)
		if err != nil {
			return failed, fmt.Errorf("luma category %s: %w", slug, err)
		}
		records = append(records, recs...)
	}

	for _, cal := range a.cfg.Calendars {
		apiID := cal.CalendarAPIID
		if apiID == "" {
			resolved, err := a.resolveCalendar(ctx, cal.Slug)
			if err != nil {
				return failed, fmt.Errorf("luma resolve calendar %s: %w", cal.Slug, err)
			}
			apiID = resolved
		}

		var (
			recs []model.Event
			err  error
		)
		if apiID != "" {
			appLog.Info("luma fetch calendar", "slug", cal.Slug, "calendar_api_id", apiID)
			recs, err = a.fetchCalendar(ctx, cal.Slug, apiID, since, end)
		} else {
			appLog.Info("luma fetch calendar via discover slug", "slug", cal.Slug)
			recs, err = a.fetchDiscover(ctx, cal.Slug, since, end)
		}
		if err != nil {
			return failed, fmt.Errorf("luma calendar %s: %w", cal.Slug, err)
		}
		records = append(records, recs...)
	}

	events := dedupeByURL(records)
	appLog.Info("luma fetch completed", "records", len(records), "events", len(events))
	return source.Snapshot(SourceID, a.now(), events), nil
}

func (a *Adapter) fetchDiscover(ctx context.Context, slug string, since, end time.Time) ([]model.Event, error) {
	params := url.Values{}
	params.Set("latitude", a.cfg.Latitude)
	params.Set("longitude", a.cfg.Longitude)
	params.Set("slug", slug)
	return a.paginate(ctx, "/discover/get-paginated-events", params, slug, "category:"+slug, since, end)
}

func (a *Adapter) fetchCalendar(ctx context.Context, slug, apiID string, since, end time.Time) ([]model.Event, error) {
	params := url.Values{}
	params.Set("calendar_api_id", apiID)
	params.Set("period", "future")
	return a.paginate(ctx, "/calendar/get-items", params, slug, "calendar:"+slug, since, end)
}

// paginate follows next_cursor until has_more is false or a cursor repeats.
func (a *Adapter) paginate(ctx context.Context, path string, params url.Values, slug, feed string, since, end time.Time) ([]model.Event, error) {
	webURL := strings.TrimRight(a.cfg.WebURL, "/")
	header := http.Header{}
	header.Set("X-Luma-Client-Type", "luma-web")
	header.Set("X-Luma-Web-Url", webURL+"/"+slug)
	params.Set("pagination_limit", strconv.Itoa(a.cfg.PaginationLimit))

	var out []model.Event
	seenCursors := make(map[string]bool)
	for page := 0; ; page++ {
		endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + path + "?" + params.Encode()
		body, err := a.client.Get(ctx, endpoint, header)
		if err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("page %d: malformed JSON payload", page)
		}
		doc := gjson.ParseBytes(body)

		entries := doc.Get("entries").Array()
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			e, ok := parseEntry(entry, webURL, feed)
			if !ok {
				continue
			}
			if !e.StartAt.Before(since) && e.StartAt.Before(end) {
				out = append(out, e)
			}
		}

		if !doc.Get("has_more").Bool() {
			break
		}
		cursor := doc.Get("next_cursor").String()
		if cursor == "" || seenCursors[cursor] {
			break
		}
		seenCursors[cursor] = true
		params.Set("pagination_cursor", cursor)

		if err := sleepCtx(ctx, a.delay); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// parseEntry maps one discover/calendar entry onto an Event. Entries
// without a name, url or start are skipped.
func parseEntry(entry gjson.Result, webURL, feed string) (model.Event, bool) {
	ev := entry.Get("event")
	title := strings.TrimSpace(ev.Get("name").String())
	slug := ev.Get("url").String()
	startRaw := ev.Get("start_at").String()
	if title == "" || slug == "" || startRaw == "" {
		return model.Event{}, false
	}
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		appLog.Debug("luma entry has unparseable start_at", "url", slug, "start_at", startRaw)
		return model.Event{}, false
	}

	e := model.Event{
		ID:           ev.Get("api_id").String(),
		Title:        title,
		Description:  ev.Get("description").String(),
		StartAt:      start.UTC(),
		LocationType: model.LocationOnline,
		URL:          eventURL(webURL, slug),
		Feeds:        []string{feed},
	}
	if endRaw := ev.Get("end_at").String(); endRaw != "" {
		if end, err := time.Parse(time.RFC3339, endRaw); err == nil {
			e.EndAt = end.UTC()
		}
	}
	if gc := entry.Get("guest_count"); gc.Exists() {
		e.GuestCount = model.IntPtr(int(gc.Int()))
	}

	geo := ev.Get("geo_address_info")
	coord := ev.Get("coordinate")
	if geo.Exists() || coord.Exists() || strings.EqualFold(ev.Get("location_type").String(), "offline") {
		e.LocationType = model.LocationOffline
		e.City = geo.Get("city").String()
		e.Region = geo.Get("region").String()
		e.Country = geo.Get("country").String()
		if lat, lon := coord.Get("latitude"), coord.Get("longitude"); lat.Exists() && lon.Exists() {
			e.Lat = model.FloatPtr(lat.Float())
			e.Lon = model.FloatPtr(lon.Float())
		}
	}
	for _, h := range entry.Get("hosts.#.name").Array() {
		if name := strings.TrimSpace(h.String()); name != "" {
			e.Hosts = append(e.Hosts, name)
		}
	}
	return e, true
}

func eventURL(webURL, slug string) string {
	if strings.HasPrefix(slug, "http://") || strings.HasPrefix(slug, "https://") {
		return slug
	}
	return webURL + "/" + strings.TrimLeft(slug, "/")
}

// resolveCalendar scrapes a calendar page for its api id. An empty id with
// a nil error means the page is not a calendar and the slug should be
// queried through discover instead.
func (a *Adapter) resolveCalendar(ctx context.Context, slug string) (string, error) {
	pageURL := strings.TrimRight(a.cfg.WebURL, "/") + "/" + slug
	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	html, err := a.client.Get(ctx, pageURL, header)
	if err != nil {
		return "", err
	}
	return calendarIDFromHTML(html), nil
}

func calendarIDFromHTML(html []byte) string {
	if m := nextDataRe.FindSubmatch(html); m != nil {
		id := gjson.GetBytes(m[1], "props.pageProps.initialData.data.calendar.api_id").String()
		if strings.HasPrefix(id, "cal-") {
			return id
		}
		return ""
	}
	if m := calendarIDRe.FindSubmatch(html); m != nil {
		return string(m[1])
	}
	return ""
}

// dedupeByURL merges records listed by several feeds: the largest guest
// count wins, the earliest start (and its title) wins, the most detailed
// location wins, and feeds and hosts are unioned. The result does not depend
// on the order the feeds were fetched in.
func dedupeByURL(records []model.Event) []model.Event {
	byURL := make(map[string]*model.Event)
	var order []string
	for _, rec := range records {
		cur, ok := byURL[rec.URL]
		if !ok {
			r := rec
			r.Feeds = append([]string(nil), rec.Feeds...)
			r.Hosts = append([]string(nil), rec.Hosts...)
			byURL[rec.URL] = &r
			order = append(order, rec.URL)
			continue
		}
		if rec.Guests() > cur.Guests() || cur.GuestCount == nil && rec.GuestCount != nil {
			cur.GuestCount = rec.GuestCount
		}
		if rec.StartAt.Before(cur.StartAt) || rec.StartAt.Equal(cur.StartAt) && rec.Title < cur.Title {
			cur.StartAt = rec.StartAt
			cur.EndAt = rec.EndAt
			cur.Title = rec.Title
		}
		if cur.ID == "" || rec.ID != "" && rec.ID < cur.ID {
			cur.ID = rec.ID
		}
		if len(rec.Description) > len(cur.Description) {
			cur.Description = rec.Description
		}
		mergeLocation(cur, rec)
		cur.Feeds = append(cur.Feeds, rec.Feeds...)
		cur.Hosts = append(cur.Hosts, rec.Hosts...)
	}

	out := make([]model.Event, 0, len(order))
	for _, u := range order {
		e := byURL[u]
		if e.ID == "" {
			e.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(e.URL)).String()
		}
		e.Feeds = uniqueSorted(e.Feeds)
		e.Hosts = uniqueSorted(e.Hosts)
		out = append(out, *e)
	}
	return out
}

// mergeLocation takes the location of whichever record carries more of it,
// then fills fields the winner left empty from the other one.
func mergeLocation(cur *model.Event, rec model.Event) {
	if locationDetail(rec) > locationDetail(*cur) {
		other := *cur
		cur.LocationType, cur.City, cur.Region, cur.Country = rec.LocationType, rec.City, rec.Region, rec.Country
		cur.Lat, cur.Lon = rec.Lat, rec.Lon
		rec = other
	}
	if cur.LocationType != model.LocationOffline || rec.LocationType != model.LocationOffline {
		return
	}
	if cur.City == "" {
		cur.City = rec.City
	}
	if cur.Region == "" {
		cur.Region = rec.Region
	}
	if cur.Country == "" {
		cur.Country = rec.Country
	}
	if !cur.HasCoordinates() && rec.HasCoordinates() {
		cur.Lat, cur.Lon = rec.Lat, rec.Lon
	}
}

func locationDetail(e model.Event) int {
	if e.LocationType != model.LocationOffline {
		return 0
	}
	n := 1
	for _, f := range []string{e.City, e.Region, e.Country} {
		if f != "" {
			n++
		}
	}
	if e.HasCoordinates() {
		n += 2
	}
	return n
}

func uniqueSorted(in []string) []string {
	sort.Strings(in)
	var out []string
	for _, s := range in {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
