package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"luma/internal/llm"
	appLog "luma/internal/log"
	"luma/internal/query"
)

const queryEventsTool = "query_events"

const queryEventsSchema = `{
  "type": "object",
  "properties": {
    "range": {"type": "string", "description": "Relative window: today, tomorrow, week, week+N, weekday, weekday+N, weekend, weekend+N. Exclusive with from_date/to_date and days."},
    "from_date": {"type": "string", "description": "Start date YYYYMMDD, inclusive."},
    "to_date": {"type": "string", "description": "End date YYYYMMDD, inclusive."},
    "days": {"type": "integer", "minimum": 1, "description": "Number of days from today."},
    "min_guest": {"type": "integer", "minimum": 0, "description": "Minimum guest count. Events with unknown counts are dropped when positive."},
    "max_guest": {"type": "integer", "minimum": 0, "description": "Maximum guest count."},
    "min_time": {"type": "integer", "minimum": 0, "maximum": 23, "description": "Earliest local start hour."},
    "max_time": {"type": "integer", "minimum": 0, "maximum": 23, "description": "Latest local start hour."},
    "day": {"type": "string", "description": "Comma-separated weekdays, e.g. Sat,Sun."},
    "exclude": {"type": "string", "description": "Comma-separated keywords; events whose title contains any are dropped."},
    "search": {"type": "string", "description": "Literal substring in title or description. Only when the user asked for a literal match."},
    "regex": {"type": "string", "description": "Case-insensitive regular expression. Only when the user asked for a literal match."},
    "glob": {"type": "string", "description": "Case-insensitive glob such as *AI*meetup* or [ab]i*; supports *, ?, [seq] and [!seq]. Only when the user asked for a literal match."},
    "sort": {"type": "string", "enum": ["date", "guest"]},
    "location_type": {"type": "string", "enum": ["online", "offline"]},
    "city": {"type": "string"},
    "region": {"type": "string"},
    "country": {"type": "string"},
    "search_lat": {"type": "number"},
    "search_lon": {"type": "number"},
    "search_radius_miles": {"type": "number", "minimum": 0},
    "limit": {"type": "integer", "minimum": 0},
    "include_seen": {"type": "boolean", "description": "Include events the user already marked as seen."}
  },
  "required": []
}`

func tools() []llm.Tool {
	return []llm.Tool{{
		Name: queryEventsTool,
		Description: "Search and filter cached events. Returns matching events as a JSON object " +
			"with a total count and compact event records keyed by \"key\".",
		InputSchema: json.RawMessage(queryEventsSchema),
	}}
}

// toolEvent is the compact record returned to the model.
type toolEvent struct {
	Key           string   `json:"key"`
	Title         string   `json:"title"`
	Start         string   `json:"start"`
	End           string   `json:"end,omitempty"`
	Guests        *int     `json:"guests"`
	LocationType  string   `json:"location_type,omitempty"`
	City          string   `json:"city,omitempty"`
	Region        string   `json:"region,omitempty"`
	Country       string   `json:"country,omitempty"`
	DistanceMiles *float64 `json:"distance_miles,omitempty"`
	Hosts         []string `json:"hosts,omitempty"`
	URL           string   `json:"url,omitempty"`
	Seen          bool     `json:"seen,omitempty"`
}

type toolResult struct {
	Total     int         `json:"total"`
	Returned  int         `json:"returned"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Events    []toolEvent `json:"events"`
	Truncated bool        `json:"truncated,omitempty"`
	Note      string      `json:"note,omitempty"`
}

func compact(it query.Item, loc *time.Location) toolEvent {
	e := it.Event
	te := toolEvent{
		Key:           e.Key(),
		Title:         e.Title,
		Start:         e.StartAt.In(loc).Format(time.RFC3339),
		Guests:        e.GuestCount,
		LocationType:  string(e.LocationType),
		City:          e.City,
		Region:        e.Region,
		Country:       e.Country,
		DistanceMiles: it.DistanceMiles,
		Hosts:         e.Hosts,
		URL:           e.URL,
		Seen:          it.Seen,
	}
	if e.EndAt.After(e.StartAt) {
		te.End = e.EndAt.In(loc).Format(time.RFC3339)
	}
	return te
}

// runBatch executes every tool_use block of one assistant message against
// the same snapshot. Results keep the order of uses.
func (a *Agent) runBatch(ctx context.Context, snap query.Snapshot, uses []llm.Block, now time.Time) ([]llm.Block, error) {
	results := make([]llm.Block, len(uses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.MaxParallelTools)
	for i, u := range uses {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, isErr := a.execTool(snap, u, now)
			results[i] = llm.ToolResultBlock(u.ID, content, isErr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Agent) execTool(snap query.Snapshot, u llm.Block, now time.Time) (string, bool) {
	appLog.Debug("agent tool call", "tool", u.Name, "id", u.ID, "input", string(u.Input))
	if u.Name != queryEventsTool {
		return fmt.Sprintf("unknown tool %q; the only tool is %s", u.Name, queryEventsTool), true
	}

	var spec query.Spec
	input := u.Input
	if len(bytes.TrimSpace(input)) == 0 {
		input = []byte(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return "invalid input: " + err.Error(), true
	}

	res, err := query.Evaluate(snap, spec, a.queryOptions(now))
	if err != nil {
		return "tool error: " + err.Error(), true
	}
	out, err := a.encodeResult(res)
	if err != nil {
		return "tool error: " + err.Error(), true
	}
	return out, false
}

// encodeResult serialises res and drops trailing events until the payload
// fits the token budget.
func (a *Agent) encodeResult(res query.Result) (string, error) {
	loc := a.opts.Location
	events := make([]toolEvent, len(res.Items))
	for i, it := range res.Items {
		events[i] = compact(it, loc)
	}
	tr := toolResult{
		Total:  res.Total,
		From:   res.Window.From.In(loc).Format(time.RFC3339),
		To:     res.Window.To.In(loc).Format(time.RFC3339),
		Events: events,
	}

	n := len(events)
	for {
		tr.Events = events[:n]
		tr.Returned = n
		tr.Truncated = n < len(events)
		tr.Note = ""
		if tr.Truncated {
			tr.Note = fmt.Sprintf("truncated: %d of %d matching events shown; narrow the query to see more", n, res.Total)
		}
		data, err := json.Marshal(tr)
		if err != nil {
			return "", err
		}
		budget := a.opts.ToolResultTokens
		if budget <= 0 || n == 0 {
			return string(data), nil
		}
		tokens := countTokens(string(data))
		if tokens <= budget {
			return string(data), nil
		}
		next := n * budget / tokens
		if next >= n {
			next = n - 1
		}
		n = next
	}
}
