// Package render prints query results and agent answers for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"luma/internal/query"
	"luma/internal/schema"
)

var (
	dimColor  = lipgloss.Color("#6B7280")
	warnColor = lipgloss.Color("#F59E0B")
	errColor  = lipgloss.Color("#EF4444")
)

// Printer writes human or JSON output to one stream.
type Printer struct {
	w     io.Writer
	loc   *time.Location
	now   time.Time
	color bool

	bold  lipgloss.Style
	dim   lipgloss.Style
	warn  lipgloss.Style
	errSt lipgloss.Style
}

// New builds a Printer for w. Colour is enabled only when w is a terminal
// and NO_COLOR is unset.
func New(w io.Writer, loc *time.Location, now time.Time) *Printer {
	if loc == nil {
		loc = time.Local
	}
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:     w,
		loc:   loc,
		now:   now,
		color: IsTerminal(w) && os.Getenv("NO_COLOR") == "",
		bold:  r.NewStyle().Bold(true),
		dim:   r.NewStyle().Foreground(dimColor).Faint(true),
		warn:  r.NewStyle().Foreground(warnColor),
		errSt: r.NewStyle().Foreground(errColor).Bold(true),
	}
}

// IsTerminal reports whether w is an *os.File attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Printer) SetColor(on bool) { p.color = on }

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// FormatTime renders t as "Wed Oct 15, 7PM", using "Today" for the current
// local day and minutes only when non-zero.
func FormatTime(t, now time.Time, loc *time.Location) string {
	lt := t.In(loc)
	hour := lt.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	ampm := "AM"
	if lt.Hour() >= 12 {
		ampm = "PM"
	}
	clock := fmt.Sprintf("%d%s", hour, ampm)
	if lt.Minute() != 0 {
		clock = fmt.Sprintf("%d:%02d%s", hour, lt.Minute(), ampm)
	}

	day := lt.Format("Mon")
	ln := now.In(loc)
	if lt.Year() == ln.Year() && lt.YearDay() == ln.YearDay() {
		day = "Today"
	}
	return fmt.Sprintf("%s %s %d, %s", day, lt.Format("Jan"), lt.Day(), clock)
}

func guestLabel(it query.Item) string {
	if it.Event.GuestCount == nil {
		return "[?]"
	}
	return "[" + strconv.Itoa(*it.Event.GuestCount) + "]"
}

// Events prints the header and one aligned line per item. With date sort a
// blank line separates ISO weeks.
func (p *Printer) Events(items []query.Item, sortKey string) {
	if sortKey == "" {
		sortKey = query.SortDate
	}
	fmt.Fprintf(p.w, "Top %d events (sorted by %s):\n", len(items), sortKey)

	guestW, dateW := 3, 0
	dates := make([]string, len(items))
	for i, it := range items {
		guestW = max(guestW, len(guestLabel(it)))
		dates[i] = FormatTime(it.Event.StartAt, p.now, p.loc)
		dateW = max(dateW, len(dates[i]))
	}

	prevYear, prevWeek := 0, 0
	for i, it := range items {
		local := it.Event.StartAt.In(p.loc)
		if sortKey == query.SortDate {
			y, w := local.ISOWeek()
			if i > 0 && (y != prevYear || w != prevWeek) {
				fmt.Fprintln(p.w)
			}
			prevYear, prevWeek = y, w
		}

		line := fmt.Sprintf("%-*s %-*s | %s | %s", guestW, guestLabel(it), dateW, dates[i], it.Event.Title, it.Event.URL)
		switch {
		case it.Seen:
			line = p.style(p.dim, line)
		case local.Weekday() == time.Tuesday || local.Weekday() == time.Thursday:
			line = p.style(p.bold, line)
		}
		fmt.Fprintln(p.w, line)
	}
}

// Dim prints a muted line, used for agent progress and equivalent flags.
func (p *Printer) Dim(text string) {
	fmt.Fprintln(p.w, p.style(p.dim, text))
}

func (p *Printer) Warn(text string) {
	fmt.Fprintln(p.w, p.style(p.warn, text))
}

func (p *Printer) Error(text string) {
	fmt.Fprintln(p.w, p.style(p.errSt, text))
}

// Text prints a prose answer as a paragraph.
func (p *Printer) Text(content string) {
	fmt.Fprintln(p.w, strings.TrimSpace(content))
}

// CommandLine renders spec as an equivalent luma invocation.
func CommandLine(spec query.Spec) string {
	args := spec.Args()
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, "luma")
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'*?$") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Answer prints an agent reply. For a query reply res holds the evaluated
// result; for an events reply items holds the resolved events.
func (p *Printer) Answer(resp schema.Response, items []query.Item, res *query.Result) {
	switch v := resp.(type) {
	case *schema.TextResponse:
		p.Text(v.Content)
	case *schema.EventsResponse:
		if len(items) == 0 {
			p.Text("No matching events.")
			return
		}
		p.Events(items, "relevance")
	case *schema.QueryResponse:
		p.Dim(CommandLine(v.Params))
		if res != nil {
			p.Events(res.Items, res.Sort)
		}
	}
}

// QueryOutput is the --json form of a query.
type QueryOutput struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Sort        string       `json:"sort"`
	Query       query.Spec   `json:"query"`
	Total       int          `json:"total"`
	Returned    int          `json:"returned"`
	Events      []query.Item `json:"events"`
}

func NewQueryOutput(spec query.Spec, res query.Result, generatedAt time.Time) QueryOutput {
	items := res.Items
	if items == nil {
		items = []query.Item{}
	}
	return QueryOutput{
		GeneratedAt: generatedAt.UTC(),
		WindowStart: res.Window.From.UTC(),
		WindowEnd:   res.Window.To.UTC(),
		Sort:        res.Sort,
		Query:       spec,
		Total:       res.Total,
		Returned:    len(items),
		Events:      items,
	}
}

// AnswerOutput is the --json form of an agent reply.
type AnswerOutput struct {
	Type    schema.Kind  `json:"type"`
	Content string       `json:"content,omitempty"`
	Query   *QueryOutput `json:"query,omitempty"`
	Events  []query.Item `json:"events,omitempty"`
	Unknown []string     `json:"unknown_ids,omitempty"`
}

// JSON writes v indented.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewAnswerOutput builds the JSON form of an agent reply. res is the
// evaluated result of a query reply and is ignored for the other kinds.
func NewAnswerOutput(resp schema.Response, items []query.Item, unknown []string, res *query.Result, generatedAt time.Time) AnswerOutput {
	out := AnswerOutput{Type: resp.Kind()}
	switch v := resp.(type) {
	case *schema.TextResponse:
		out.Content = v.Content
	case *schema.EventsResponse:
		out.Events = items
		if out.Events == nil {
			out.Events = []query.Item{}
		}
		out.Unknown = unknown
	case *schema.QueryResponse:
		if res != nil {
			qo := NewQueryOutput(v.Params, *res, generatedAt)
			out.Query = &qo
		}
	}
	return out
}
