// Package agent turns a free-text request into one of the schema replies,
// letting the model call query_events against the event cache in between.
package agent

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"luma/internal/config"
	"luma/internal/llm"
	appLog "luma/internal/log"
	"luma/internal/metrics"
	"luma/internal/query"
	"luma/internal/schema"
	"luma/internal/store"
)

//go:embed prompts/system.txt
var systemTemplate string

var systemPrompt = template.Must(template.New("system").Parse(systemTemplate))

// Snapshotter supplies the cache view tool calls evaluate against.
type Snapshotter interface {
	Snapshot() store.Snapshot
}

type Options struct {
	MaxIterations    int
	FormatRetries    int
	MaxParallelTools int
	TurnTimeout      time.Duration
	ToolResultTokens int

	Location     *time.Location
	DefaultDays  int
	DefaultLimit int

	// OnProgress receives interim assistant text emitted alongside tool
	// calls. It may be nil.
	OnProgress func(text string)
}

// OptionsFromConfig maps the agent and query sections of cfg.
func OptionsFromConfig(cfg *config.Config, loc *time.Location) Options {
	return Options{
		MaxIterations:    cfg.Agent.MaxIterations,
		FormatRetries:    cfg.Agent.FormatRetries,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
		TurnTimeout:      time.Duration(cfg.Agent.TurnTimeoutSeconds) * time.Second,
		ToolResultTokens: cfg.Agent.ToolResultTokens,
		Location:         loc,
		DefaultDays:      cfg.Query.DefaultDays,
		DefaultLimit:     cfg.Query.DefaultLimit,
	}
}

func (o *Options) normalize() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 5
	}
	if o.FormatRetries < 0 {
		o.FormatRetries = 0
	}
	if o.MaxParallelTools <= 0 {
		o.MaxParallelTools = 4
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.DefaultDays <= 0 {
		o.DefaultDays = 14
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 100
	}
}

type Agent struct {
	llm  llm.Completer
	src  Snapshotter
	opts Options
}

func New(c llm.Completer, src Snapshotter, opts Options) *Agent {
	opts.normalize()
	return &Agent{llm: c, src: src, opts: opts}
}

// Request is one user turn. Filters, when set, are forwarded to the model
// as user-provided filters.
type Request struct {
	Text    string
	Now     time.Time
	Filters *query.Spec
}

// Answer is the validated final reply of a turn.
type Answer struct {
	Response schema.Response
	// Items holds the events named by an EventsResponse, in reply order,
	// resolved against the cache.
	Items []query.Item
	// Unknown lists ids of an EventsResponse that are not in the cache.
	Unknown []string
	// Calls is the number of model calls the turn used.
	Calls int
}

// Ask runs one turn. Format failures, exhausted iterations and turn timeouts
// come back as *schema.FormatError.
func (a *Agent) Ask(ctx context.Context, req Request) (*Answer, error) {
	ans, err := a.ask(ctx, req)
	switch {
	case err == nil:
		metrics.ObserveAgentTurn(string(ans.Response.Kind()))
	case isFormatError(err):
		metrics.ObserveAgentTurn("format_error")
	default:
		metrics.ObserveAgentTurn("error")
	}
	return ans, err
}

func isFormatError(err error) bool {
	var ferr *schema.FormatError
	return errors.As(err, &ferr)
}

func (a *Agent) ask(ctx context.Context, req Request) (*Answer, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("agent: empty request")
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	if a.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.TurnTimeout)
		defer cancel()
	}

	system, err := a.systemPrompt(req.Now)
	if err != nil {
		return nil, err
	}
	user, err := userMessage(req)
	if err != nil {
		return nil, err
	}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: []llm.Block{llm.TextBlock(user)}}}

	calls, retries := 0, 0
	for {
		if calls >= a.opts.MaxIterations+retries {
			return nil, &schema.FormatError{
				Reason: fmt.Sprintf("no final answer after %d model calls", calls),
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, a.ctxError(err)
		}

		resp, err := a.llm.Complete(ctx, llm.Request{System: system, Messages: msgs, Tools: tools()})
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, a.ctxError(cerr)
			}
			return nil, fmt.Errorf("agent: %w", err)
		}
		calls++

		if uses := resp.ToolUses(); len(uses) > 0 {
			if text := strings.TrimSpace(resp.Text()); text != "" && a.opts.OnProgress != nil {
				a.opts.OnProgress(text)
			}
			results, err := a.runBatch(ctx, a.src.Snapshot(), uses, req.Now)
			if err != nil {
				return nil, a.ctxError(err)
			}
			msgs = append(msgs, resp.Message(), llm.Message{Role: llm.RoleUser, Content: results})
			continue
		}

		raw := resp.Text()
		ans, ferr := a.finish(raw, req.Now)
		if ferr == nil {
			ans.Calls = calls
			return ans, nil
		}
		if retries >= a.opts.FormatRetries {
			return nil, ferr
		}
		retries++
		appLog.Debug("agent reply rejected", "reason", ferr.Reason, "retry", retries)
		msgs = append(msgs, resp.Message(), llm.Message{
			Role:    llm.RoleUser,
			Content: []llm.Block{llm.TextBlock(ferr.Hint())},
		})
	}
}

func (a *Agent) ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &schema.FormatError{
			Reason: fmt.Sprintf("agent turn timed out after %s", a.opts.TurnTimeout),
			Err:    context.DeadlineExceeded,
		}
	}
	return err
}

// finish validates the final reply and resolves event ids.
func (a *Agent) finish(raw string, now time.Time) (*Answer, *schema.FormatError) {
	r, err := schema.Parse(raw)
	if err != nil {
		var ferr *schema.FormatError
		if errors.As(err, &ferr) {
			return nil, ferr
		}
		return nil, &schema.FormatError{Reason: err.Error(), Raw: raw, Err: err}
	}

	ans := &Answer{Response: r}
	switch v := r.(type) {
	case *schema.QueryResponse:
		if _, err := query.ResolveWindow(v.Params, now, a.opts.Location, a.opts.DefaultDays); err != nil {
			return nil, &schema.FormatError{Reason: err.Error(), Raw: raw, Err: err}
		}
	case *schema.EventsResponse:
		snap := a.src.Snapshot()
		found := snap.Lookup(v.IDs)
		seen := make(map[string]bool, len(found))
		for _, e := range found {
			ans.Items = append(ans.Items, query.Item{Event: e, Seen: snap.IsSeen(e.Key())})
			seen[e.Key()] = true
		}
		for _, id := range v.IDs {
			if !seen[id] {
				ans.Unknown = append(ans.Unknown, id)
			}
		}
		if len(ans.Unknown) > 0 {
			appLog.Warn("agent returned unknown event ids", "count", len(ans.Unknown))
		}
	}
	return ans, nil
}

func (a *Agent) queryOptions(now time.Time) query.Options {
	return query.Options{
		Now:          now,
		Location:     a.opts.Location,
		DefaultDays:  a.opts.DefaultDays,
		DefaultLimit: a.opts.DefaultLimit,
	}
}

func (a *Agent) systemPrompt(now time.Time) (string, error) {
	var buf bytes.Buffer
	err := systemPrompt.Execute(&buf, struct {
		Now    string
		Zone   string
		Schema string
	}{
		Now:    now.In(a.opts.Location).Format("Monday, January 2, 2006, 3:04 PM MST"),
		Zone:   a.opts.Location.String(),
		Schema: schema.Schema,
	})
	if err != nil {
		return "", fmt.Errorf("agent: render system prompt: %w", err)
	}
	return buf.String(), nil
}

func userMessage(req Request) (string, error) {
	if req.Filters == nil {
		return req.Text, nil
	}
	data, err := json.MarshalIndent(req.Filters, "", "  ")
	if err != nil {
		return "", fmt.Errorf("agent: encode filters: %w", err)
	}
	if string(data) == "{}" {
		return req.Text, nil
	}
	return req.Text + "\n\nUser-provided filters:\n" + string(data), nil
}

// Evaluate runs the params of a query reply against snap. Text and events
// replies return nil.
func (ans *Answer) Evaluate(snap query.Snapshot, opts query.Options) (*query.Result, error) {
	q, ok := ans.Response.(*schema.QueryResponse)
	if !ok {
		return nil, nil
	}
	res, err := query.Evaluate(snap, q.Params, opts)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
