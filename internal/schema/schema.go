// Package schema validates the final reply of the agent. A reply is exactly
// one JSON object of type "query", "text" or "events".
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"luma/internal/query"
)

type Kind string

const (
	KindQuery  Kind = "query"
	KindText   Kind = "text"
	KindEvents Kind = "events"
)

// Response is one of *QueryResponse, *TextResponse or *EventsResponse.
type Response interface {
	Kind() Kind
}

// QueryResponse asks the caller to evaluate Params itself.
type QueryResponse struct {
	Params query.Spec
}

// TextResponse is a prose answer.
type TextResponse struct {
	Content string
}

// EventsResponse lists event keys picked by the model, in display order.
type EventsResponse struct {
	IDs []string
}

func (*QueryResponse) Kind() Kind  { return KindQuery }
func (*TextResponse) Kind() Kind   { return KindText }
func (*EventsResponse) Kind() Kind { return KindEvents }

// FormatError is a reply that does not match any variant.
type FormatError struct {
	Reason string
	Raw    string
	// Err is an underlying cause such as a ValidationError or a deadline.
	Err error
}

func (e *FormatError) Error() string {
	return "agent format error: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// Hint is the correction sent back to the model before a retry.
func (e *FormatError) Hint() string {
	return "Your previous reply was rejected: " + e.Reason + ".\n" +
		"Reply again with exactly one JSON object and nothing else, using one of:\n" +
		`{"type":"query","params":{...}}` + "\n" +
		`{"type":"text","content":"..."}` + "\n" +
		`{"type":"events","ids":["<source_id>/<id>", ...]}`
}

func formatErr(raw, format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*[ \t]*\r?\n?(.*?)\r?\n?```$")

// StripFence removes surrounding whitespace and one optional Markdown code
// fence.
func StripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	return s
}

var allowedKeys = map[Kind][]string{
	KindQuery:  {"params", "type"},
	KindText:   {"content", "type"},
	KindEvents: {"ids", "type"},
}

// Parse classifies raw into a Response. Any deviation from the three
// variants is a *FormatError.
func Parse(raw string) (Response, error) {
	s := StripFence(raw)
	if s == "" {
		return nil, formatErr(raw, "empty reply")
	}
	if !gjson.Valid(s) {
		return nil, formatErr(raw, "reply is not a single valid JSON value")
	}
	if !gjson.Parse(s).IsObject() {
		return nil, formatErr(raw, "reply must be a JSON object")
	}

	var top map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&top); err != nil {
		return nil, formatErr(raw, "decode reply: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, formatErr(raw, "trailing data after the JSON object")
	}

	typ := gjson.Get(s, "type")
	if !typ.Exists() {
		return nil, formatErr(raw, `missing "type"`)
	}
	if typ.Type != gjson.String {
		return nil, formatErr(raw, `"type" must be a string`)
	}
	kind := Kind(typ.String())
	allowed, ok := allowedKeys[kind]
	if !ok {
		return nil, formatErr(raw, `unknown type %q, use "query", "text" or "events"`, typ.String())
	}
	if extra := extraKeys(top, allowed); len(extra) > 0 {
		return nil, formatErr(raw, "unexpected field(s) %s for type %q", strings.Join(extra, ", "), kind)
	}

	switch kind {
	case KindQuery:
		return parseQuery(raw, top["params"])
	case KindText:
		return parseText(raw, top["content"])
	default:
		return parseEvents(raw, top["ids"])
	}
}

func extraKeys(top map[string]json.RawMessage, allowed []string) []string {
	var extra []string
	for k := range top {
		found := false
		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func parseQuery(raw string, params json.RawMessage) (Response, error) {
	if isNull(params) {
		return nil, formatErr(raw, `"params" is required for type "query"`)
	}
	if !gjson.ParseBytes(params).IsObject() {
		return nil, formatErr(raw, `"params" must be an object`)
	}
	var spec query.Spec
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, formatErr(raw, "invalid params: %v", err)
	}
	if err := query.Validate(spec); err != nil {
		return nil, &FormatError{Reason: err.Error(), Raw: raw, Err: err}
	}
	return &QueryResponse{Params: spec}, nil
}

func parseText(raw string, content json.RawMessage) (Response, error) {
	if isNull(content) {
		return nil, formatErr(raw, `"content" is required for type "text"`)
	}
	var text string
	if err := json.Unmarshal(content, &text); err != nil {
		return nil, formatErr(raw, `"content" must be a string`)
	}
	if strings.TrimSpace(text) == "" {
		return nil, formatErr(raw, `"content" must not be empty`)
	}
	return &TextResponse{Content: text}, nil
}

func parseEvents(raw string, ids json.RawMessage) (Response, error) {
	if isNull(ids) {
		return nil, formatErr(raw, `"ids" is required for type "events"`)
	}
	var list []string
	if err := json.Unmarshal(ids, &list); err != nil {
		return nil, formatErr(raw, `"ids" must be an array of strings`)
	}
	for i, id := range list {
		if strings.TrimSpace(id) == "" {
			return nil, formatErr(raw, `"ids"[%d] is empty`, i)
		}
	}
	if list == nil {
		list = []string{}
	}
	return &EventsResponse{IDs: list}, nil
}

// Encode renders a Response in its wire form.
func Encode(r Response) ([]byte, error) {
	switch v := r.(type) {
	case *QueryResponse:
		return json.Marshal(struct {
			Type   Kind       `json:"type"`
			Params query.Spec `json:"params"`
		}{KindQuery, v.Params})
	case *TextResponse:
		return json.Marshal(struct {
			Type    Kind   `json:"type"`
			Content string `json:"content"`
		}{KindText, v.Content})
	case *EventsResponse:
		return json.Marshal(struct {
			Type Kind     `json:"type"`
			IDs  []string `json:"ids"`
		}{KindEvents, v.IDs})
	default:
		return nil, fmt.Errorf("schema: unknown response %T", r)
	}
}

// Schema is the reply contract included in the system prompt.
const Schema = `Reply with exactly one JSON object and nothing else:
- {"type":"query","params":{...}} for a plain listing the application should run itself. params uses the query_events fields.
- {"type":"events","ids":["<source_id>/<id>", ...]} after inspecting results with query_events, listing the chosen events in display order.
- {"type":"text","content":"..."} for questions, counts, comparisons, or to say nothing matched.`
