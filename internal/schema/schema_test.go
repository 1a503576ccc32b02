package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luma/internal/query"
)

func TestParseVariants(t *testing.T) {
	r, err := Parse(`{"type":"query","params":{"range":"weekend","min_guest":100,"sort":"guest"}}`)
	require.NoError(t, err)
	q, ok := r.(*QueryResponse)
	require.True(t, ok)
	assert.Equal(t, KindQuery, q.Kind())
	assert.Equal(t, "weekend", q.Params.Range)
	require.NotNil(t, q.Params.MinGuest)
	assert.Equal(t, 100, *q.Params.MinGuest)

	r, err = Parse("```json\n{\"type\":\"text\",\"content\":\"Three events match.\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, &TextResponse{Content: "Three events match."}, r)

	r, err = Parse("  {\"type\":\"events\",\"ids\":[\"luma/evt-1\",\"work/x@2025-10-20T17:00:00Z\"]}\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"luma/evt-1", "work/x@2025-10-20T17:00:00Z"}, r.(*EventsResponse).IDs)

	r, err = Parse(`{"type":"events","ids":[]}`)
	require.NoError(t, err)
	assert.Empty(t, r.(*EventsResponse).IDs)

	r, err = Parse(`{"type":"query","params":{}}`)
	require.NoError(t, err)
	assert.Equal(t, query.Spec{}, r.(*QueryResponse).Params)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "   "},
		{"prose", "Here are some events!"},
		{"prose before json", `Sure: {"type":"text","content":"hi"}`},
		{"array", `[{"type":"text","content":"hi"}]`},
		{"two objects", `{"type":"text","content":"a"}{"type":"text","content":"b"}`},
		{"missing type", `{"content":"hi"}`},
		{"numeric type", `{"type":1,"content":"hi"}`},
		{"unknown type", `{"type":"table","rows":[]}`},
		{"query and ids", `{"type":"query","params":{},"ids":["luma/1"]}`},
		{"text with extra", `{"type":"text","content":"hi","confidence":0.9}`},
		{"missing params", `{"type":"query"}`},
		{"null params", `{"type":"query","params":null}`},
		{"params not object", `{"type":"query","params":"weekend"}`},
		{"unknown param", `{"type":"query","params":{"range":"week","popularity":3}}`},
		{"wrong param type", `{"type":"query","params":{"min_guest":"100"}}`},
		{"invalid params", `{"type":"query","params":{"range":"week","from_date":"20251020"}}`},
		{"content not string", `{"type":"text","content":["a"]}`},
		{"blank content", `{"type":"text","content":"  "}`},
		{"null ids", `{"type":"events","ids":null}`},
		{"ids not array", `{"type":"events","ids":"luma/1"}`},
		{"ids with number", `{"type":"events","ids":["luma/1",2]}`},
		{"ids with empty", `{"type":"events","ids":["luma/1",""]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.raw)
			assert.Nil(t, r)
			var ferr *FormatError
			require.True(t, errors.As(err, &ferr), "got %v", err)
			assert.Equal(t, tt.raw, ferr.Raw)
			assert.NotEmpty(t, ferr.Reason)
			assert.Contains(t, ferr.Hint(), ferr.Reason)
		})
	}
}

func TestParseQueryValidationKeepsCause(t *testing.T) {
	_, err := Parse(`{"type":"query","params":{"min_time":22,"max_time":3}}`)
	var verr *query.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "min_time", verr.Field)
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFence(" {\"a\":1} "))
	assert.Equal(t, "```json\n{\"a\":1}", StripFence("```json\n{\"a\":1}"))
}

func TestEncodeParsesBack(t *testing.T) {
	days := 3
	for _, r := range []Response{
		&QueryResponse{Params: query.Spec{Days: &days, Search: "robots"}},
		&TextResponse{Content: "nothing this weekend"},
		&EventsResponse{IDs: []string{"luma/a"}},
	} {
		data, err := Encode(r)
		require.NoError(t, err)
		back, err := Parse(string(data))
		require.NoError(t, err)
		assert.Equal(t, r, back)
	}
}
