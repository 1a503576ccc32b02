package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"luma/internal/config"
)

func newClient(t *testing.T, url string, retries int) *AnthropicClient {
	t.Helper()
	c, err := NewAnthropic(config.AgentConfig{
		BaseURL:           url,
		Model:             "test-model",
		MaxTokens:         512,
		LLMTimeoutSeconds: 5,
		LLMRetries:        retries,
	}, "sk-test")
	require.NoError(t, err)
	c.SetBackoff(time.Millisecond)
	return c
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropic(config.AgentConfig{}, "  ")
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestCompleteRequestAndResponse(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		got, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"content":[
				{"type":"text","text":"Looking."},
				{"type":"tool_use","id":"tu_1","name":"query_events","input":{"range":"weekend"}}
			],
			"stop_reason":"tool_use",
			"usage":{"input_tokens":120,"output_tokens":30}
		}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	resp, err := c.Complete(context.Background(), Request{
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: []Block{TextBlock("events this weekend")}},
			{Role: RoleAssistant, Content: []Block{{Type: BlockToolUse, ID: "tu_0", Name: "query_events"}}},
			{Role: RoleUser, Content: []Block{ToolResultBlock("tu_0", "bad range", true)}},
		},
		Tools: []Tool{{Name: "query_events", Description: "Query", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)}},
	})
	require.NoError(t, err)

	body := gjson.ParseBytes(got)
	assert.Equal(t, "test-model", body.Get("model").String())
	assert.Equal(t, int64(512), body.Get("max_tokens").Int())
	assert.Equal(t, "be brief", body.Get("system").String())
	assert.Equal(t, int64(3), body.Get("messages.#").Int())
	assert.Equal(t, "events this weekend", body.Get("messages.0.content.0.text").String())
	assert.JSONEq(t, `{}`, body.Get("messages.1.content.0.input").Raw)
	assert.Equal(t, "tu_0", body.Get("messages.2.content.0.tool_use_id").String())
	assert.True(t, body.Get("messages.2.content.0.is_error").Bool())
	assert.Equal(t, "object", body.Get("tools.0.input_schema.type").String())

	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 120, resp.Usage.InputTokens)
	assert.Equal(t, "Looking.", resp.Text())
	uses := resp.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "tu_1", uses[0].ID)
	assert.JSONEq(t, `{"range":"weekend"}`, string(uses[0].Input))
	assert.Len(t, resp.Message().Content, 2)
	assert.Equal(t, RoleAssistant, resp.Message().Role)
}

func TestCompleteRetriesOverload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(529)
			_, _ = io.WriteString(w, `{"error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	resp, err := newClient(t, srv.URL, 2).Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		retries   int
		wantCalls int32
	}{
		{"bad request is final", http.StatusBadRequest, 3, 1},
		{"unauthorized is final", http.StatusUnauthorized, 3, 1},
		{"server error exhausts retries", http.StatusInternalServerError, 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL, tt.retries).Complete(context.Background(), Request{})
			var se *StatusError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, "nope", se.Message)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestCompleteHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := newClient(t, srv.URL, 3).Complete(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDecodeResponseMalformed(t *testing.T) {
	_, err := decodeResponse([]byte(`{"content":[`))
	assert.Error(t, err)
}
