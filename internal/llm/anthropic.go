package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"luma/internal/config"
	appLog "luma/internal/log"
)

const anthropicVersion = "2023-06-01"

// ErrNoAPIKey is returned by NewAnthropic without a key.
var ErrNoAPIKey = errors.New("llm: no API key configured (set " + config.APIKeyEnv + " or agent.api_key)")

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm: status %d", e.Code)
	}
	return fmt.Sprintf("llm: status %d: %s", e.Code, e.Message)
}

// Retryable covers rate limiting, overload and transient server errors.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return true
	}
	return false
}

// AnthropicClient implements Completer over HTTP.
type AnthropicClient struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	timeout   time.Duration
	retries   int
	backoff   time.Duration
	http      *http.Client
}

// NewAnthropic builds a client from agent settings.
func NewAnthropic(cfg config.AgentConfig, apiKey string) (*AnthropicClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}
	c := &AnthropicClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    apiKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		retries:   cfg.LLMRetries,
		backoff:   time.Second,
		http:      &http.Client{},
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultAgentURL
	}
	if c.model == "" {
		c.model = config.DefaultAgentModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 4096
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	return c, nil
}

// SetBackoff changes the first retry delay.
func (c *AnthropicClient) SetBackoff(d time.Duration) { c.backoff = d }

func (c *AnthropicClient) Model() string { return c.model }

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := c.encode(req)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > 0 {
				delay = se.RetryAfter
			}
			appLog.Debug("llm retry", "attempt", attempt, "delay", delay, "error", lastErr)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		resp, err := c.send(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *AnthropicClient) send(ctx context.Context, body []byte) (*Response, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Message: gjson.GetBytes(data, "error.message").String()}
		if n, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && n > 0 {
			se.RetryAfter = time.Duration(n) * time.Second
		}
		return nil, se
	}
	return decodeResponse(data)
}

func (c *AnthropicClient) encode(req Request) ([]byte, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	body := []byte(`{"messages":[]}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	set("model", c.model)
	set("max_tokens", maxTokens)
	if req.System != "" {
		set("system", req.System)
	}

	for _, m := range req.Messages {
		msg, merr := encodeMessage(m)
		if merr != nil {
			return nil, merr
		}
		if err == nil {
			body, err = sjson.SetRawBytes(body, "messages.-1", msg)
		}
	}

	if len(req.Tools) > 0 && err == nil {
		body, err = sjson.SetRawBytes(body, "tools", []byte(`[]`))
		for _, t := range req.Tools {
			tool := []byte(`{}`)
			tool, _ = sjson.SetBytes(tool, "name", t.Name)
			tool, _ = sjson.SetBytes(tool, "description", t.Description)
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = []byte(`{"type":"object"}`)
			}
			tool, _ = sjson.SetRawBytes(tool, "input_schema", schema)
			if err == nil {
				body, err = sjson.SetRawBytes(body, "tools.-1", tool)
			}
		}
	}
	return body, err
}

func encodeMessage(m Message) ([]byte, error) {
	msg := []byte(`{"content":[]}`)
	msg, err := sjson.SetBytes(msg, "role", string(m.Role))
	if err != nil {
		return nil, err
	}
	for _, b := range m.Content {
		blk := []byte(`{}`)
		blk, _ = sjson.SetBytes(blk, "type", b.Type)
		switch b.Type {
		case BlockText:
			blk, _ = sjson.SetBytes(blk, "text", b.Text)
		case BlockToolUse:
			blk, _ = sjson.SetBytes(blk, "id", b.ID)
			blk, _ = sjson.SetBytes(blk, "name", b.Name)
			input := b.Input
			if len(input) == 0 {
				input = []byte(`{}`)
			}
			blk, _ = sjson.SetRawBytes(blk, "input", input)
		case BlockToolResult:
			blk, _ = sjson.SetBytes(blk, "tool_use_id", b.ToolUseID)
			blk, _ = sjson.SetBytes(blk, "content", b.Content)
			if b.IsError {
				blk, _ = sjson.SetBytes(blk, "is_error", true)
			}
		default:
			return nil, fmt.Errorf("unknown block type %q", b.Type)
		}
		if msg, err = sjson.SetRawBytes(msg, "content.-1", blk); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func decodeResponse(data []byte) (*Response, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("llm: malformed response body")
	}
	doc := gjson.ParseBytes(data)
	out := &Response{
		StopReason: doc.Get("stop_reason").String(),
		Usage: Usage{
			InputTokens:  int(doc.Get("usage.input_tokens").Int()),
			OutputTokens: int(doc.Get("usage.output_tokens").Int()),
		},
	}
	for _, blk := range doc.Get("content").Array() {
		switch t := blk.Get("type").String(); t {
		case BlockText:
			out.Content = append(out.Content, TextBlock(blk.Get("text").String()))
		case BlockToolUse:
			input := blk.Get("input").Raw
			if input == "" {
				input = "{}"
			}
			out.Content = append(out.Content, Block{
				Type:  BlockToolUse,
				ID:    blk.Get("id").String(),
				Name:  blk.Get("name").String(),
				Input: []byte(input),
			})
		default:
			appLog.Debug("llm ignoring content block", "type", t)
		}
	}
	return out, nil
}
