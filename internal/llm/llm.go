// Package llm is a minimal client for the Anthropic Messages API with tool
// use.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one content block of a message. Which fields apply depends on
// Type.
type Block struct {
	Type string

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Content   string
	IsError   bool
}

func TextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

type Message struct {
	Role    Role
	Content []Block
}

// Tool is a tool definition; InputSchema is a JSON Schema object.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
	// MaxTokens overrides the client default when positive.
	MaxTokens int
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Response struct {
	Content    []Block
	StopReason string
	Usage      Usage
}

// Text joins the text blocks of r.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of r in order.
func (r *Response) ToolUses() []Block {
	var out []Block
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Message converts r into the assistant message to append to a
// conversation.
func (r *Response) Message() Message {
	return Message{Role: RoleAssistant, Content: append([]Block(nil), r.Content...)}
}

// Completer produces one model turn.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
