// Package gateway defines the contract between the execution loop and a
// hosted language-model API, and implements it for Anthropic.
//
// A gateway call is stateless: the caller sends the whole conversation on
// every request. The response carries either final text or a set of tool
// calls the caller must execute before asking again.
package gateway

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID  string `json:"callId"`
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// Message is one entry of the conversation sent to the model. A user
// message carries Text or ToolResults; an assistant message carries Text
// and/or ToolCalls.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// UserText returns a user message with text content.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantText returns an assistant message with text content.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	// Properties is the JSON-schema "properties" object.
	Properties map[string]any
	Required   []string
}

// Request is one model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int64
	Temperature float64
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Response is the model's answer to a Request.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Final reports whether the response is a final answer rather than a
// request for tool execution.
func (r *Response) Final() bool {
	return len(r.ToolCalls) == 0
}

// Message returns the assistant message that records r in a conversation.
func (r *Response) Message() Message {
	return Message{Role: RoleAssistant, Text: r.Text, ToolCalls: r.ToolCalls}
}

// Gateway calls a hosted model.
type Gateway interface {
	// Complete performs one model call. Errors should be *Error so the
	// caller can tell transient failures from permanent ones.
	Complete(ctx context.Context, req Request) (*Response, error)
}
