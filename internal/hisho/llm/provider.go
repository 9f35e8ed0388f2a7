// Package llm defines the provider interface and message types used to talk
// to language models, and the router that picks between a primary and a
// fallback provider for each request.
package llm

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned when no provider could produce a
// completion. It wraps the last underlying cause.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Finish reasons reported by providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Message represents a single message in a conversation.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the tool name and raw JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Type     string      `json:"type"` // "function"
	Function FunctionDef `json:"function"`
}

// FunctionDef is the schema of a callable function.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema object
}

// CompletionRequest is the input to a single inference call.
type CompletionRequest struct {
	// Model overrides the provider's default model when set.
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the output from the model.
type CompletionResponse struct {
	// Message is the assistant message produced.
	Message Message
	// FinishReason explains why the model stopped.
	// "stop" = natural end; "tool_calls" = tool call(s) requested.
	FinishReason string
	// Usage holds token count information.
	Usage TokenUsage
	// Provider names the backend that produced the response.
	Provider string
	// Model is the model that produced the response.
	Model string
}

// TokenUsage reports token consumption for budget tracking.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the interface that all model backends implement.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Complete sends messages to the model and returns the next assistant
	// message, which may contain tool call requests.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Availability is implemented by providers that can report whether they are
// reachable. Providers without it are assumed available.
type Availability interface {
	Available(ctx context.Context) bool
}
