// Package llm defines the generation-service contract used by the workflows
// and its provider adapters.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Transcript roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNoChoices is returned when a provider answers without any content.
	ErrNoChoices = errors.New("generation returned no choices")
	// ErrRateLimited is returned when the local limiter refuses a call.
	ErrRateLimited = errors.New("generation rate limit exceeded")
)

// Message is one transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a tool the service may ask the engine to run.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall is a tool invocation requested by the service.
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Request is one generation call.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	Messages    []Message
	Tools       []ToolSpec
}

// Response is the service's answer: free text plus zero or more tool calls.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Model      string     `json:"model,omitempty"`
	TokensUsed int64      `json:"tokens_used,omitempty"`
}

// Generator is the generation service. Implementations may fail; callers own
// the conversion of failures into user-facing text.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// decodeArguments parses a JSON object of tool arguments; malformed input
// yields an empty map.
func decodeArguments(raw []byte) map[string]interface{} {
	args := map[string]interface{}{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}
