package llm

// Package llm defines the provider-neutral chat contract the orchestrator
// consumes, plus an OpenAI-compatible HTTP client. Providers accept a
// message list and return either a text answer or one query tool call; that
// is the whole contract.

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// QueryArgs are the arguments of the single supported tool.
type QueryArgs struct {
	Question string `json:"question"`
	Source   string `json:"source"`
}

// ToolCall is the model's request for data. Tool is always "query".
type ToolCall struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Arguments QueryArgs `json:"arguments"`
}

// Usage reports provider-side token accounting when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is one model turn: either Text or ToolCall is set.
type Completion struct {
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Model    string    `json:"model"`
	Usage    Usage     `json:"usage"`
}

// Request is one completion call.
type Request struct {
	Model       string
	Messages    []Message
	EnableTools bool
	Temperature float64
	MaxTokens   int
}

// Provider is the outbound chat interface. Implementations must honor the
// context deadline.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ─── Error classification ───────────────────────────────────────────────────

// errTransient marks failures worth retrying: network errors, 429, 5xx.
type errTransient struct{ err error }

func (e errTransient) Error() string { return fmt.Sprintf("llm_transient: %v", e.err) }
func (e errTransient) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errTransient{err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t errTransient
	return errors.As(err, &t)
}
