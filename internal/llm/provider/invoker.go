// Package provider abstracts the model backends the council deliberates on.
// Each backend registers a factory at init time; the deliberation engine only
// sees the Invoker interface.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one turn of a provider-neutral conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string
	// Speaker labels which agent produced the content. Providers fold it
	// into the content since chat APIs have a single assistant identity.
	Speaker string
	Content string
	// ToolCalls carries the tool requests an assistant turn made.
	ToolCalls []ToolInvocation
	// ToolCallID links a "tool" role message back to the call it answers.
	ToolCallID string
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters json.RawMessage
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// ToolInvocation is a tool call requested by the model.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is the final outcome of one model invocation.
type Result struct {
	Content      string
	ToolCalls    []ToolInvocation
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Chunk is one unit of a streaming response. Delta chunks carry incremental
// text; the terminal chunk carries the assembled Result instead.
type Chunk struct {
	Delta  string
	Result *Result
}

// Stream yields chunks of a streaming completion. After the terminal chunk,
// Recv returns io.EOF.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Invoker is a model backend.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
	InvokeStream(ctx context.Context, req Request) (Stream, error)
}

// Error codes classify invoker failures across providers.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeModelNotFound  = "model_not_found"
	ErrorCodeModelRetired   = "model_retired"
	ErrorCodeUnknown        = "unknown_error"
)

// InvokerError is a classified provider failure.
type InvokerError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	original   error
}

// NewInvokerError wraps a provider failure with a classification code.
func NewInvokerError(provider, code, message string, original error) *InvokerError {
	return &InvokerError{
		Provider: provider,
		Code:     code,
		Message:  message,
		original: original,
	}
}

func (e *InvokerError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Unwrap exposes the original error for errors.Is and errors.As.
func (e *InvokerError) Unwrap() error { return e.original }

// IsRetryable reports whether the same request may succeed if retried.
func (e *InvokerError) IsRetryable() bool {
	switch e.Code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	}
	return false
}

// ErrModelRetired indicates the requested model has been shut down upstream.
var ErrModelRetired = errors.New("model retired")

// retiredModels maps shut-down model names to a notice suitable for showing
// the user who asked for them.
var retiredModels = map[string]string{
	"gpt-3.5-turbo":  "gpt-3.5-turbo was retired upstream; gpt-4o-mini is the closest replacement",
	"gpt-4":          "gpt-4 was retired upstream; use gpt-4o instead",
	"gemini-1.0-pro": "gemini-1.0-pro was retired upstream; use gemini-2.0-flash instead",
	"claude-instant": "claude-instant was retired upstream and has no configured replacement",
}

// RetiredNotice returns the retirement notice for a model, or "" if the
// model is not known to be retired.
func RetiredNotice(model string) string {
	return retiredModels[model]
}

// CheckModel returns ErrModelRetired (wrapped with the notice) when the
// model is known to be shut down.
func CheckModel(model string) error {
	if notice, ok := retiredModels[model]; ok {
		return fmt.Errorf("%w: %s", ErrModelRetired, notice)
	}
	return nil
}
