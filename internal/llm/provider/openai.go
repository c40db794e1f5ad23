package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

func init() {
	RegisterFactory("openai", func(config map[string]any) (Invoker, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}

		baseURL := ""
		if url, ok := config["base_url"].(string); ok {
			baseURL = url
		}
		return NewOpenAIInvoker(apiKey, baseURL), nil
	})
}

// openAIClient is the subset of the go-openai client the invoker needs.
// Narrowed for testability.
type openAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIInvoker invokes OpenAI-compatible chat completion APIs.
type OpenAIInvoker struct {
	client openAIClient
}

// NewOpenAIInvoker creates an invoker against the OpenAI API, or any
// compatible endpoint when baseURL is non-empty.
func NewOpenAIInvoker(apiKey, baseURL string) *OpenAIInvoker {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIInvoker{client: openai.NewClientWithConfig(cfg)}
}

// NewOpenAIInvokerWithClient creates an invoker with a custom client
// (useful for testing).
func NewOpenAIInvokerWithClient(client openAIClient) *OpenAIInvoker {
	return &OpenAIInvoker{client: client}
}

// Name returns the provider name.
func (p *OpenAIInvoker) Name() string { return "openai" }

// Invoke performs a blocking completion.
func (p *OpenAIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := CheckModel(req.Model); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewInvokerError("openai", ErrorCodeServerError, "no choices in response", nil)
	}

	choice := resp.Choices[0]
	result := &Result{
		Content:      choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolInvocation{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}

// InvokeStream performs a streaming completion.
func (p *OpenAIInvoker) InvokeStream(ctx context.Context, req Request) (Stream, error) {
	if err := CheckModel(req.Model); err != nil {
		return nil, err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, p.wrapError(err)
	}
	return &openAIStream{inner: stream}, nil
}

func (p *OpenAIInvoker) buildRequest(req Request, streaming bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		// Prefix speaker labels so agents can address each other; the API
		// has no first-class notion of multiple assistants.
		if m.Speaker != "" && m.Role != "system" && m.ToolCallID == "" {
			msg.Content = m.Speaker + ": " + m.Content
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if streaming {
		apiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return apiReq
}

func (p *OpenAIInvoker) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = ErrorCodeAuthentication
		case http.StatusNotFound:
			code = ErrorCodeModelNotFound
		case http.StatusTooManyRequests:
			code = ErrorCodeRateLimit
		case http.StatusBadRequest:
			code = ErrorCodeInvalidRequest
		default:
			if apiErr.HTTPStatusCode >= 500 {
				code = ErrorCodeServerError
			}
		}
		ie := NewInvokerError("openai", code, apiErr.Message, err)
		ie.StatusCode = apiErr.HTTPStatusCode
		return ie
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewInvokerError("openai", ErrorCodeTimeout, "request timed out", err)
	}
	return NewInvokerError("openai", ErrorCodeUnknown, err.Error(), err)
}

// openAIStream adapts the go-openai stream to the Stream interface, assembling
// tool call fragments and usage into the terminal chunk.
type openAIStream struct {
	inner *openai.ChatCompletionStream

	content      string
	toolCalls    []ToolInvocation
	finishReason string
	usage        *openai.Usage
	done         bool
}

// Recv returns the next chunk. The terminal chunk carries the assembled
// Result; subsequent calls return io.EOF.
func (s *openAIStream) Recv() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		resp, err := s.inner.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return s.terminal(), nil
		}
		if err != nil {
			s.done = true
			return nil, fmt.Errorf("stream recv: %w", err)
		}

		if resp.Usage != nil {
			s.usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = string(choice.FinishReason)
		}
		s.mergeToolCallDeltas(choice.Delta.ToolCalls)

		if choice.Delta.Content != "" {
			s.content += choice.Delta.Content
			return &Chunk{Delta: choice.Delta.Content}, nil
		}
	}
}

// mergeToolCallDeltas accumulates streamed tool call fragments by index.
func (s *openAIStream) mergeToolCallDeltas(deltas []openai.ToolCall) {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		for len(s.toolCalls) <= idx {
			s.toolCalls = append(s.toolCalls, ToolInvocation{})
		}
		tc := &s.toolCalls[idx]
		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Function.Name != "" {
			tc.Name += d.Function.Name
		}
		if d.Function.Arguments != "" {
			tc.Arguments = append(tc.Arguments, d.Function.Arguments...)
		}
	}
}

func (s *openAIStream) terminal() *Chunk {
	result := &Result{
		Content:      s.content,
		ToolCalls:    s.toolCalls,
		FinishReason: s.finishReason,
	}
	if s.usage != nil {
		result.InputTokens = s.usage.PromptTokens
		result.OutputTokens = s.usage.CompletionTokens
	}
	return &Chunk{Result: result}
}

// Close closes the underlying stream.
func (s *openAIStream) Close() error {
	s.done = true
	return s.inner.Close()
}
