package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"google.golang.org/genai"
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Invoker, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("GEMINI_API_KEY not set")
		}
		return NewGeminiInvoker(context.Background(), apiKey)
	})
}

// GeminiInvoker invokes the Gemini API through the Google Gen AI SDK.
type GeminiInvoker struct {
	client *genai.Client
}

// NewGeminiInvoker creates an invoker against the Gemini API.
func NewGeminiInvoker(ctx context.Context, apiKey string) (*GeminiInvoker, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiInvoker{client: client}, nil
}

// Name returns the provider name.
func (p *GeminiInvoker) Name() string { return "gemini" }

// Invoke performs a blocking completion.
func (p *GeminiInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := CheckModel(req.Model); err != nil {
		return nil, err
	}

	contents, config := p.buildCall(req)
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, NewInvokerError("gemini", ErrorCodeUnknown, err.Error(), err)
	}
	return p.parseResponse(resp)
}

// InvokeStream performs a streaming completion.
func (p *GeminiInvoker) InvokeStream(ctx context.Context, req Request) (Stream, error) {
	if err := CheckModel(req.Model); err != nil {
		return nil, err
	}

	contents, config := p.buildCall(req)

	chunks := make(chan *Chunk, 10)
	errs := make(chan error, 1)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(chunks)
		defer close(errs)

		var content string
		var toolCalls []ToolInvocation
		var inputTokens, outputTokens int
		var finishReason string

		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, req.Model, contents, config) {
			if err != nil {
				select {
				case errs <- NewInvokerError("gemini", ErrorCodeUnknown, err.Error(), err):
				case <-streamCtx.Done():
				}
				return
			}
			if resp.UsageMetadata != nil {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			candidate := resp.Candidates[0]
			if candidate.FinishReason != "" {
				finishReason = string(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					toolCalls = append(toolCalls, ToolInvocation{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					})
					continue
				}
				if part.Text == "" {
					continue
				}
				content += part.Text
				select {
				case chunks <- &Chunk{Delta: part.Text}:
				case <-streamCtx.Done():
					return
				}
			}
		}

		select {
		case chunks <- &Chunk{Result: &Result{
			Content:      content,
			ToolCalls:    toolCalls,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			FinishReason: finishReason,
		}}:
		case <-streamCtx.Done():
		}
	}()

	return &geminiStream{chunks: chunks, errs: errs, cancel: cancel}, nil
}

func (p *GeminiInvoker) buildCall(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	config.Temperature = genai.Ptr(float32(req.Temperature))
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}
		case "assistant":
			text := m.Content
			if m.Speaker != "" {
				text = m.Speaker + ": " + text
			}
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: text}},
			})
		case "tool":
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"output": m.Content}
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					Name:     m.ToolCallID,
					Response: response,
				}}},
			})
		default:
			text := m.Content
			if m.Speaker != "" {
				text = m.Speaker + ": " + text
			}
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			})
		}
	}

	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			}
			if len(t.Parameters) > 0 {
				var schema *genai.Schema
				if err := json.Unmarshal(t.Parameters, &schema); err == nil {
					decl.Parameters = schema
				}
			}
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, decl)
		}
		config.Tools = []*genai.Tool{tool}
	}

	return contents, config
}

func (p *GeminiInvoker) parseResponse(resp *genai.GenerateContentResponse) (*Result, error) {
	if len(resp.Candidates) == 0 {
		return nil, NewInvokerError("gemini", ErrorCodeServerError, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	result := &Result{FinishReason: string(candidate.FinishReason)}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				result.ToolCalls = append(result.ToolCalls, ToolInvocation{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
				continue
			}
			result.Content += part.Text
		}
	}
	return result, nil
}

// geminiStream adapts the SDK's iterator to the Stream interface.
type geminiStream struct {
	chunks <-chan *Chunk
	errs   <-chan error
	cancel context.CancelFunc
}

func (s *geminiStream) Recv() (*Chunk, error) {
	// The producer closes both channels when it returns, and a closed errs
	// channel is always ready. Buffered chunks must win, so errs is consulted
	// only once chunks is closed and drained.
	chunk, ok := <-s.chunks
	if !ok {
		if err, ok := <-s.errs; ok && err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return chunk, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
