// Package tools provides the in-process tools agents may call during a
// deliberation round.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/conclave-ai/conclave/internal/llm/provider"
)

// Handler is the function signature for tool implementations.
type Handler func(context.Context, Args) (any, error)

// Tool is one callable tool.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
	Schema      Schema
}

// Schema maps argument names to their JSON Schema fields.
type Schema map[string]SchemaField

// SchemaField describes a single tool argument.
type SchemaField struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"-"`
}

// Args provides typed access to decoded tool arguments.
type Args map[string]any

// String returns a string argument, or "" when absent.
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Float returns a numeric argument, or 0 when absent.
func (a Args) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0.0
}

// Registry holds the tools available to a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefaultRegistry creates a registry with the builtin tools installed.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(calculatorTool())
	r.Register(currentTimeTool())
	r.Register(wordCountTool())
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Specs returns provider-facing specifications for all registered tools,
// sorted by name.
func (r *Registry) Specs() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]provider.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, provider.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Schema.toJSONSchema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Call executes a tool by name with raw JSON arguments and returns the
// JSON-encoded result.
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	args := Args{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, fmt.Errorf("decode arguments for %q: %w", name, err)
		}
	}
	for key, field := range tool.Schema {
		if field.Required {
			if _, present := args[key]; !present {
				return nil, fmt.Errorf("tool %q: missing required argument %q", name, key)
			}
		}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of %q: %w", name, err)
	}
	return encoded, nil
}

// toJSONSchema renders the schema as a JSON Schema object for providers.
func (s Schema) toJSONSchema() json.RawMessage {
	properties := make(map[string]SchemaField, len(s))
	var required []string
	for name, field := range s {
		properties[name] = field
		if field.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	encoded, _ := json.Marshal(schema)
	return encoded
}
