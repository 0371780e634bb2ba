// Package tools holds the gateway's built-in tools: the ones it executes
// itself rather than returning to the caller. Each tool declares the access
// level it needs, and the registry only offers or runs a tool when the
// caller's level grants it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/llm"
)

// ErrUnknownTool is returned when no built-in tool has the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one executable built-in tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	MinLevel() access.Level
	Execute(ctx context.Context, level access.Level, args json.RawMessage) (string, error)
}

// Registry holds registered tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsBuiltin reports whether name is a registered tool.
func (r *Registry) IsBuiltin(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns the function definitions of the tools level grants.
func (r *Registry) Definitions(level access.Level) []llm.Tool {
	var out []llm.Tool
	for _, t := range r.All() {
		if !level.Grants(t.MinLevel()) {
			continue
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// Execute runs the named tool with JSON-encoded arguments on behalf of a
// caller at level.
func (r *Registry) Execute(ctx context.Context, level access.Level, name, args string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if !level.Grants(t.MinLevel()) {
		return "", fmt.Errorf("%s: %s", name, access.Reason(level, t.MinLevel()))
	}
	if args == "" {
		args = "{}"
	}
	return t.Execute(ctx, level, json.RawMessage(args))
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return nil
}
