// Package tool defines the agent's tool contract and the registry the
// session draws tool schemas from.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/observability"
)

// Tool is one callable capability advertised to the LLM.
type Tool interface {
	// Definition returns the schema sent with every generation request.
	Definition() llm.ToolDefinition

	// Execute runs the tool. The returned string becomes the tool result
	// message fed back to the LLM.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the session's tools by name. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered schema, sorted by name so request
// payloads are stable.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches one tool call and records its duration. Unknown tool
// names return an error the session turns into a synthetic tool result.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	started := time.Now()
	out, err := t.Execute(ctx, args)
	observability.Global().RecordToolExecution(ctx, name, time.Since(started), err)
	return out, err
}
