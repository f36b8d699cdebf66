package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/retrieval"
)

// Searcher is the retrieval pipeline as the search tool sees it.
type Searcher interface {
	Execute(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// SearchTool exposes the retrieval pipeline to the agent as a tool named
// "search". The LLM decides when to call it; the result is handed back as
// a JSON tool message so the model can quote passages and sources.
type SearchTool struct {
	searcher Searcher
	defaults retrieval.Query
}

// NewSearchTool wraps the pipeline. defaults supplies the toggles for tool
// invocations; the LLM controls only query, sources, and top_k.
func NewSearchTool(searcher Searcher, defaults retrieval.Query) *SearchTool {
	return &SearchTool{searcher: searcher, defaults: defaults}
}

func (t *SearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "search",
		Description: "Search the document collection for passages relevant to a question. Returns a grounded answer and the supporting passages with their source names.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The question or keywords to search for",
				},
				"sources": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Restrict the search to these source names; omit to search everything",
				},
				"top_k": map[string]any{
					"type":        "integer",
					"description": "Number of passages to return",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	queryText, ok := args["query"].(string)
	if !ok || queryText == "" {
		return "", fmt.Errorf("search: query argument is required")
	}

	q := t.defaults
	q.Text = queryText
	// The default sources are copied before appending; concurrent
	// executions must never share a backing array.
	q.Sources = append([]string(nil), t.defaults.Sources...)
	if raw, ok := args["sources"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				q.Sources = append(q.Sources, s)
			}
		}
	}
	if topK, ok := args["top_k"].(float64); ok && topK >= 1 {
		q.TopK = int(topK)
	}

	result, err := t.searcher.Execute(ctx, q)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("search: failed to encode result: %w", err)
	}
	return string(payload), nil
}

var _ Tool = (*SearchTool)(nil)
