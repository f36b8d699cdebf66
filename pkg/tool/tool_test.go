package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/retrieval"
)

type echoTool struct {
	name string
}

func (t *echoTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: t.name, Description: "echoes"}
}

func (t *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return fmt.Sprintf("%v", args["msg"]), nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "echo"})
	r.Register(&echoTool{name: "alpha"})

	_, ok := r.Get("echo")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "echo", defs[1].Name)

	out, err := r.Execute(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Execute(context.Background(), "missing", nil)
	assert.Error(t, err)
}

type fakeSearcher struct {
	got    retrieval.Query
	result *retrieval.Result
	err    error
}

func (f *fakeSearcher) Execute(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestSearchTool(t *testing.T) {
	searcher := &fakeSearcher{result: &retrieval.Result{
		Answer:  "X is Y",
		Sources: []retrieval.Hit{{Name: "a", Excerpt: "X is Y because...", Score: 0.9}},
	}}
	st := NewSearchTool(searcher, retrieval.DefaultQuery(""))

	out, err := st.Execute(context.Background(), map[string]any{
		"query":   "what is X",
		"sources": []any{"a", "b"},
		"top_k":   float64(3),
	})
	require.NoError(t, err)

	assert.Equal(t, "what is X", searcher.got.Text)
	assert.Equal(t, []string{"a", "b"}, searcher.got.Sources)
	assert.Equal(t, 3, searcher.got.TopK)
	assert.True(t, searcher.got.UseHybrid)

	var decoded retrieval.Result
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "X is Y", decoded.Answer)
}

func TestSearchTool_DefaultSourcesNotMutated(t *testing.T) {
	defaults := retrieval.DefaultQuery("")
	// Spare capacity in the default sources must not be written through.
	defaults.Sources = append(make([]string, 0, 4), "base")

	searcher := &fakeSearcher{result: &retrieval.Result{}}
	st := NewSearchTool(searcher, defaults)

	_, err := st.Execute(context.Background(), map[string]any{
		"query":   "first",
		"sources": []any{"extra-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "extra-1"}, searcher.got.Sources)

	_, err = st.Execute(context.Background(), map[string]any{
		"query":   "second",
		"sources": []any{"extra-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "extra-2"}, searcher.got.Sources)

	assert.Equal(t, []string{"base"}, defaults.Sources)
}

func TestSearchTool_MissingQuery(t *testing.T) {
	st := NewSearchTool(&fakeSearcher{}, retrieval.DefaultQuery(""))
	_, err := st.Execute(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestSearchTool_SearcherError(t *testing.T) {
	st := NewSearchTool(&fakeSearcher{err: fmt.Errorf("down")}, retrieval.DefaultQuery(""))
	_, err := st.Execute(context.Background(), map[string]any{"query": "q"})
	assert.Error(t, err)
}

func TestSearchToolDefinition(t *testing.T) {
	st := NewSearchTool(&fakeSearcher{}, retrieval.DefaultQuery(""))
	def := st.Definition()
	assert.Equal(t, "search", def.Name)
	props := def.Parameters["properties"].(map[string]any)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "sources")
}
