package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/tool"
)

// scriptedProvider plays back one scripted stream per generation request.
// When the script runs out, the last entry repeats.
type scriptedTurn struct {
	tokens   []string
	toolCall *llm.ToolCall
	err      error
	block    bool // after tokens, block until the context is cancelled
}

type scriptedProvider struct {
	mu       sync.Mutex
	script   []scriptedTurn
	streams  int
	gotTools [][]llm.ToolDefinition
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (string, []llm.ToolCall, error) {
	return "", nil, fmt.Errorf("not used")
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	turn := p.script[len(p.script)-1]
	if p.streams < len(p.script) {
		turn = p.script[p.streams]
	}
	p.streams++
	p.gotTools = append(p.gotTools, tools)
	p.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		if turn.err != nil {
			ch <- llm.StreamChunk{Type: llm.ChunkError, Err: turn.err}
			return
		}
		for _, tok := range turn.tokens {
			select {
			case ch <- llm.StreamChunk{Type: llm.ChunkText, Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		if turn.block {
			<-ctx.Done()
			return
		}
		if turn.toolCall != nil {
			ch <- llm.StreamChunk{Type: llm.ChunkToolCall, ToolCall: turn.toolCall}
		}
		ch <- llm.StreamChunk{Type: llm.ChunkDone}
	}()
	return ch, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) streamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams
}

// countingTool records executions.
type countingTool struct {
	mu    sync.Mutex
	count int
	err   error
}

func (t *countingTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: "search", Description: "test tool"}
}

func (t *countingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if t.err != nil {
		return "", t.err
	}
	return fmt.Sprintf("result %d", t.count), nil
}

func (t *countingTool) executions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func tokensOf(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventToken {
			out = append(out, ev.Token)
		}
	}
	return out
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestSession_PlainTurn(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedTurn{
		{tokens: []string{"Hello", " ", "world"}},
	}}
	history := NewMemoryHistory()
	s := NewSession("s1", provider, nil, history, Config{})

	ch, err := s.Turn(context.Background(), "hi")
	require.NoError(t, err)
	events := drain(t, ch)

	assert.Equal(t, []string{"Hello", " ", "world"}, tokensOf(events))
	assert.Equal(t, 1, countType(events, EventNodeStart))
	assert.Equal(t, 1, countType(events, EventNodeEnd))
	assert.Equal(t, 1, countType(events, EventHistory))
	assert.Zero(t, countType(events, EventStopped))

	log, err := history.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, llm.RoleUser, log[0].Role)
	assert.Equal(t, llm.RoleAssistant, log[1].Role)
	assert.Equal(t, "Hello world", log[1].Content)
}

func TestSession_ToolLoop(t *testing.T) {
	call := &llm.ToolCall{ID: "tc1", Name: "search", Args: map[string]any{"query": "x"}}
	provider := &scriptedProvider{script: []scriptedTurn{
		{toolCall: call},
		{tokens: []string{"answer"}},
	}}
	searchTool := &countingTool{}
	registry := tool.NewRegistry()
	registry.Register(searchTool)

	s := NewSession("s1", provider, registry, nil, Config{})
	ch, err := s.Turn(context.Background(), "question")
	require.NoError(t, err)
	events := drain(t, ch)

	assert.Equal(t, 1, searchTool.executions())
	assert.Equal(t, 1, countType(events, EventToolStart))
	assert.Equal(t, 1, countType(events, EventToolEnd))
	assert.Equal(t, []string{"answer"}, tokensOf(events))

	// Call and result appear as an adjacent pair in the log.
	log := s.Messages()
	require.Len(t, log, 4)
	assert.Equal(t, llm.RoleAssistant, log[1].Role)
	require.Len(t, log[1].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, log[2].Role)
	assert.Equal(t, "tc1", log[2].ToolCallID)
	assert.Equal(t, "result 1", log[2].Content)
}

// A model that never stops calling tools must terminate after exactly
// MaxToolIterations executions plus one final generation with no tools
// offered.
func TestSession_ToolLoopCap(t *testing.T) {
	call := &llm.ToolCall{ID: "tc", Name: "search", Args: map[string]any{"query": "x"}}
	provider := &scriptedProvider{script: []scriptedTurn{
		{toolCall: call},
	}}
	searchTool := &countingTool{}
	registry := tool.NewRegistry()
	registry.Register(searchTool)

	s := NewSession("s1", provider, registry, nil, Config{})
	ch, err := s.Turn(context.Background(), "question")
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, 3, searchTool.executions())
	require.Equal(t, 4, provider.streamCalls())

	// The first three generations advertise tools, the final one does not.
	for i := 0; i < 3; i++ {
		assert.NotEmpty(t, provider.gotTools[i], "generation %d should offer tools", i)
	}
	assert.Empty(t, provider.gotTools[3])
}

func TestSession_Cancellation(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedTurn{
		{tokens: []string{"one", "two", "three"}, block: true},
	}}
	history := NewMemoryHistory()
	s := NewSession("s1", provider, nil, history, Config{})

	ch, err := s.Turn(context.Background(), "question")
	require.NoError(t, err)

	var events []Event
	received := 0
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == EventToken {
			received++
			if received == 3 {
				s.Cancel()
			}
		}
	}

	// Exactly one stopped event, nothing after it.
	require.Equal(t, 1, countType(events, EventStopped))
	assert.Equal(t, EventStopped, events[len(events)-1].Type)
	assert.Equal(t, []string{"one", "two", "three"}, tokensOf(events))

	// Partial assistant text is persisted alongside the user message.
	log, err := history.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "onetwothree", log[1].Content)
}

func TestSession_CancelDiscardsInFlightToolPair(t *testing.T) {
	call := &llm.ToolCall{ID: "tc", Name: "slow", Args: nil}
	provider := &scriptedProvider{script: []scriptedTurn{
		{toolCall: call},
	}}

	s := NewSession("s1", provider, tool.NewRegistry(), nil, Config{})
	registry := tool.NewRegistry()
	registry.Register(&slowTool{started: make(chan struct{})})
	s.tools = registry

	slow, _ := registry.Get("slow")
	ch, err := s.Turn(context.Background(), "question")
	require.NoError(t, err)

	go func() {
		<-slow.(*slowTool).started
		s.Cancel()
	}()
	events := drain(t, ch)

	assert.Equal(t, 1, countType(events, EventStopped))

	// Neither the tool call nor a result made it into the log.
	log := s.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, llm.RoleUser, log[0].Role)
}

type slowTool struct {
	started chan struct{}
}

func (t *slowTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: "slow", Description: "blocks until cancelled"}
}

func (t *slowTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	close(t.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSession_ToolFailureSyntheticResult(t *testing.T) {
	call := &llm.ToolCall{ID: "tc", Name: "search", Args: map[string]any{"query": "x"}}
	provider := &scriptedProvider{script: []scriptedTurn{
		{toolCall: call},
		{tokens: []string{"answer"}},
	}}
	searchTool := &countingTool{err: fmt.Errorf("backend down")}
	registry := tool.NewRegistry()
	registry.Register(searchTool)

	s := NewSession("s1", provider, registry, nil, Config{})
	ch, err := s.Turn(context.Background(), "question")
	require.NoError(t, err)
	events := drain(t, ch)

	// The turn still completes; the history is structurally complete.
	assert.Equal(t, []string{"answer"}, tokensOf(events))
	log := s.Messages()
	require.Len(t, log, 4)
	assert.Equal(t, llm.RoleTool, log[2].Role)
	assert.Contains(t, log[2].Content, "error")
}

func TestSession_StreamErrorFailsTurn(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedTurn{
		{err: fmt.Errorf("connection reset")},
	}}
	s := NewSession("s1", provider, nil, nil, Config{})

	ch, err := s.Turn(context.Background(), "question")
	require.NoError(t, err)
	events := drain(t, ch)

	require.Equal(t, 1, countType(events, EventError))
	assert.Equal(t, EventError, events[len(events)-1].Type)
}

func TestSession_OneTurnAtATime(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedTurn{
		{tokens: []string{"x"}, block: true},
	}}
	s := NewSession("s1", provider, nil, nil, Config{})

	ch, err := s.Turn(context.Background(), "first")
	require.NoError(t, err)

	_, err = s.Turn(context.Background(), "second")
	assert.Error(t, err)

	s.Cancel()
	drain(t, ch)

	// After the channel closes the session accepts the next turn.
	provider.mu.Lock()
	provider.script = []scriptedTurn{{tokens: []string{"ok"}}}
	provider.streams = 0
	provider.mu.Unlock()

	ch2, err := s.Turn(context.Background(), "third")
	require.NoError(t, err)
	drain(t, ch2)
}

func TestSession_NextTurnOnlyAfterStreamClose(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedTurn{
		{tokens: []string{"a", "b"}},
	}}
	s := NewSession("s1", provider, nil, nil, Config{})

	// A consumer that drains to end-of-stream may start the next turn
	// immediately: observing the close means the session has already been
	// released, in the same critical section.
	for i := 0; i < 50; i++ {
		ch, err := s.Turn(context.Background(), "question")
		require.NoError(t, err, "turn %d rejected after previous stream closed", i)

		for range ch {
		}
	}
}

func TestSession_EmptyUserMessage(t *testing.T) {
	s := NewSession("s1", &scriptedProvider{script: []scriptedTurn{{}}}, nil, nil, Config{})
	_, err := s.Turn(context.Background(), "")
	assert.Error(t, err)
}

func TestManager(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedTurn{{tokens: []string{"ok"}}}}
	history := NewMemoryHistory()
	m := NewManager(provider, nil, history, Config{})

	s := m.Create()
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get("missing")
	assert.Error(t, err)

	require.NoError(t, m.Delete(context.Background(), s.ID()))
	assert.Zero(t, m.Len())
	assert.Error(t, m.Delete(context.Background(), s.ID()))
}
