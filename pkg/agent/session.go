// Package agent implements the conversational session: a bounded
// tool-calling loop that drives the LLM and streams events to a single
// consumer per turn, with cooperative cancellation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/observability"
	"github.com/groundwork-ai/groundwork/pkg/retrieval"
	"github.com/groundwork-ai/groundwork/pkg/tool"
)

// Config tunes session behavior. Zero values select the defaults below.
type Config struct {
	// SystemPrompt is injected ahead of the message log on every
	// generation request.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxToolIterations bounds tool executions per turn; past it the
	// final generation offers no tools.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// StreamTimeout bounds one whole turn.
	StreamTimeout time.Duration `yaml:"stream_timeout"`

	// TokenTimeout bounds the gap between consecutive stream chunks.
	TokenTimeout time.Duration `yaml:"token_timeout"`
}

func (c *Config) setDefaults() {
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = 3
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = 120 * time.Second
	}
	if c.TokenTimeout == 0 {
		c.TokenTimeout = 30 * time.Second
	}
}

// Session is one conversation. A session runs at most one turn at a time;
// its message log is append-only and tool call/result messages are only
// ever appended as complete pairs.
type Session struct {
	id       string
	provider llm.Provider
	tools    *tool.Registry
	history  HistoryStore
	cfg      Config

	mu         sync.Mutex
	messages   []llm.Message
	turn       int
	active     bool
	cancelTurn context.CancelFunc
}

// NewSession creates a session. history may be nil when persistence is
// handled elsewhere.
func NewSession(id string, provider llm.Provider, tools *tool.Registry, history HistoryStore, cfg Config) *Session {
	cfg.setDefaults()
	return &Session{
		id:       id,
		provider: provider,
		tools:    tools,
		history:  history,
		cfg:      cfg,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Messages returns a copy of the message log.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Turn starts one user turn and returns its event stream. The channel has a
// single slot, so a slow consumer stalls the LLM read loop; the consumer
// must drain until the channel closes. The channel is closed exactly once,
// after the turn's terminal event.
func (s *Session) Turn(ctx context.Context, userText string) (<-chan Event, error) {
	if userText == "" {
		return nil, fmt.Errorf("agent: empty user message")
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent: a turn is already in progress")
	}
	s.active = true
	s.turn++
	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	s.cancelTurn = cancel
	s.mu.Unlock()

	ch := make(chan Event, 1)
	go s.run(turnCtx, cancel, ch, userText)
	return ch, nil
}

// Cancel aborts the turn in flight, if any. The stream emits one stopped
// event and closes.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run drives the tool-calling loop for one turn.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc, ch chan Event, userText string) {
	outcome := "done"
	var turnLog []llm.Message

	defer func() {
		cancel()
		s.endTurn(outcome, turnLog, ch)
	}()

	userMsg := llm.UserMessage(userText)
	s.appendMessages(&turnLog, userMsg)

	toolExecs := 0
	for {
		toolsAllowed := toolExecs < s.cfg.MaxToolIterations
		var defs []llm.ToolDefinition
		if toolsAllowed && s.tools != nil {
			defs = s.tools.Definitions()
		}

		if !s.emit(ctx, ch, Event{Type: EventNodeStart, Node: "generate"}) {
			outcome = s.finishCancelled(ch, &turnLog, "")
			return
		}

		text, calls, err := s.streamGenerate(ctx, ch, defs)
		if err != nil {
			if ctx.Err() != nil {
				outcome = s.finishCancelled(ch, &turnLog, text)
				return
			}
			ch <- Event{Type: EventError, Error: err.Error()}
			outcome = "failed"
			return
		}

		if len(calls) > 0 && toolsAllowed {
			done := s.executeTools(ctx, ch, &turnLog, text, calls)
			if !done {
				outcome = s.finishCancelled(ch, &turnLog, "")
				return
			}
			toolExecs += len(calls)
			if !s.emit(ctx, ch, Event{Type: EventNodeEnd, Node: "generate"}) {
				outcome = s.finishCancelled(ch, &turnLog, "")
				return
			}
			continue
		}

		// Final answer. Tool calls emitted after the loop cap are not
		// executed; whatever text arrived is the answer.
		s.appendMessages(&turnLog, llm.AssistantMessage(text))
		if !s.emit(ctx, ch, Event{Type: EventNodeEnd, Node: "generate"}) {
			outcome = s.finishCancelled(ch, &turnLog, "")
			return
		}
		ch <- Event{Type: EventHistory, Messages: turnLog}
		return
	}
}

// streamGenerate runs one streaming completion, forwarding tokens as they
// arrive and accumulating tool calls.
func (s *Session) streamGenerate(ctx context.Context, ch chan Event, defs []llm.ToolDefinition) (string, []llm.ToolCall, error) {
	request := s.requestMessages()
	stream, err := s.provider.Stream(ctx, request, defs)
	if err != nil {
		return "", nil, fmt.Errorf("agent: stream start failed: %w", err)
	}

	var (
		text  string
		calls []llm.ToolCall
	)
	tokenTimer := time.NewTimer(s.cfg.TokenTimeout)
	defer tokenTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return text, nil, ctx.Err()
		case <-tokenTimer.C:
			return text, nil, fmt.Errorf("agent: stream stalled past %s", s.cfg.TokenTimeout)
		case chunk, ok := <-stream:
			if !ok {
				return text, calls, nil
			}
			if !tokenTimer.Stop() {
				<-tokenTimer.C
			}
			tokenTimer.Reset(s.cfg.TokenTimeout)

			switch chunk.Type {
			case llm.ChunkText:
				text += chunk.Text
				if !s.emit(ctx, ch, Event{Type: EventToken, Token: chunk.Text}) {
					return text, nil, ctx.Err()
				}
			case llm.ChunkToolCall:
				calls = append(calls, *chunk.ToolCall)
			case llm.ChunkError:
				return text, nil, chunk.Err
			case llm.ChunkDone:
				return text, calls, nil
			}
		}
	}
}

// executeTools runs one batch of tool calls and appends the call/result
// pair atomically. A cancellation mid-batch discards the whole pair;
// returns false in that case.
func (s *Session) executeTools(ctx context.Context, ch chan Event, turnLog *[]llm.Message, text string, calls []llm.ToolCall) bool {
	pair := []llm.Message{llm.AssistantMessage(text, calls...)}

	for _, call := range calls {
		if !s.emit(ctx, ch, Event{Type: EventToolStart, Tool: &ToolEvent{Name: call.Name, Args: call.Args}}) {
			return false
		}

		out, err := s.tools.Execute(ctx, call.Name, call.Args)
		if ctx.Err() != nil {
			// In-flight tool work is discarded, not appended.
			return false
		}

		toolEv := &ToolEvent{Name: call.Name, Result: out}
		if err != nil {
			// Synthetic result keeps the call/result pairing intact.
			out = fmt.Sprintf(`{"error": %q}`, retrieval.KindOf(err))
			toolEv.Result = ""
			toolEv.Error = err.Error()
			slog.Warn("Tool execution failed", "session", s.id, "tool", call.Name, "error", err)
		}
		pair = append(pair, llm.ToolMessage(call.ID, out))

		if !s.emit(ctx, ch, Event{Type: EventToolEnd, Tool: toolEv}) {
			return false
		}
	}

	s.appendMessages(turnLog, pair...)
	return true
}

// finishCancelled persists any partial assistant text, emits the single
// stopped event, and reports the turn outcome. Partial text is kept so the
// history matches what the user saw.
func (s *Session) finishCancelled(ch chan Event, turnLog *[]llm.Message, partialText string) string {
	if partialText != "" {
		s.appendMessages(turnLog, llm.AssistantMessage(partialText))
	}
	ch <- Event{Type: EventStopped}
	return "cancelled"
}

// emit sends one event, honoring the single-slot back-pressure contract.
// Returns false when the turn was cancelled instead.
func (s *Session) emit(ctx context.Context, ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// requestMessages builds the outbound message list: system prompt plus the
// full log.
func (s *Session) requestMessages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, 0, len(s.messages)+1)
	if s.cfg.SystemPrompt != "" {
		out = append(out, llm.SystemMessage(s.cfg.SystemPrompt))
	}
	return append(out, s.messages...)
}

// appendMessages appends to the session log and the turn log atomically.
func (s *Session) appendMessages(turnLog *[]llm.Message, messages ...llm.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, messages...)
	s.mu.Unlock()
	*turnLog = append(*turnLog, messages...)
}

// endTurn hands the turn's messages to the history store, closes the event
// stream, and releases the session for the next turn.
func (s *Session) endTurn(outcome string, turnLog []llm.Message, ch chan Event) {
	if s.history != nil && len(turnLog) > 0 {
		if err := s.history.Append(context.Background(), s.id, turnLog); err != nil {
			slog.Warn("Failed to persist session history", "session", s.id, "error", err)
		}
	}
	observability.Global().RecordSessionTurn(context.Background(), outcome)

	// Closing the stream and releasing the session share one critical
	// section: a consumer that drains to end-of-stream can start the next
	// turn immediately, and no event of the next turn can precede this
	// stream's close.
	s.mu.Lock()
	close(ch)
	s.active = false
	s.cancelTurn = nil
	s.mu.Unlock()
}
