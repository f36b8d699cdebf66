package agent

import "github.com/groundwork-ai/groundwork/pkg/llm"

// EventType tags one streamed session event.
type EventType string

const (
	// EventToken carries one assistant text fragment.
	EventToken EventType = "token"

	// EventToolStart and EventToolEnd bracket one tool execution.
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"

	// EventNodeStart and EventNodeEnd bracket one generation pass.
	EventNodeStart EventType = "node_start"
	EventNodeEnd   EventType = "node_end"

	// EventStopped is the single terminal event of a cancelled turn.
	EventStopped EventType = "stopped"

	// EventError is the single terminal event of a failed turn.
	EventError EventType = "error"

	// EventHistory carries the turn's finished message log.
	EventHistory EventType = "history"
)

// ToolEvent is the structured payload of tool_start and tool_end events.
type ToolEvent struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Event is one item on a turn's stream. Exactly one payload field is set,
// selected by Type.
type Event struct {
	Type     EventType     `json:"type"`
	Token    string        `json:"token,omitempty"`
	Tool     *ToolEvent    `json:"tool,omitempty"`
	Node     string        `json:"node,omitempty"`
	Error    string        `json:"error,omitempty"`
	Messages []llm.Message `json:"messages,omitempty"`
}
