package llm

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls carries the calls an assistant message requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamChunk is one unit of a streaming completion.
type StreamChunk struct {
	Type     StreamChunkType
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

// StreamChunkType discriminates StreamChunk payloads.
type StreamChunkType string

const (
	ChunkText     StreamChunkType = "text"
	ChunkToolCall StreamChunkType = "tool_call"
	ChunkDone     StreamChunkType = "done"
	ChunkError    StreamChunkType = "error"
)

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage builds a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolMessage builds a tool result message answering callID.
func ToolMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}
