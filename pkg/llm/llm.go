// Package llm defines the completion contract the core depends on and an
// OpenAI-compatible HTTP implementation of it.
//
// Providers are process-wide singletons with internal connection pools:
// create one at startup and share it across callers. All methods are safe
// for concurrent use.
package llm

import "context"

// Provider is the narrow contract for a chat-completion model.
type Provider interface {
	// Complete runs a non-streaming completion and returns the generated
	// text plus any tool calls the model emitted.
	Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, error)

	// Stream runs a streaming completion. The returned channel carries text
	// deltas and tool calls in model-emitted order and is closed after a
	// terminal done or error chunk. Cancelling ctx aborts the underlying
	// request and releases the connection promptly.
	Stream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// ModelName reports the configured model identifier.
	ModelName() string

	// Close releases client resources.
	Close() error
}
