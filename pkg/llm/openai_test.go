package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, host string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(Config{Host: host, Model: "test-model", APIKey: "sk-test"})
	require.NoError(t, err)
	return p
}

func TestNewOpenAIProviderValidation(t *testing.T) {
	_, err := NewOpenAIProvider(Config{Model: "m"})
	assert.ErrorContains(t, err, "host is required")

	_, err = NewOpenAIProvider(Config{Host: "http://localhost"})
	assert.ErrorContains(t, err, "model is required")
}

func TestCompleteReturnsContent(t *testing.T) {
	var gotReq openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := openAIResponse{Choices: []openAIChoice{{
			Message:      openAIMessage{Role: "assistant", Content: "hello there"},
			FinishReason: "stop",
		}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	text, calls, err := p.Complete(context.Background(), []Message{
		SystemMessage("be helpful"),
		UserMessage("hi"),
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Empty(t, calls)
	assert.Equal(t, "test-model", gotReq.Model)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Empty(t, gotReq.Tools)
	assert.Empty(t, gotReq.ToolChoice)
}

func TestCompleteParsesToolCalls(t *testing.T) {
	var gotReq openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		resp := openAIResponse{Choices: []openAIChoice{{
			Message: openAIMessage{Role: "assistant", ToolCalls: []openAIToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: openAIFunctionCall{
					Name:      "search",
					Arguments: `{"query": "rotation policy", "top_k": 3}`,
				},
			}}},
			FinishReason: "tool_calls",
		}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	defs := []ToolDefinition{{
		Name:        "search",
		Description: "search the corpus",
		Parameters:  map[string]any{"type": "object"},
	}}

	p := newTestProvider(t, server.URL)
	text, calls, err := p.Complete(context.Background(), []Message{UserMessage("hi")}, defs)

	require.NoError(t, err)
	assert.Empty(t, text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, "rotation policy", calls[0].Args["query"])
	assert.Equal(t, float64(3), calls[0].Args["top_k"])

	require.Len(t, gotReq.Tools, 1)
	assert.Equal(t, "function", gotReq.Tools[0].Type)
	assert.Equal(t, "search", gotReq.Tools[0].Function.Name)
	assert.Equal(t, "auto", gotReq.ToolChoice)
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error": {"message": "overloaded", "type": "server_error"}}`)
			return
		}
		resp := openAIResponse{Choices: []openAIChoice{{
			Message: openAIMessage{Role: "assistant", Content: "recovered"},
		}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	text, _, err := p.Complete(context.Background(), []Message{UserMessage("hi")}, nil)

	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key", "type": "auth_error", "code": "invalid_api_key"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	_, _, err := p.Complete(context.Background(), []Message{UserMessage("hi")}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Contains(t, err.Error(), "invalid_api_key")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCompleteExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Config{Host: server.URL, Model: "m", MaxRetries: 2})
	require.NoError(t, err)

	_, _, err = p.Complete(context.Background(), []Message{UserMessage("hi")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, int32(2), attempts.Load())
}

func sseLine(t *testing.T, resp openAIStreamResponse) string {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return "data: " + string(data) + "\n\n"
}

func TestStreamTextChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, token := range []string{"one", "two", "three"} {
			fmt.Fprint(w, sseLine(t, openAIStreamResponse{
				Choices: []openAIStreamChoice{{Delta: openAIDelta{Content: token}}},
			}))
		}
		fmt.Fprint(w, sseLine(t, openAIStreamResponse{
			Usage:   &openAIUsage{TotalTokens: 42},
			Choices: []openAIStreamChoice{{FinishReason: "stop"}},
		}))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{UserMessage("hi")}, nil)
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 4)
	assert.Equal(t, StreamChunk{Type: ChunkText, Text: "one"}, chunks[0])
	assert.Equal(t, StreamChunk{Type: ChunkText, Text: "two"}, chunks[1])
	assert.Equal(t, StreamChunk{Type: ChunkText, Text: "three"}, chunks[2])
	assert.Equal(t, ChunkDone, chunks[3].Type)
	assert.Equal(t, 42, chunks[3].Tokens)
}

func TestStreamAccumulatesToolCallDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// The ID arrives on the first delta, arguments are spread over
		// the following ones.
		fmt.Fprint(w, sseLine(t, openAIStreamResponse{
			Choices: []openAIStreamChoice{{Delta: openAIDelta{ToolCalls: []openAIToolCall{{
				ID:       "call_9",
				Type:     "function",
				Function: openAIFunctionCall{Name: "search", Arguments: `{"que`},
			}}}}},
		}))
		fmt.Fprint(w, sseLine(t, openAIStreamResponse{
			Choices: []openAIStreamChoice{{Delta: openAIDelta{ToolCalls: []openAIToolCall{{
				Function: openAIFunctionCall{Arguments: `ry": "tls"}`},
			}}}}},
		}))
		fmt.Fprint(w, sseLine(t, openAIStreamResponse{
			Choices: []openAIStreamChoice{{FinishReason: "tool_calls"}},
		}))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{UserMessage("hi")}, nil)
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 2)
	require.Equal(t, ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "call_9", chunks[0].ToolCall.ID)
	assert.Equal(t, "search", chunks[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"query": "tls"}, chunks[0].ToolCall.Args)
	assert.Equal(t, ChunkDone, chunks[1].Type)
}

func TestStreamMidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseLine(t, openAIStreamResponse{
			Choices: []openAIStreamChoice{{Delta: openAIDelta{Content: "partial"}}},
		}))
		fmt.Fprint(w, sseLine(t, openAIStreamResponse{
			Error: &openAIError{Message: "context length exceeded"},
		}))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{UserMessage("hi")}, nil)
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkText, chunks[0].Type)
	require.Equal(t, ChunkError, chunks[1].Type)
	assert.ErrorContains(t, chunks[1].Err, "context length exceeded")
}

func TestStreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream down")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{UserMessage("hi")}, nil)
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 1)
	require.Equal(t, ChunkError, chunks[0].Type)
	assert.ErrorContains(t, chunks[0].Err, "status 502")
}

func TestStreamContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseLine(t, openAIStreamResponse{
			Choices: []openAIStreamChoice{{Delta: openAIDelta{Content: "first"}}},
		}))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(ctx, []Message{UserMessage("hi")}, nil)
	require.NoError(t, err)

	chunk := <-stream
	assert.Equal(t, "first", chunk.Text)
	cancel()

	// The stream drains with at most an error chunk and then closes.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestBuildRequestCarriesToolResults(t *testing.T) {
	p := newTestProvider(t, "http://localhost")

	messages := []Message{
		AssistantMessage("", ToolCall{ID: "call_1", Name: "search", Args: map[string]any{"query": "x"}}),
		ToolMessage("call_1", `{"answer": "y"}`),
	}
	wire := p.buildRequest(messages, false, nil)

	require.Len(t, wire.Messages, 2)
	require.Len(t, wire.Messages[0].ToolCalls, 1)
	assert.Equal(t, "call_1", wire.Messages[0].ToolCalls[0].ID)
	assert.JSONEq(t, `{"query": "x"}`, wire.Messages[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", wire.Messages[1].Role)
	assert.Equal(t, "call_1", wire.Messages[1].ToolCallID)
}
