package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// Config configures an OpenAI-compatible provider.
type Config struct {
	// Host is the API base URL, e.g. "https://api.openai.com/v1".
	Host string `yaml:"host"`

	// APIKey for bearer authentication (optional for local servers).
	APIKey string `yaml:"api_key,omitempty"`

	// Model name sent with each request.
	Model string `yaml:"model"`

	// Temperature for sampling. Nil uses the provider default.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps the completion length. Zero omits the field.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout in seconds for non-streaming requests (default 60).
	Timeout int `yaml:"timeout,omitempty"`

	// StreamTimeout in seconds for the whole streaming request (default 120).
	StreamTimeout int `yaml:"stream_timeout,omitempty"`

	// MaxRetries for transient failures on non-streaming requests (default 3).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	cfg          Config
	client       *http.Client
	streamClient *http.Client
}

// NewOpenAIProvider creates a provider from cfg.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("llm: host is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 120
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &OpenAIProvider{
		cfg:          cfg,
		client:       &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		streamClient: &http.Client{Timeout: time.Duration(cfg.StreamTimeout) * time.Second},
	}, nil
}

// ModelName reports the configured model.
func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

// Close implements Provider.
func (p *OpenAIProvider) Close() error { return nil }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, error) {
	request := p.buildRequest(messages, false, tools)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, err
	}
	if response.Error != nil {
		return "", nil, fmt.Errorf("llm: API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", nil, fmt.Errorf("llm: no response choices returned")
	}

	choice := response.Choices[0]
	toolCalls, err := parseToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return choice.Message.Content, nil, err
	}
	return choice.Message.Content, toolCalls, nil
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools)

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		if err := p.makeStreamingRequest(ctx, request, out); err != nil {
			select {
			case out <- StreamChunk{Type: ChunkError, Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition) openAIRequest {
	wire := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		m := openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Args)
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		wire = append(wire, m)
	}

	request := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    wire,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	}
	if p.cfg.MaxTokens > 0 {
		maxTokens := p.cfg.MaxTokens
		request.MaxTokens = &maxTokens
	}
	if len(tools) > 0 {
		request.Tools = make([]openAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = openAITool{Type: "function", Function: openAIToolFunction(tool)}
		}
		request.ToolChoice = "auto"
	}
	return request
}

func parseToolCalls(wire []openAIToolCall) ([]ToolCall, error) {
	if len(wire) == 0 {
		return nil, nil
	}
	result := make([]ToolCall, len(wire))
	for i, tc := range wire {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("llm: failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		result[i] = ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
	}
	return result, nil
}

func parseErrorResponse(body []byte) *openAIError {
	var errorResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("llm: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Host+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("llm: failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := p.newHTTPRequest(ctx, request)
		if err != nil {
			return nil, err
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("llm: HTTP request failed: %w", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("llm: failed to read response: %w", readErr)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			if apiErr := parseErrorResponse(body); apiErr != nil {
				lastErr = fmt.Errorf("llm: API request failed with status %d: %s (type: %s, code: %s)",
					resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
			} else {
				lastErr = fmt.Errorf("llm: API request failed with status %d: %s", resp.StatusCode, string(body))
			}
			// Client errors are not transient.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, lastErr
			}
			continue
		}

		var response openAIResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("llm: failed to unmarshal response: %w", err)
		}
		return &response, nil
	}
	return nil, lastErr
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, out chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return fmt.Errorf("llm: API request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
		}
		return fmt.Errorf("llm: API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	reader := bufio.NewReader(resp.Body)
	toolCalls := make([]*openAIToolCall, 0, 4)
	totalTokens := 0

	emit := func(chunk StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("llm: failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return fmt.Errorf("llm: API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(StreamChunk{Type: ChunkText, Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				call := deltaCall
				toolCalls = append(toolCalls, &call)
			} else if len(toolCalls) > 0 {
				toolCalls[len(toolCalls)-1].Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			break
		}
	}

	if len(toolCalls) > 0 {
		accumulated := make([]openAIToolCall, len(toolCalls))
		for i, tc := range toolCalls {
			accumulated[i] = *tc
		}
		parsed, err := parseToolCalls(accumulated)
		if err != nil {
			return err
		}
		for i := range parsed {
			if !emit(StreamChunk{Type: ChunkToolCall, ToolCall: &parsed[i]}) {
				return ctx.Err()
			}
		}
	}

	emit(StreamChunk{Type: ChunkDone, Tokens: totalTokens})
	return nil
}

// sleepBackoff waits with exponential backoff and jitter, honoring ctx.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}

var _ Provider = (*OpenAIProvider)(nil)
