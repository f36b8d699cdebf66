package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// Config configures an OpenAI-compatible embedder.
type Config struct {
	// Host is the API base URL, e.g. "https://api.openai.com/v1".
	Host string `yaml:"host"`

	// APIKey for bearer authentication (optional for local servers).
	APIKey string `yaml:"api_key,omitempty"`

	// Model name sent with each request.
	Model string `yaml:"model"`

	// Dimension of the produced vectors. Fixed per deployment.
	Dimension int `yaml:"dimension"`

	// BatchSize caps texts per request (default 64).
	BatchSize int `yaml:"batch_size,omitempty"`

	// Timeout in seconds per request (default 10).
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries for transient failures (default 3).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	cfg    Config
	client *http.Client
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIEmbedder creates an embedder from cfg.
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("embedder: host is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedder: model is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedder: dimension must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedder: empty batch")
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.cfg.BatchSize {
		end := min(i+e.cfg.BatchSize, len(texts))
		vectors, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Model: e.cfg.Model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("embedder: failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(base)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(base + jitter):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host+"/embeddings", bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("embedder: failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("embedder: request failed: %w", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("embedder: failed to read response: %w", readErr)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var errResp embedResponse
			if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
				lastErr = fmt.Errorf("embedder: API error: %s (type: %s)", errResp.Error.Message, errResp.Error.Type)
			} else {
				lastErr = fmt.Errorf("embedder: API returned status %d: %s", resp.StatusCode, string(body))
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, lastErr
			}
			continue
		}

		var response embedResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("embedder: failed to decode response: %w", err)
		}
		if len(response.Data) != len(batch) {
			return nil, fmt.Errorf("embedder: received %d embeddings for %d inputs", len(response.Data), len(batch))
		}

		// Results are keyed by index so out-of-order responses land correctly.
		vectors := make([][]float32, len(batch))
		for _, item := range response.Data {
			if item.Index >= 0 && item.Index < len(vectors) {
				vectors[item.Index] = item.Embedding
			}
		}
		return vectors, nil
	}
	return nil, lastErr
}

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.cfg.Dimension }

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string { return e.cfg.Model }

// Close implements Embedder.
func (e *OpenAIEmbedder) Close() error { return nil }

var _ Embedder = (*OpenAIEmbedder)(nil)
