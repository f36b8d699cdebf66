package agent

import (
	"context"
	"sync"

	"github.com/groundwork-ai/groundwork/pkg/llm"
)

// HistoryStore receives finished message logs. The core only ever reads and
// writes by session ID; it never queries by content.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, messages []llm.Message) error
	Load(ctx context.Context, sessionID string) ([]llm.Message, error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryHistory keeps message logs in process memory. Suitable for tests
// and single-node deployments.
type MemoryHistory struct {
	mu   sync.RWMutex
	logs map[string][]llm.Message
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{logs: make(map[string][]llm.Message)}
}

func (h *MemoryHistory) Append(ctx context.Context, sessionID string, messages []llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs[sessionID] = append(h.logs[sessionID], messages...)
	return nil
}

func (h *MemoryHistory) Load(ctx context.Context, sessionID string) ([]llm.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log := h.logs[sessionID]
	out := make([]llm.Message, len(log))
	copy(out, log)
	return out, nil
}

func (h *MemoryHistory) Delete(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.logs, sessionID)
	return nil
}

var _ HistoryStore = (*MemoryHistory)(nil)
