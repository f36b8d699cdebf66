package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/groundwork-ai/groundwork/pkg/llm"
)

// HyDE implements Hypothetical Document Embeddings.
//
// Instead of searching with the query embedding directly, HyDE asks the LLM
// to draft a passage that would answer the question and embeds that passage
// instead. The draft's embedding sits closer to relevant chunks than the
// bare question does, which helps recall for question-shaped queries.
//
// Paper: "Precise Zero-Shot Dense Retrieval without Relevance Labels"
// https://arxiv.org/abs/2212.10496
type HyDE struct {
	provider llm.Provider
}

// NewHyDE creates a new HyDE expander.
func NewHyDE(provider llm.Provider) *HyDE {
	return &HyDE{provider: provider}
}

const hydePromptFormat = `Write a concise, hypothetical document that would be highly relevant to answer the following query: "%s"

The document should:
- Be brief (1-2 paragraphs)
- Directly address the core of the query
- Sound like a real document excerpt
- Not mention that it's hypothetical

Document:`

// Expand generates a hypothetical answer passage for the query. The caller
// degrades to the original query on error.
func (h *HyDE) Expand(ctx context.Context, query string) (string, error) {
	if h.provider == nil {
		return "", fmt.Errorf("LLM is required for HyDE")
	}

	prompt := fmt.Sprintf(hydePromptFormat, sanitizeInput(query))
	passage, _, err := h.provider.Complete(ctx, []llm.Message{llm.UserMessage(prompt)}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate hypothetical document: %w", err)
	}

	passage = strings.TrimSpace(passage)
	if passage == "" {
		return "", fmt.Errorf("hypothetical document came back empty")
	}
	return passage, nil
}
