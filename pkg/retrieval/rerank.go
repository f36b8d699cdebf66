package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/groundwork-ai/groundwork/pkg/bm25"
	"github.com/groundwork-ai/groundwork/pkg/llm"
)

// Reranker scores (query, passage) pairs through a single LLM call and
// reorders candidates by that score. When the LLM is unavailable it falls
// back to a deterministic lexical overlap score so the rerank stage can
// never become a hard failure.
type Reranker struct {
	provider llm.Provider

	// maxExcerptLen bounds the passage text quoted into the prompt.
	maxExcerptLen int
}

// NewReranker creates a reranker over the given provider. A nil provider
// always takes the lexical fallback.
func NewReranker(provider llm.Provider) *Reranker {
	return &Reranker{provider: provider, maxExcerptLen: 800}
}

const rerankPromptFormat = `Score how relevant each passage is to the query. Respond with one line per passage in the exact format "INDEX: SCORE" where SCORE is a number between 0.0 and 1.0. No other text.

Query: %s

%s`

// Rerank assigns every candidate a rerank score in [0,1] and reorders the
// slice by it, ties broken by chunk ID ascending. Candidates the model
// skipped or scored unparseably get 0. The second return value reports
// whether the lexical fallback was used.
func (r *Reranker) Rerank(ctx context.Context, query string, cands []candidate) ([]candidate, bool) {
	if len(cands) == 0 {
		return cands, false
	}

	fallback := false
	scores, err := r.scoreWithLLM(ctx, query, cands)
	if err != nil {
		slog.Debug("LLM rerank failed, using lexical overlap", "error", err)
		scores = lexicalScores(query, cands)
		fallback = true
	}

	out := make([]candidate, len(cands))
	copy(out, cands)
	for i := range out {
		score := scores[i]
		out[i].rerank = &score
	}
	sort.SliceStable(out, func(i, j int) bool {
		if *out[i].rerank != *out[j].rerank {
			return *out[i].rerank > *out[j].rerank
		}
		return out[i].id < out[j].id
	})
	return out, fallback
}

// scoreWithLLM runs the single-call scoring prompt.
func (r *Reranker) scoreWithLLM(ctx context.Context, query string, cands []candidate) ([]float64, error) {
	if r.provider == nil {
		return nil, fmt.Errorf("no LLM provider")
	}

	var sb strings.Builder
	for i, c := range cands {
		fmt.Fprintf(&sb, "PASSAGE %d:\n%s\n\n", i+1, truncateText(c.text, r.maxExcerptLen))
	}

	prompt := fmt.Sprintf(rerankPromptFormat, sanitizeInput(query), sb.String())
	reply, _, err := r.provider.Complete(ctx, []llm.Message{llm.UserMessage(prompt)}, nil)
	if err != nil {
		return nil, err
	}
	return parseScores(reply, len(cands)), nil
}

// parseScores reads "INDEX: SCORE" lines. Indexes are 1-based as prompted;
// anything out of range, duplicated, or unparseable leaves 0 in place.
func parseScores(reply string, n int) []float64 {
	scores := make([]float64, n)
	for _, line := range strings.Split(reply, "\n") {
		idxStr, scoreStr, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(idxStr))
		if err != nil || idx < 1 || idx > n {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(scoreStr), 64)
		if err != nil {
			continue
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[idx-1] = score
	}
	return scores
}

// lexicalScores is the deterministic fallback: the fraction of the query's
// unique tokens that appear in the passage.
func lexicalScores(query string, cands []candidate) []float64 {
	queryTokens := make(map[string]struct{})
	for _, tok := range bm25.Tokenize(query) {
		queryTokens[tok] = struct{}{}
	}

	scores := make([]float64, len(cands))
	if len(queryTokens) == 0 {
		return scores
	}
	for i, c := range cands {
		passageTokens := make(map[string]struct{})
		for _, tok := range bm25.Tokenize(c.text) {
			passageTokens[tok] = struct{}{}
		}
		overlap := 0
		for tok := range queryTokens {
			if _, ok := passageTokens[tok]; ok {
				overlap++
			}
		}
		scores[i] = float64(overlap) / float64(len(queryTokens))
	}
	return scores
}
