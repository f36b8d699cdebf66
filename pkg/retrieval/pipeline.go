// Package retrieval implements the hybrid retrieval pipeline: cache probe,
// optional HyDE expansion, parallel dense and sparse search, reciprocal
// rank fusion, optional LLM rerank, and grounded answer generation.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/groundwork-ai/groundwork/pkg/cache"
	"github.com/groundwork-ai/groundwork/pkg/embedder"
	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/observability"
	"github.com/groundwork-ai/groundwork/pkg/vector"
)

// SparseSearcher is the keyword retrieval path. *bm25.Index satisfies it.
type SparseSearcher interface {
	Search(ctx context.Context, query string, topK int, sources []string) ([]vector.Hit, error)
}

// Config tunes the pipeline. Zero values select the defaults below.
type Config struct {
	// DefaultTopK applies when a query leaves TopK unset.
	DefaultTopK int `yaml:"default_top_k"`

	// CandidateFloor is the minimum request size sent to each retrieval
	// path so fusion has headroom beyond top-k.
	CandidateFloor int `yaml:"candidate_floor"`

	// MaxExcerptLen bounds the passage text returned in hits and quoted
	// into the answer prompt.
	MaxExcerptLen int `yaml:"max_excerpt_len"`

	// Per-stage timeouts.
	EmbedTimeout  time.Duration `yaml:"embed_timeout"`
	VectorTimeout time.Duration `yaml:"vector_timeout"`
	SparseTimeout time.Duration `yaml:"sparse_timeout"`
	LLMTimeout    time.Duration `yaml:"llm_timeout"`
}

func (c *Config) setDefaults() {
	if c.DefaultTopK == 0 {
		c.DefaultTopK = 5
	}
	if c.CandidateFloor == 0 {
		c.CandidateFloor = 20
	}
	if c.MaxExcerptLen == 0 {
		c.MaxExcerptLen = 500
	}
	if c.EmbedTimeout == 0 {
		c.EmbedTimeout = 10 * time.Second
	}
	if c.VectorTimeout == 0 {
		c.VectorTimeout = 5 * time.Second
	}
	if c.SparseTimeout == 0 {
		c.SparseTimeout = time.Second
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 60 * time.Second
	}
}

// Pipeline orchestrates one retrieval request end to end. It is safe for
// concurrent use; every collaborator is a shared singleton.
type Pipeline struct {
	embed    embedder.Embedder
	store    vector.Store
	sparse   SparseSearcher
	provider llm.Provider
	cache    *cache.Cache
	hyde     *HyDE
	reranker *Reranker
	cfg      Config
}

// NewPipeline wires the pipeline. cache and sparse may be nil; the
// corresponding features then report failure softly when requested.
func NewPipeline(
	embed embedder.Embedder,
	store vector.Store,
	sparse SparseSearcher,
	provider llm.Provider,
	resultCache *cache.Cache,
	cfg Config,
) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		embed:    embed,
		store:    store,
		sparse:   sparse,
		provider: provider,
		cache:    resultCache,
		hyde:     NewHyDE(provider),
		reranker: NewReranker(provider),
		cfg:      cfg,
	}
}

// Execute runs the full pipeline for one query.
func (p *Pipeline) Execute(ctx context.Context, q Query) (*Result, error) {
	started := time.Now()
	result, err := p.execute(ctx, q)
	observability.Global().RecordQuery(ctx, time.Since(started), err)
	return result, err
}

func (p *Pipeline) execute(ctx context.Context, q Query) (*Result, error) {
	if err := p.validate(&q); err != nil {
		return nil, err
	}
	meta := map[string]string{}

	// Stage 1: cache probe.
	var key string
	if q.UseCache && p.cache != nil {
		key = cache.Fingerprint(cache.KeySpec{
			Query:       q.Text,
			Sources:     q.Sources,
			TopK:        q.TopK,
			UseHybrid:   q.UseHybrid,
			UseReranker: q.UseReranker,
			UseHyDE:     q.UseHyDE,
			RerankTopK:  q.RerankTopK,
		})
		if payload, ok := p.cache.Get(ctx, key); ok {
			observability.Global().RecordCacheLookup(ctx, true)
			var cached Result
			if err := json.Unmarshal(payload, &cached); err == nil {
				if cached.Metadata == nil {
					cached.Metadata = map[string]string{}
				}
				cached.Metadata[MetaCache] = MetaHit
				return &cached, nil
			}
			slog.Warn("Discarding undecodable cached result", "key", key)
		}
		observability.Global().RecordCacheLookup(ctx, false)
		meta[MetaCache] = MetaMiss
	}

	// Stage 2: HyDE expansion. The expanded passage drives dense search
	// only; sparse search and the answer prompt keep the original text.
	denseQuery := q.Text
	if q.UseHyDE {
		passage, err := p.expandHyDE(ctx, q.Text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, newPipelineError("hyde", KindCancelled, q.Text, ctxErr)
			}
			slog.Warn("HyDE expansion failed, using original query", "error", err)
			meta[MetaHyDE] = MetaFailed
		} else {
			denseQuery = passage
			meta[MetaHyDE] = MetaOK
		}
	}

	// Stage 3: parallel retrieval.
	cands, err := p.retrieve(ctx, q, denseQuery, meta)
	if err != nil {
		return nil, err
	}

	// Stage 5: rerank.
	if q.UseReranker && len(cands) > 0 {
		cands = p.rerankStage(ctx, q, cands, meta)
	}
	if len(cands) > q.TopK {
		cands = cands[:q.TopK]
	}

	result := &Result{
		Sources:  p.toHits(cands, q.UseReranker),
		Metadata: meta,
	}

	// Stage 6: answer generation.
	answer, err := p.generateAnswer(ctx, q.Text, cands)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, newPipelineError("answer", KindCancelled, q.Text, ctxErr)
		}
		slog.Warn("Answer generation failed, returning hits without answer", "error", err)
		meta[MetaAnswer] = MetaFailed
	} else {
		result.Answer = answer
	}

	// Stage 7: cache writeback. Failures are logged inside the cache and
	// never propagate. Results without an answer are not written back, so
	// a transient LLM outage is not pinned for the full TTL.
	if key != "" && meta[MetaAnswer] != MetaFailed {
		if payload, err := json.Marshal(result); err == nil {
			p.cache.Put(ctx, key, payload, p.cache.TTL())
		}
	}
	return result, nil
}

func (p *Pipeline) validate(q *Query) error {
	if strings.TrimSpace(q.Text) == "" {
		return newPipelineError("validate", KindValidation, q.Text, fmt.Errorf("query text is empty"))
	}
	if q.TopK < 0 {
		return newPipelineError("validate", KindValidation, q.Text, fmt.Errorf("top_k must be positive, got %d", q.TopK))
	}
	if q.TopK == 0 {
		q.TopK = p.cfg.DefaultTopK
	}
	if q.RerankTopK <= 0 || q.RerankTopK > q.TopK {
		q.RerankTopK = q.TopK
	}
	return nil
}

func (p *Pipeline) expandHyDE(ctx context.Context, query string) (string, error) {
	hydeCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()
	started := time.Now()
	passage, err := p.hyde.Expand(hydeCtx, query)
	observability.Global().RecordLLMCall(ctx, p.provider.ModelName(), "hyde", time.Since(started), err)
	return passage, err
}

// retrieve fans dense and sparse search out concurrently and fuses the
// results. One failed path degrades to the other; both failing ends the
// pipeline.
func (p *Pipeline) retrieve(ctx context.Context, q Query, denseQuery string, meta map[string]string) ([]candidate, error) {
	fetchK := q.TopK
	if fetchK < p.cfg.CandidateFloor {
		fetchK = p.cfg.CandidateFloor
	}

	var (
		wg         sync.WaitGroup
		denseHits  []vector.Hit
		sparseHits []vector.Hit
		denseErr   error
		sparseErr  error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		started := time.Now()
		denseHits, denseErr = p.denseSearch(ctx, denseQuery, fetchK, q.Sources)
		observability.Global().RecordRetrievalPath(ctx, "dense", time.Since(started))
	}()

	if q.UseHybrid {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			sparseCtx, cancel := context.WithTimeout(ctx, p.cfg.SparseTimeout)
			defer cancel()
			if p.sparse == nil {
				sparseErr = fmt.Errorf("sparse index not configured")
			} else {
				sparseHits, sparseErr = p.sparse.Search(sparseCtx, q.Text, fetchK, q.Sources)
			}
			observability.Global().RecordRetrievalPath(ctx, "sparse", time.Since(started))
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, newPipelineError("retrieval", KindCancelled, q.Text, err)
	}

	if !q.UseHybrid {
		if denseErr != nil {
			return nil, newPipelineError("retrieval", denseFailureKind(denseErr), q.Text, denseErr)
		}
		return singlePath(denseHits, true), nil
	}

	switch {
	case denseErr != nil && sparseErr != nil:
		return nil, newPipelineError("retrieval", KindRetrievalUnavailable, q.Text,
			errors.Join(denseErr, sparseErr))
	case denseErr != nil:
		slog.Warn("Dense retrieval failed, degrading to sparse only", "error", denseErr)
		meta[MetaDense] = MetaFailed
		return singlePath(sparseHits, false), nil
	case sparseErr != nil:
		slog.Warn("Sparse retrieval failed, degrading to dense only", "error", sparseErr)
		meta[MetaSparse] = MetaFailed
		return singlePath(denseHits, true), nil
	}
	return fuseRRF(denseHits, sparseHits), nil
}

// denseSearch embeds the query and searches the vector store. Native
// similarities are clamped into [0,1].
func (p *Pipeline) denseSearch(ctx context.Context, query string, topK int, sources []string) ([]vector.Hit, error) {
	embedCtx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	defer cancel()
	vectors, err := p.embed.Embed(embedCtx, []string{query})
	if err != nil {
		return nil, newPipelineError("dense", KindEmbeddingFailed, query, err)
	}
	if len(vectors) == 0 {
		return nil, newPipelineError("dense", KindEmbeddingFailed, query, fmt.Errorf("embedder returned no vectors"))
	}

	searchCtx, cancel := context.WithTimeout(ctx, p.cfg.VectorTimeout)
	defer cancel()
	hits, err := p.store.Search(searchCtx, vectors[0], topK, sources)
	if err != nil {
		return nil, newPipelineError("dense", KindVectorStoreFailed, query, err)
	}

	for i := range hits {
		hits[i].Score = clamp01(hits[i].Score)
	}
	return hits, nil
}

func denseFailureKind(err error) Kind {
	if kind := KindOf(err); kind != KindInternal {
		return kind
	}
	return KindVectorStoreFailed
}

func (p *Pipeline) rerankStage(ctx context.Context, q Query, cands []candidate, meta map[string]string) []candidate {
	rerankCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()

	started := time.Now()
	reranked, fellBack := p.reranker.Rerank(rerankCtx, q.Text, cands)
	observability.Global().RecordLLMCall(ctx, p.provider.ModelName(), "rerank", time.Since(started), nil)

	if fellBack {
		meta[MetaRerank] = MetaFailed
	} else {
		meta[MetaRerank] = MetaOK
	}
	if len(reranked) > q.RerankTopK {
		reranked = reranked[:q.RerankTopK]
	}
	return reranked
}

const answerSystemPrompt = `You are a careful assistant that answers questions using only the provided context passages. Cite the source name when you use a passage. If the context does not contain the answer, say that no relevant information was found.`

// generateAnswer builds the grounded prompt and runs the non-streaming
// completion.
func (p *Pipeline) generateAnswer(ctx context.Context, question string, cands []candidate) (string, error) {
	var sb strings.Builder
	if len(cands) == 0 {
		sb.WriteString("(no context passages were retrieved)\n")
	}
	for _, c := range cands {
		excerpt := truncateText(c.text, p.cfg.MaxExcerptLen)
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", c.source, excerpt)
	}

	prompt := fmt.Sprintf("Context:\n%s\nQuestion: %s", sb.String(), sanitizeInput(question))

	llmCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()
	started := time.Now()
	answer, _, err := p.provider.Complete(llmCtx, []llm.Message{
		llm.SystemMessage(answerSystemPrompt),
		llm.UserMessage(prompt),
	}, nil)
	observability.Global().RecordLLMCall(ctx, p.provider.ModelName(), "answer", time.Since(started), err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// toHits converts candidates into the public hit shape. The final score is
// the rerank score when the rerank stage ran, the fused score otherwise.
func (p *Pipeline) toHits(cands []candidate, reranked bool) []Hit {
	hits := make([]Hit, 0, len(cands))
	for _, c := range cands {
		excerpt := truncateText(c.text, p.cfg.MaxExcerptLen)
		h := Hit{
			ChunkID:     c.id,
			Name:        c.source,
			Excerpt:     excerpt,
			Score:       c.fused,
			DenseScore:  c.dense,
			SparseScore: c.sparse,
			RerankScore: c.rerank,
		}
		if reranked && c.rerank != nil {
			h.Score = *c.rerank
		}
		hits = append(hits, h)
	}
	return hits
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
