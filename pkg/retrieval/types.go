package retrieval

// Query is one retrieval request. The zero value of every toggle is "off";
// callers that want the service defaults go through DefaultQuery.
type Query struct {
	Text        string   `json:"query"`
	Sources     []string `json:"sources,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	UseCache    bool     `json:"use_cache,omitempty"`
	UseHybrid   bool     `json:"use_hybrid,omitempty"`
	UseReranker bool     `json:"use_reranker,omitempty"`
	UseHyDE     bool     `json:"use_hyde,omitempty"`
	RerankTopK  int      `json:"rerank_top_k,omitempty"`
}

// DefaultQuery returns a query for text with every feature enabled except
// HyDE, mirroring the service's default request shape.
func DefaultQuery(text string) Query {
	return Query{
		Text:        text,
		TopK:        5,
		UseCache:    true,
		UseHybrid:   true,
		UseReranker: true,
	}
}

// Hit is one ranked evidence passage. Score carries the final ordering
// value; the per-stage scores are nil when that stage did not run for this
// hit, and absent scores never participate in ordering.
type Hit struct {
	ChunkID     string   `json:"chunk_id,omitempty"`
	Name        string   `json:"name"`
	Excerpt     string   `json:"excerpt"`
	Score       float64  `json:"score"`
	DenseScore  *float64 `json:"dense_score,omitempty"`
	SparseScore *float64 `json:"sparse_score,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// Result is the pipeline's answer to one Query.
type Result struct {
	Answer   string            `json:"answer"`
	Sources  []Hit             `json:"sources"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Metadata keys and values describing which features fired.
const (
	MetaCache  = "cache"
	MetaHyDE   = "hyde"
	MetaRerank = "rerank"
	MetaAnswer = "answer"
	MetaDense  = "dense"
	MetaSparse = "sparse"

	MetaHit    = "hit"
	MetaMiss   = "miss"
	MetaOK     = "ok"
	MetaFailed = "failed"
	MetaOff    = "off"
)
