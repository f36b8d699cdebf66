// Package vector defines the vector store contract used for dense retrieval
// and provides Qdrant and embedded (chromem) implementations.
//
// The store's native similarity score is surfaced as-is; callers normalize.
package vector

import "context"

// Chunk is the stored unit: a bounded slice of a document with its embedding.
type Chunk struct {
	// ID is the stable, collection-unique chunk identifier.
	ID string

	// Source names the origin document shared by all chunks produced from it.
	Source string

	// Text is the chunk body.
	Text string

	// Vector is the dense embedding, fixed dimension per deployment.
	Vector []float32

	// Seq is a monotonic ingest sequence number used as a refresh watermark.
	Seq int64
}

// Hit is one similarity search result.
type Hit struct {
	ID     string
	Source string
	Text   string

	// Score is the store's native similarity (cosine for both adapters).
	Score float32
}

// Store is the narrow contract the retrieval core depends on.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Upsert adds or replaces chunks. Chunks without a Seq are assigned one.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns up to topK nearest chunks. An empty sources set means
	// all sources; otherwise only chunks from the named sources match.
	Search(ctx context.Context, vector []float32, topK int, sources []string) ([]Hit, error)

	// ListChunks streams chunks with Seq greater than since, in unspecified
	// order. Both channels are closed when the scan finishes; the error
	// channel carries at most one error.
	ListChunks(ctx context.Context, since int64) (<-chan Chunk, <-chan error)

	// DeleteBySource removes every chunk belonging to the named source.
	DeleteBySource(ctx context.Context, source string) error

	// Name identifies the adapter.
	Name() string

	// Close releases client resources.
	Close() error
}
