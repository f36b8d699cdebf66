// Package embedder provides text embedding for dense retrieval.
//
// Embedders are shared singletons with internal connection pooling; create
// one at startup and pass it by reference. All methods are safe for
// concurrent use.
package embedder

import (
	"context"
)

// Embedder converts text into dense vectors of a fixed dimension.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	// The batch must be non-empty; oversized batches are split internally.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}
