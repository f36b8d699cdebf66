package retrieval

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure by behavior, not by source type.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindValidation           Kind = "validation"
	KindCacheUnavailable     Kind = "cache_unavailable"
	KindEmbeddingFailed      Kind = "embedding_failed"
	KindVectorStoreFailed    Kind = "vector_store_failed"
	KindBM25Unavailable      Kind = "bm25_unavailable"
	KindLLMFailed            Kind = "llm_failed"
	KindRetrievalUnavailable Kind = "retrieval_unavailable"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// PipelineError is the structured error surfaced to callers when a hard
// failure ends a pipeline run.
type PipelineError struct {
	Stage string // Pipeline stage that failed (e.g., "retrieval", "answer")
	Kind  Kind   // Behavior classification
	Query string // Query that caused the error, truncated for logging
	Err   error  // Underlying error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Stage, e.Kind)
	if e.Query != "" {
		query := e.Query
		if len(query) > 50 {
			query = truncateText(query, 50) + "..."
		}
		msg += fmt.Sprintf(" (query: %q)", query)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// newPipelineError creates a PipelineError with the query pre-truncated.
func newPipelineError(stage string, kind Kind, query string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Kind: kind, Query: query, Err: err}
}

// KindOf extracts the failure kind of err; KindInternal when err carries no
// classification.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
