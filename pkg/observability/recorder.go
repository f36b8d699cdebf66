package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics *Metrics
	metricsMu     sync.RWMutex
)

// Metrics records the service's measurements. The zero value is a no-op, as
// is a nil receiver, so disabled metrics cost nothing at call sites.
type Metrics struct {
	queryDuration metric.Float64Histogram
	queriesTotal  metric.Int64Counter
	queryErrors   metric.Int64Counter

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	retrievalDuration metric.Float64Histogram

	llmDuration metric.Float64Histogram
	llmErrors   metric.Int64Counter

	sessionTurns metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolErrors   metric.Int64Counter

	indexRefreshes metric.Int64Counter
}

// RecordQuery records one pipeline invocation.
func (m *Metrics) RecordQuery(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.queryDuration == nil {
		return
	}
	m.queryDuration.Record(ctx, duration.Seconds())
	m.queriesTotal.Add(ctx, 1)
	if err != nil {
		m.queryErrors.Add(ctx, 1)
	}
}

// RecordCacheLookup records a cache probe outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.cacheHits == nil {
		return
	}
	if hit {
		m.cacheHits.Add(ctx, 1)
	} else {
		m.cacheMisses.Add(ctx, 1)
	}
}

// RecordRetrievalPath records one dense or sparse search, labeled by path.
func (m *Metrics) RecordRetrievalPath(ctx context.Context, path string, duration time.Duration) {
	if m == nil || m.retrievalDuration == nil {
		return
	}
	m.retrievalDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("path", path)))
}

// RecordLLMCall records one completion request, labeled by model and stage.
func (m *Metrics) RecordLLMCall(ctx context.Context, model, stage string, duration time.Duration, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("stage", stage),
	)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

// RecordSessionTurn counts one completed agent turn, labeled by outcome.
func (m *Metrics) RecordSessionTurn(ctx context.Context, outcome string) {
	if m == nil || m.sessionTurns == nil {
		return
	}
	m.sessionTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

// RecordIndexRefresh counts one keyword index rebuild or refresh.
func (m *Metrics) RecordIndexRefresh(ctx context.Context, kind string) {
	if m == nil || m.indexRefreshes == nil {
		return
	}
	m.indexRefreshes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// SetGlobal installs the process-wide metrics recorder.
func SetGlobal(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// Global returns the process-wide metrics recorder; nil before SetGlobal,
// which every recorder tolerates.
func Global() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
