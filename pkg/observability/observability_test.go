package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// None of these may panic.
	m.RecordQuery(ctx, time.Second, nil)
	m.RecordCacheLookup(ctx, true)
	m.RecordRetrievalPath(ctx, "dense", time.Millisecond)
	m.RecordLLMCall(ctx, "gpt-4o", "answer", time.Second, nil)
	m.RecordSessionTurn(ctx, "done")
	m.RecordToolExecution(ctx, "search", time.Millisecond, nil)
	m.RecordIndexRefresh(ctx, "refresh")

	zero := &Metrics{}
	zero.RecordQuery(ctx, time.Second, nil)
	zero.RecordCacheLookup(ctx, false)
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.Initialize(context.Background()))
	assert.NotNil(t, m.Metrics())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerEnabled(t *testing.T) {
	m := NewManager(Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, m.Initialize(context.Background()))

	metrics := m.Metrics()
	require.NotNil(t, metrics)

	ctx := context.Background()
	metrics.RecordQuery(ctx, 250*time.Millisecond, nil)
	metrics.RecordCacheLookup(ctx, true)
	metrics.RecordLLMCall(ctx, "gpt-4o", "rerank", time.Second, assert.AnError)

	require.NoError(t, m.Shutdown(ctx))
}

func TestGlobalRegistry(t *testing.T) {
	defer SetGlobal(nil)

	assert.Nil(t, Global())
	m := &Metrics{}
	SetGlobal(m)
	assert.Same(t, m, Global())
}
