// Package observability wires OpenTelemetry metrics with a Prometheus
// exporter and records the service's pipeline, cache, LLM, and session
// measurements. All recorders are nil-safe so instrumented code never has
// to check whether metrics are enabled.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Manager owns the meter provider and the scrape endpoint.
type Manager struct {
	config   Config
	provider *sdkmetric.MeterProvider
	server   *http.Server
	metrics  *Metrics
}

type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Initialize builds the Prometheus-backed meter provider and starts the
// scrape listener when a port is configured.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.config.Metrics.Enabled {
		m.metrics = &Metrics{}
		return nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	m.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	metrics, err := initMetrics(m.provider.Meter("groundwork"))
	if err != nil {
		return err
	}
	m.metrics = metrics

	if m.config.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		m.server = &http.Server{
			Addr:    fmt.Sprintf(":%d", m.config.Metrics.Port),
			Handler: mux,
		}
		go func() {
			_ = m.server.ListenAndServe()
		}()
	}
	return nil
}

func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = m.server.Shutdown(shutdownCtx)
	}
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

func initMetrics(meter metric.Meter) (*Metrics, error) {
	queryDuration, err := meter.Float64Histogram(
		"groundwork_query_duration_seconds",
		metric.WithDescription("End-to-end retrieval pipeline duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	queriesTotal, err := meter.Int64Counter(
		"groundwork_queries_total",
		metric.WithDescription("Total retrieval pipeline invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queryErrors, err := meter.Int64Counter(
		"groundwork_query_errors_total",
		metric.WithDescription("Total retrieval pipeline failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query errors counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"groundwork_cache_hits_total",
		metric.WithDescription("Total query cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"groundwork_cache_misses_total",
		metric.WithDescription("Total query cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	retrievalDuration, err := meter.Float64Histogram(
		"groundwork_retrieval_path_duration_seconds",
		metric.WithDescription("Dense and sparse retrieval path durations in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"groundwork_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"groundwork_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	sessionTurns, err := meter.Int64Counter(
		"groundwork_session_turns_total",
		metric.WithDescription("Total agent session turns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session turns counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"groundwork_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"groundwork_tool_errors_total",
		metric.WithDescription("Total tool execution errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	indexRefreshes, err := meter.Int64Counter(
		"groundwork_keyword_index_refreshes_total",
		metric.WithDescription("Total keyword index snapshot rebuilds and refreshes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create index refreshes counter: %w", err)
	}

	return &Metrics{
		queryDuration:     queryDuration,
		queriesTotal:      queriesTotal,
		queryErrors:       queryErrors,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		retrievalDuration: retrievalDuration,
		llmDuration:       llmDuration,
		llmErrors:         llmErrors,
		sessionTurns:      sessionTurns,
		toolDuration:      toolDuration,
		toolErrors:        toolErrors,
		indexRefreshes:    indexRefreshes,
	}, nil
}
