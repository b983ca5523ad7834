// Package metrics exposes engine telemetry through OpenTelemetry with a
// Prometheus scrape endpoint. A zero-value Collector is a safe no-op,
// which is what tests and metrics-disabled runs use.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"tempo/internal/logging"
	"tempo/internal/utils/id"
)

// Collector manages all engine metrics.
type Collector struct {
	meter metric.Meter

	// Model request metrics.
	modelRequests  metric.Int64Counter
	modelRetries   metric.Int64Counter
	modelTokensIn  metric.Int64Counter
	modelTokensOut metric.Int64Counter
	modelLatency   metric.Float64Histogram
	modelCost      metric.Float64Counter

	// Per-action ledger counters.
	actionAttempts metric.Int64Counter
	actionFailures metric.Int64Counter

	// Task lifecycle.
	tasksActive   metric.Int64UpDownCounter
	condensations metric.Int64Counter

	server *http.Server
	logger logging.Logger

	// Mirror of the action ledger, readable without a scrape. Keyed by
	// task ID so sibling tasks sharing one Collector stay separate.
	mu     sync.Mutex
	ledger map[string]map[string]*ActionStats
}

// ActionStats is the per-action entry of the usage ledger.
type ActionStats struct {
	Attempts int64 `json:"attempts"`
	Failures int64 `json:"failures"`
}

// New builds a Collector backed by a Prometheus exporter. When addr is
// empty no HTTP listener is started but instruments still register.
func New(addr string, logger logging.Logger) (*Collector, error) {
	logger = logging.OrNop(logger)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("tempo")

	c := &Collector{
		meter:  meter,
		logger: logger,
		ledger: make(map[string]map[string]*ActionStats),
	}

	if c.modelRequests, err = meter.Int64Counter("tempo.model.requests.total",
		metric.WithDescription("Total model requests issued"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	if c.modelRetries, err = meter.Int64Counter("tempo.model.retries.total",
		metric.WithDescription("First-chunk failures retried"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if c.modelTokensIn, err = meter.Int64Counter("tempo.model.tokens.input",
		metric.WithDescription("Input tokens sent to the model"),
		metric.WithUnit("{token}")); err != nil {
		return nil, fmt.Errorf("create input tokens counter: %w", err)
	}
	if c.modelTokensOut, err = meter.Int64Counter("tempo.model.tokens.output",
		metric.WithDescription("Output tokens received from the model"),
		metric.WithUnit("{token}")); err != nil {
		return nil, fmt.Errorf("create output tokens counter: %w", err)
	}
	if c.modelLatency, err = meter.Float64Histogram("tempo.model.latency",
		metric.WithDescription("Model request latency in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	if c.modelCost, err = meter.Float64Counter("tempo.model.cost.total",
		metric.WithDescription("Accumulated request cost"),
		metric.WithUnit("USD")); err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}
	if c.actionAttempts, err = meter.Int64Counter("tempo.action.attempts.total",
		metric.WithDescription("External action attempts per action name"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("create action attempts counter: %w", err)
	}
	if c.actionFailures, err = meter.Int64Counter("tempo.action.failures.total",
		metric.WithDescription("External action failures per action name"),
		metric.WithUnit("{failure}")); err != nil {
		return nil, fmt.Errorf("create action failures counter: %w", err)
	}
	if c.tasksActive, err = meter.Int64UpDownCounter("tempo.tasks.active",
		metric.WithDescription("Tasks currently running or paused"),
		metric.WithUnit("{task}")); err != nil {
		return nil, fmt.Errorf("create tasks gauge: %w", err)
	}
	if c.condensations, err = meter.Int64Counter("tempo.context.condensations.total",
		metric.WithDescription("Context condensation events"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create condensations counter: %w", err)
	}

	if addr != "" {
		c.startServer(addr)
	}
	return c, nil
}

func (c *Collector) startServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	c.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		c.logger.Info("metrics listening on %s", addr)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server: %v", err)
		}
	}()
}

// Shutdown stops the scrape endpoint if one was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordRequest records one completed model request.
func (c *Collector) RecordRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int64, cost float64) {
	if c == nil || c.modelRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	)
	c.modelRequests.Add(ctx, 1, attrs)
	c.modelLatency.Record(ctx, latency.Seconds(), attrs)
	modelAttr := metric.WithAttributes(attribute.String("model", model))
	c.modelTokensIn.Add(ctx, inputTokens, modelAttr)
	c.modelTokensOut.Add(ctx, outputTokens, modelAttr)
	if cost > 0 {
		c.modelCost.Add(ctx, cost, modelAttr)
	}
}

// RecordRetry counts one first-chunk retry.
func (c *Collector) RecordRetry(ctx context.Context, model string) {
	if c == nil || c.modelRetries == nil {
		return
	}
	c.modelRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordAction is the engine's recording contract for the action usage
// ledger. External executors call it once per attempt.
func (c *Collector) RecordAction(ctx context.Context, name string, failed bool) {
	if c == nil {
		return
	}
	taskID := id.TaskIDFromContext(ctx)

	c.mu.Lock()
	if c.ledger == nil {
		c.ledger = make(map[string]map[string]*ActionStats)
	}
	byAction := c.ledger[taskID]
	if byAction == nil {
		byAction = make(map[string]*ActionStats)
		c.ledger[taskID] = byAction
	}
	stats, ok := byAction[name]
	if !ok {
		stats = &ActionStats{}
		byAction[name] = stats
	}
	stats.Attempts++
	if failed {
		stats.Failures++
	}
	c.mu.Unlock()

	if c.actionAttempts == nil {
		return
	}
	attr := metric.WithAttributes(
		attribute.String("action", name),
		attribute.String("task", taskID),
	)
	c.actionAttempts.Add(ctx, 1, attr)
	if failed {
		c.actionFailures.Add(ctx, 1, attr)
	}
}

// Ledger returns a copy of one task's per-action usage ledger.
func (c *Collector) Ledger(taskID string) map[string]ActionStats {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byAction := c.ledger[taskID]
	if byAction == nil {
		return nil
	}
	out := make(map[string]ActionStats, len(byAction))
	for name, stats := range byAction {
		out[name] = *stats
	}
	return out
}

// TaskStarted bumps the active-task gauge.
func (c *Collector) TaskStarted(ctx context.Context) {
	if c == nil || c.tasksActive == nil {
		return
	}
	c.tasksActive.Add(ctx, 1)
}

// TaskFinished drops the active-task gauge.
func (c *Collector) TaskFinished(ctx context.Context) {
	if c == nil || c.tasksActive == nil {
		return
	}
	c.tasksActive.Add(ctx, -1)
}

// RecordCondensation counts one condensation event.
func (c *Collector) RecordCondensation(ctx context.Context) {
	if c == nil || c.condensations == nil {
		return
	}
	c.condensations.Add(ctx, 1)
}
