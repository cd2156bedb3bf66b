package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics is the set of instruments shared by the daemon's components.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	CatalogRefreshes metric.Int64Counter
	CatalogErrors    metric.Int64Counter
	TasksAbandoned   metric.Int64Counter
	PushDropped      metric.Int64Counter
	Intents          metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics registers every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m    Metrics
		errs []error
	)
	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}
	count := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m.TaskDuration = seconds("starry.task.duration", "Task instance lifetime in seconds")
	m.LLMCallDuration = seconds("starry.llm.duration", "Model provider call duration in seconds")
	m.ToolCallDuration = seconds("starry.tool.duration", "Workspace tool execution duration in seconds")
	m.TokensUsed = count("starry.llm.tokens", "Tokens sent and received, estimated when the provider reports none")
	m.CatalogRefreshes = count("starry.catalog.refreshes", "Successful model catalog refreshes")
	m.CatalogErrors = count("starry.catalog.errors", "Failed model catalog refreshes")
	m.TasksAbandoned = count("starry.task.abandoned", "Task instances abandoned after the abort wait expired")
	m.PushDropped = count("starry.ui.push_dropped", "UI pushes dropped because a client queue was full")
	m.Intents = count("starry.intents", "UI intents received")
	m.RateLimitRejects = count("starry.ratelimit.rejects", "Intents rejected by the rate limiter")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// Discard returns instruments backed by a no-op meter. Components use it when
// no Metrics are configured.
func Discard() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
