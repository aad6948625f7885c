package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "scripworld.ai/kernel"

// KernelMetrics records kernel counters. A nil *KernelMetrics is valid and
// records nothing.
type KernelMetrics struct {
	actions      metric.Int64Counter
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	roundAgents  metric.Int64Histogram
	storeRetries metric.Int64Counter
}

// NewKernelMetrics creates instruments on mp, or the global provider when mp is nil.
func NewKernelMetrics(mp metric.MeterProvider) (*KernelMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	var (
		m   KernelMetrics
		err error
	)
	if m.actions, err = meter.Int64Counter("scrip.actions.total",
		metric.WithDescription("Actions executed by the world, by kind and result code")); err != nil {
		return nil, err
	}
	if m.turns, err = meter.Int64Counter("scrip.turns.total",
		metric.WithDescription("Agent turns by outcome")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram("scrip.turn.duration",
		metric.WithUnit("s"), metric.WithDescription("Wall time of one agent turn")); err != nil {
		return nil, err
	}
	if m.roundAgents, err = meter.Int64Histogram("scrip.round.agents",
		metric.WithDescription("Agents dispatched per round")); err != nil {
		return nil, err
	}
	if m.storeRetries, err = meter.Int64Counter("scrip.store.retries.total",
		metric.WithDescription("Agent state store retries after transient contention")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *KernelMetrics) Action(ctx context.Context, kind, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", kind),
		attribute.String("code", code),
	))
}

func (m *KernelMetrics) Turn(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, seconds, attrs)
}

func (m *KernelMetrics) Round(ctx context.Context, agents int) {
	if m == nil {
		return
	}
	m.roundAgents.Record(ctx, int64(agents))
}

func (m *KernelMetrics) StoreRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.storeRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
