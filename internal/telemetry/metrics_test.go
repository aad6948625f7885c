package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestKernelMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewKernelMetrics(mp)
	if err != nil {
		t.Fatalf("NewKernelMetrics: %v", err)
	}
	ctx := context.Background()
	m.Action(ctx, "transfer_scrip", "")
	m.Action(ctx, "read_artifact", "E_NO_PERMISSION")
	m.Turn(ctx, "success", 0.25)
	m.Round(ctx, 3)
	m.StoreRetry(ctx, "save")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			seen[md.Name] = true
			if md.Name == "scrip.actions.total" {
				sum, ok := md.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", md.Data)
				}
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				if total != 2 {
					t.Fatalf("actions total=%d want 2", total)
				}
			}
		}
	}
	for _, name := range []string{"scrip.actions.total", "scrip.turns.total", "scrip.turn.duration", "scrip.round.agents", "scrip.store.retries.total"} {
		if !seen[name] {
			t.Fatalf("instrument %s not recorded", name)
		}
	}
}

func TestKernelMetrics_NilSafe(t *testing.T) {
	var m *KernelMetrics
	m.Action(context.Background(), "noop", "")
	m.Turn(context.Background(), "failure", 1)
	m.Round(context.Background(), 1)
	m.StoreRetry(context.Background(), "load")
}

func TestHandler_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slogFor(&buf)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "inside span")
	span.End()

	line := buf.String()
	if !strings.Contains(line, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Fatalf("trace_id missing: %s", line)
	}
	buf.Reset()
	logger.Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Fatalf("unexpected trace_id without span: %s", buf.String())
	}
}
