package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
	ResetMetricsForTest()
	return reader
}

func TestRecordToolCall(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordToolCall(ctx, ToolCall{Tool: "query", Model: "Order", Duration: 20 * time.Millisecond})
	RecordToolCall(ctx, ToolCall{Tool: "query", Model: "Order", ErrorCode: "MODEL_NOT_ALLOWED"})

	metrics := collect(t, reader)
	calls, ok := metrics["querygate.tool.calls_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, calls.DataPoints, 2)

	byOutcome := map[string]int64{}
	for _, dp := range calls.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("tool.outcome"))
		byOutcome[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, byOutcome)

	failures, ok := metrics["querygate.tool.failures_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, failures.DataPoints, 1)
	assert.Equal(t, int64(1), failures.DataPoints[0].Value)

	hist, ok := metrics["querygate.tool.duration_ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, 20.0, hist.DataPoints[0].Sum)
}

func TestRecordCounters(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordPolicyRejection(ctx, "FIELD_NOT_ALLOWED", "Order")
	RecordApproval(ctx, "delete", "approved")
	RecordAuditPersistFailure(ctx, "sqlite", 2)
	RecordAuditDrop(ctx, 3)
	RecordAuditDrop(ctx, 0)

	metrics := collect(t, reader)
	for name, want := range map[string]int64{
		"querygate.policy.rejections_total":      1,
		"querygate.approvals_total":              1,
		"querygate.audit.persist_failures_total": 2,
		"querygate.audit.dropped_total":          3,
	} {
		sum, ok := metrics[name].Data.(metricdata.Sum[int64])
		require.True(t, ok, name)
		require.Len(t, sum.DataPoints, 1, name)
		assert.Equal(t, want, sum.DataPoints[0].Value, name)
	}
}

func TestToolSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartToolSpan(context.Background(), "get", "req-1", "acme")
	assert.NotEmpty(t, TraceID(ctx))
	EndToolSpan(span, "TENANT_SCOPE_REQUIRED", []string{"model:Order:allowed"})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "tool.get", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "policy.decisions", spans[0].Events()[0].Name)

	attrs := attribute.NewSet(spans[0].Attributes()...)
	v, ok := attrs.Value("tenant.id")
	require.True(t, ok)
	assert.Equal(t, "acme", v.AsString())
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}
