package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "querygate"

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	toolCallCounter     metric.Int64Counter
	toolFailureCounter  metric.Int64Counter
	toolLatencyHist     metric.Float64Histogram
	policyRejectCounter metric.Int64Counter
	approvalCounter     metric.Int64Counter
	auditPersistCounter metric.Int64Counter
	auditDropCounter    metric.Int64Counter
)

// ToolCall describes one finished tool invocation.
type ToolCall struct {
	Tool      string
	Model     string
	ErrorCode string
	Duration  time.Duration
}

// RecordToolCall counts a tool call and its latency. A non-empty ErrorCode
// marks the call failed.
func RecordToolCall(ctx context.Context, call ToolCall) {
	if err := ensureMetrics(); err != nil {
		return
	}
	outcome := "ok"
	if call.ErrorCode != "" {
		outcome = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool.name", call.Tool),
		attribute.String("tool.outcome", outcome),
	}
	if call.Model != "" {
		attrs = append(attrs, attribute.String("model", call.Model))
	}
	if call.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error.code", call.ErrorCode))
	}
	toolCallCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if call.ErrorCode != "" {
		toolFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool.name", call.Tool),
			attribute.String("error.code", call.ErrorCode),
		))
	}
	if call.Duration > 0 {
		toolLatencyHist.Record(ctx, float64(call.Duration)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("tool.name", call.Tool)))
	}
}

// RecordPolicyRejection counts a request refused by policy, scope or budget.
func RecordPolicyRejection(ctx context.Context, code, model string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	policyRejectCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", code),
		attribute.String("model", model),
	))
}

// RecordApproval counts an approval state transition.
func RecordApproval(ctx context.Context, operation, status string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	approvalCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("approval.status", status),
	))
}

// RecordAuditPersistFailure counts audit records a store failed to write.
func RecordAuditPersistFailure(ctx context.Context, backend string, n int) {
	if err := ensureMetrics(); err != nil || n <= 0 {
		return
	}
	auditPersistCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("audit.backend", backend)))
}

// RecordAuditDrop counts audit records an async sink could not deliver.
func RecordAuditDrop(ctx context.Context, n int) {
	if err := ensureMetrics(); err != nil || n <= 0 {
		return
	}
	auditDropCounter.Add(ctx, int64(n))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		toolCallCounter, metricsInitErr = meter.Int64Counter(
			"querygate.tool.calls_total",
			metric.WithDescription("Tool invocations partitioned by tool and outcome"),
			metric.WithUnit("{call}"),
		)
		if metricsInitErr != nil {
			return
		}

		toolFailureCounter, metricsInitErr = meter.Int64Counter(
			"querygate.tool.failures_total",
			metric.WithDescription("Tool invocations that returned a failure, by error code"),
			metric.WithUnit("{call}"),
		)
		if metricsInitErr != nil {
			return
		}

		toolLatencyHist, metricsInitErr = meter.Float64Histogram(
			"querygate.tool.duration_ms",
			metric.WithDescription("Observed tool execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		policyRejectCounter, metricsInitErr = meter.Int64Counter(
			"querygate.policy.rejections_total",
			metric.WithDescription("Requests refused by policy, tenant scope or budget"),
			metric.WithUnit("{request}"),
		)
		if metricsInitErr != nil {
			return
		}

		approvalCounter, metricsInitErr = meter.Int64Counter(
			"querygate.approvals_total",
			metric.WithDescription("Approval requests partitioned by resulting status"),
			metric.WithUnit("{approval}"),
		)
		if metricsInitErr != nil {
			return
		}

		auditPersistCounter, metricsInitErr = meter.Int64Counter(
			"querygate.audit.persist_failures_total",
			metric.WithDescription("Audit records a store failed to persist"),
			metric.WithUnit("{record}"),
		)
		if metricsInitErr != nil {
			return
		}

		auditDropCounter, metricsInitErr = meter.Int64Counter(
			"querygate.audit.dropped_total",
			metric.WithDescription("Audit records dropped by the async sink"),
			metric.WithUnit("{record}"),
		)
	})
	return metricsInitErr
}
