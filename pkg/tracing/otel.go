// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartTickSpan 开始调度 tick span。
// tracer provider 由应用层装配（hertz-contrib provider），此处只取全局。
func StartTickSpan(ctx context.Context) (context.Context, trace.Span) {
	tracer := otel.Tracer("codex-orchestrator")
	return tracer.Start(ctx, "scheduler.tick")
}

// StartRunSpan 开始 run 生命周期 span；span 的 trace id 即 Run.TraceID
func StartRunSpan(ctx context.Context, workItemID int64) (context.Context, trace.Span) {
	tracer := otel.Tracer("codex-orchestrator")
	return tracer.Start(ctx, "run.lifecycle",
		trace.WithAttributes(
			attribute.Int64("work_item.id", workItemID),
		),
	)
}

// StartClaimSpan 开始 claim span
func StartClaimSpan(ctx context.Context, runID int64, agentID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("codex-orchestrator")
	return tracer.Start(ctx, "run.claim",
		trace.WithAttributes(
			attribute.Int64("run.id", runID),
			attribute.String("agent.id", agentID),
		),
	)
}

// TraceIDFrom 取 span 对应的 32 位十六进制 trace id；无有效 span 时返回空串
func TraceIDFrom(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
