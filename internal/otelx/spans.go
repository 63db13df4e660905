package otelx

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for meridian spans.
var (
	AttrAgentID    = attribute.Key("meridian.agent.id")
	AttrTaskID     = attribute.Key("meridian.task.id")
	AttrRunID      = attribute.Key("meridian.run.id")
	AttrPoolType   = attribute.Key("meridian.pool.type")
	AttrTopic      = attribute.Key("meridian.dispatch.topic")
	AttrPlanID     = attribute.Key("meridian.plan.id")
	AttrStepID     = attribute.Key("meridian.plan.step_id")
	AttrScheduleID = attribute.Key("meridian.schedule.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the operator REST surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM provider, MCP server, Slack).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
