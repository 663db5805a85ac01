package tradeflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/deepnoodle-ai/tradeflow"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startRunSpan starts a span for one segment of a run.
func (e *Execution) startRunSpan(ctx context.Context, resumed bool) (context.Context, trace.Span) {
	ctx, span := e.engine.tracer.Start(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("workflow.name", e.workflow.Name()),
		attribute.String("workflow.run_id", e.id),
		attribute.Bool("workflow.resumed", resumed),
	)
	return ctx, span
}

// endRunSpan ends the run span with result info.
func endRunSpan(span trace.Span, status ExecutionStatus, err error) {
	span.SetAttributes(attribute.String("workflow.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startStepSpan starts a span for a step or branch execution.
func (e *Execution) startStepSpan(ctx context.Context, step string, visit int, branch bool) (context.Context, trace.Span) {
	ctx, span := e.engine.tracer.Start(ctx, "step."+step)
	span.SetAttributes(
		attribute.String("step.name", step),
		attribute.Int("step.visit", visit),
		attribute.Bool("step.branch", branch),
	)
	return ctx, span
}

// endStepSpan ends the step span with the outcome.
func endStepSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("step.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
