package status

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording every transition as a
// zero-duration span. Each span is a root span started from a background
// context, so it does not share a trace with connector HTTP spans.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, "node."+string(event.Status))
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("anacostia.pipeline_id", event.PipelineID),
		attribute.String("anacostia.node_id", event.NodeID),
		attribute.Int64("anacostia.run_id", event.RunID),
		attribute.String("anacostia.status", string(event.Status)),
	)
	for k, v := range event.Meta {
		span.SetAttributes(attribute.String("anacostia.meta."+k, fmt.Sprintf("%v", v)))
	}
	if event.Status == Failure || event.Status == Error {
		span.SetStatus(codes.Error, string(event.Status))
		if msg, ok := event.Meta["error"].(string); ok {
			span.RecordError(fmt.Errorf("%s", msg))
		}
	}
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, "node."+string(event.Status))
		o.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush force-flushes the global tracer provider if it supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
