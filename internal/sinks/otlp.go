package sinks

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

// OTLPSink emits each rune as a zero-duration span carrying the rune's
// fields as attributes, exported over OTLP/gRPC. Tool calls aren't spans in
// the distributed-tracing sense; this sink exists so audit events surface
// in whatever trace backend an operator already runs.
type OTLPSink struct {
	endpoint       string
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

func NewOTLPSink(ctx context.Context, endpoint string) (*OTLPSink, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp sink: creating exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("bifrost-ward")))
	if err != nil {
		return nil, fmt.Errorf("otlp sink: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	return &OTLPSink{
		endpoint:       endpoint,
		tracerProvider: tp,
		tracer:         tp.Tracer("bifrost-ward/runechain"),
	}, nil
}

func (s *OTLPSink) Name() string { return "otlp:" + s.endpoint }

func (s *OTLPSink) Emit(ctx context.Context, r runechain.Rune) error {
	_, span := s.tracer.Start(ctx, "ward.evaluate",
		trace.WithAttributes(
			attribute.Int64("bifrost.rune.sequence", int64(r.Sequence)),
			attribute.String("bifrost.rune.tool_name", r.ToolName),
			attribute.String("bifrost.rune.session_id", r.SessionID),
			attribute.String("bifrost.rune.decision", string(r.Decision)),
			attribute.String("bifrost.rune.rationale", r.Rationale),
		),
	)
	defer span.End()
	if r.Decision == config.Halt {
		span.SetStatus(codes.Error, r.Rationale)
	}
	return nil
}

func (s *OTLPSink) Flush(ctx context.Context) error {
	return s.tracerProvider.ForceFlush(ctx)
}

func (s *OTLPSink) Close(ctx context.Context) error {
	return s.tracerProvider.Shutdown(ctx)
}
