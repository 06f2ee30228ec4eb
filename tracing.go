package backfila

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/VsevolodSauta/backfila"

// SetupTracing installs a global tracer provider. By default spans are sent over OTLP/HTTP,
// configured through the OTEL_EXPORTER_OTLP_* environment variables. stdout writes them to
// standard output instead, which is mostly useful for debugging.
// The returned function flushes and shuts the provider down.
func SetupTracing(ctx context.Context, serviceName string, stdout bool) (func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracehttp.New(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// TraceOperator wraps op so that every client call runs inside a span.
// A nil tracer uses the global provider.
func TraceOperator(op BackfillOperator, tracer trace.Tracer) BackfillOperator {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &tracedOperator{next: op, tracer: tracer}
}

type tracedOperator struct {
	next   BackfillOperator
	tracer trace.Tracer
}

func (t *tracedOperator) PrepareBackfill(ctx context.Context, req *PrepareBackfillRequest) (*PrepareBackfillResponse, error) {
	ctx, span := t.tracer.Start(ctx, "backfila.PrepareBackfill", trace.WithAttributes(
		attribute.String("backfila.backfill", req.BackfillName),
		attribute.Bool("backfila.dry_run", req.DryRun),
	))
	defer span.End()
	resp, err := t.next.PrepareBackfill(ctx, req)
	endSpan(span, err)
	return resp, err
}

func (t *tracedOperator) GetNextBatchRange(ctx context.Context, req *GetNextBatchRangeRequest) (*GetNextBatchRangeResponse, error) {
	ctx, span := t.tracer.Start(ctx, "backfila.GetNextBatchRange", trace.WithAttributes(
		attribute.String("backfila.backfill", req.BackfillName),
		attribute.String("backfila.run", req.BackfillID),
		attribute.String("backfila.partition", req.PartitionName),
		attribute.Bool("backfila.precomputing", req.Precomputing),
	))
	defer span.End()
	resp, err := t.next.GetNextBatchRange(ctx, req)
	if err == nil && resp != nil {
		span.SetAttributes(attribute.Int("backfila.batches", len(resp.Batches)))
	}
	endSpan(span, err)
	return resp, err
}

func (t *tracedOperator) RunBatch(ctx context.Context, req *RunBatchRequest) (*RunBatchResponse, error) {
	ctx, span := t.tracer.Start(ctx, "backfila.RunBatch", trace.WithAttributes(
		attribute.String("backfila.backfill", req.BackfillName),
		attribute.String("backfila.run", req.BackfillID),
		attribute.String("backfila.partition", req.PartitionName),
		attribute.String("backfila.batch_range", req.BatchRange.String()),
	))
	defer span.End()
	resp, err := t.next.RunBatch(ctx, req)
	endSpan(span, err)
	return resp, err
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, ClassifyError(err).String())
}
