package backfila_test

import (
	"context"
	"errors"

	"github.com/VsevolodSauta/backfila"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var _ = Describe("TraceOperator", func() {
	var (
		exporter *tracetest.InMemoryExporter
		provider *sdktrace.TracerProvider
		op       *recordsOperator
		traced   backfila.BackfillOperator
	)

	BeforeEach(func() {
		exporter = tracetest.NewInMemoryExporter()
		provider = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		DeferCleanup(provider.Shutdown, context.Background())
		op = newRecordsOperator(map[string]int{"p": 4})
		traced = backfila.TraceOperator(op, provider.Tracer("test"))
	})

	It("should record one span per call", func() {
		ctx := context.Background()
		_, err := traced.PrepareBackfill(ctx, &backfila.PrepareBackfillRequest{BackfillName: "fill"})
		Expect(err).NotTo(HaveOccurred())
		resp, err := traced.GetNextBatchRange(ctx, &backfila.GetNextBatchRangeRequest{
			BackfillName: "fill", PartitionName: "p", ScanSize: 4, BatchSize: 2,
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = traced.RunBatch(ctx, &backfila.RunBatchRequest{BackfillName: "fill", PartitionName: "p", BatchRange: resp.Batches[0].Range})
		Expect(err).NotTo(HaveOccurred())

		spans := exporter.GetSpans()
		Expect(spans).To(HaveLen(3))
		Expect(spans[0].Name).To(Equal("backfila.PrepareBackfill"))
		Expect(spans[1].Name).To(Equal("backfila.GetNextBatchRange"))
		Expect(spans[1].Attributes).To(ContainElement(attribute.Int("backfila.batches", 2)))
		Expect(spans[2].Name).To(Equal("backfila.RunBatch"))
		Expect(spans[2].Status.Code).To(Equal(codes.Unset))
	})

	It("should mark failed calls with their error kind", func() {
		op.failPartition = "p"
		op.runErr = &backfila.ValidationError{Message: "no such partition"}

		_, err := traced.RunBatch(context.Background(), &backfila.RunBatchRequest{BackfillName: "fill", PartitionName: "p"})
		Expect(err).To(HaveOccurred())

		spans := exporter.GetSpans()
		Expect(spans).To(HaveLen(1))
		Expect(spans[0].Status.Code).To(Equal(codes.Error))
		Expect(spans[0].Status.Description).To(Equal("remote_validation"))
		Expect(spans[0].Events).To(HaveLen(1))
	})

	It("should fall back to the global provider without a tracer", func() {
		op.setFailures(1, errors.New("boom"))
		_, err := backfila.TraceOperator(op, nil).RunBatch(context.Background(), &backfila.RunBatchRequest{PartitionName: "p"})
		Expect(err).To(MatchError("boom"))
	})
})
