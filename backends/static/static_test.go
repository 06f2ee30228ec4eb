package static_test

import (
	"context"
	"strconv"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/backfila"
	"github.com/VsevolodSauta/backfila/backends/static"
)

type sinkParams struct {
	Suffix string
}

var sinkCodec = backfila.NewParameterCodec(
	backfila.StringParameter("suffix",
		func(p sinkParams) string { return p.Suffix },
		func(p *sinkParams, v string) { p.Suffix = v },
	),
)

type sink struct {
	mu      sync.Mutex
	items   []string
	batches [][]string
}

func (s *sink) run(_ context.Context, items []string, params sinkParams, dryRun bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), items...))
	if dryRun {
		return nil
	}
	for _, item := range items {
		s.items = append(s.items, item+params.Suffix)
	}
	return nil
}

func tenItems() []string {
	items := make([]string, 10)
	for i := range items {
		items[i] = "item" + strconv.Itoa(i)
	}
	return items
}

func newEmbedded(s *sink) *backfila.Embedded {
	backfill := &static.Backfill[string, sinkParams]{
		Items:      tenItems(),
		Parameters: sinkCodec,
		RunBatch:   s.run,
	}
	registry := backfila.NewRegistry()
	Expect(registry.Register("ten_items", backfill.Factory())).To(Succeed())
	return backfila.NewEmbedded(registry, nil)
}

func batchSizes(batches [][]string) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}

var _ = Describe("Backfill", func() {
	var (
		ctx context.Context
		s   *sink
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = &sink{}
	})

	It("should leave the sink empty on a dry run", func() {
		run, err := newEmbedded(s).CreateDryRun(ctx, "ten_items", nil, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		run.BatchSize = 3

		Expect(run.ScanRemaining(ctx)).To(Succeed())
		Expect(run.BatchesToRun()).To(HaveLen(4))
		Expect(run.RunAllScanned(ctx)).To(Succeed())

		Expect(run.Complete()).To(BeTrue())
		Expect(s.items).To(BeEmpty())
		Expect(batchSizes(s.batches)).To(Equal([]int{3, 3, 3, 1}))
	})

	It("should process every item on a wet run", func() {
		run, err := newEmbedded(s).CreateWetRun(ctx, "ten_items", nil, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		run.BatchSize = 3

		Expect(run.ScanRemaining(ctx)).To(Succeed())
		Expect(run.RunAllScanned(ctx)).To(Succeed())

		Expect(run.Complete()).To(BeTrue())
		Expect(s.items).To(Equal(tenItems()))
		Expect(batchSizes(s.batches)).To(Equal([]int{3, 3, 3, 1}))

		counts := run.Counts()
		Expect(counts.PrecomputeMatching).To(Equal(int64(10)))
		Expect(counts.BackfilledMatching).To(Equal(int64(10)))
		Expect(counts.BackfilledScanned).To(Equal(int64(10)))
	})

	It("should only process items inside the requested range", func() {
		run, err := newEmbedded(s).CreateWetRun(ctx, "ten_items", nil, []byte("2"), []byte("8"))
		Expect(err).NotTo(HaveOccurred())
		run.BatchSize = 3

		Expect(run.Execute(ctx)).To(Succeed())

		Expect(s.items).To(Equal([]string{"item2", "item3", "item4", "item5", "item6", "item7"}))
		Expect(batchSizes(s.batches)).To(Equal([]int{3, 3}))
	})

	It("should hand decoded parameters to RunBatch", func() {
		params := sinkCodec.Encode(sinkParams{Suffix: "-done"})
		run, err := newEmbedded(s).CreateWetRun(ctx, "ten_items", params, []byte("0"), []byte("1"))
		Expect(err).NotTo(HaveOccurred())

		Expect(run.Execute(ctx)).To(Succeed())
		Expect(s.items).To(Equal([]string{"item0-done"}))
	})

	It("should do nothing more once complete", func() {
		run, err := newEmbedded(s).CreateWetRun(ctx, "ten_items", nil, nil, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(run.Execute(ctx)).To(Succeed())
		calls := len(s.batches)
		Expect(run.Execute(ctx)).To(Succeed())
		Expect(s.batches).To(HaveLen(calls))
		Expect(run.RunBatch(ctx)).To(MatchError(backfila.ErrNoBatchesToRun))
	})

	DescribeTable("should reject invalid ranges",
		func(start, end []byte, message string) {
			_, err := newEmbedded(s).CreateWetRun(ctx, "ten_items", nil, start, end)
			Expect(backfila.IsValidationError(err)).To(BeTrue(), "got %v", err)
			Expect(err.Error()).To(ContainSubstring(message))
			Expect(s.batches).To(BeEmpty())
		},
		Entry("non numeric start", []byte("abc"), nil, "Start of range must be a number"),
		Entry("non numeric end", nil, []byte("xyz"), "End of range must be a number"),
		Entry("negative start", []byte("-1"), nil, "must be positive integers"),
		Entry("start after end", []byte("5"), []byte("3"), "Start must be less than or equal to end"),
		Entry("start past size", []byte("11"), []byte("12"), "greater than the static datasource size"),
	)

	It("should cover the partition with adjacent batch ranges", func() {
		op := (&static.Backfill[string, sinkParams]{Items: tenItems()}).Operator()
		prepared, err := op.PrepareBackfill(ctx, &backfila.PrepareBackfillRequest{BackfillName: "ten_items"})
		Expect(err).NotTo(HaveOccurred())
		Expect(prepared.Partitions).To(HaveLen(1))
		partition := prepared.Partitions[0]

		var previous []byte
		var covered []backfila.KeyRange
		for {
			resp, err := op.GetNextBatchRange(ctx, &backfila.GetNextBatchRangeRequest{
				PartitionName:  partition.PartitionName,
				BackfillRange:  partition.BackfillRange,
				PreviousEndKey: previous,
				ScanSize:       4,
				BatchSize:      3,
			})
			Expect(err).NotTo(HaveOccurred())
			if len(resp.Batches) == 0 {
				break
			}
			for _, b := range resp.Batches {
				covered = append(covered, b.Range)
			}
			previous = resp.Batches[len(resp.Batches)-1].Range.End
		}

		Expect(covered).NotTo(BeEmpty())
		Expect(covered[0].Start).To(Equal(partition.BackfillRange.Start))
		Expect(covered[len(covered)-1].End).To(Equal(partition.BackfillRange.End))
		for i := 1; i < len(covered); i++ {
			Expect(covered[i].Start).To(Equal(covered[i-1].End), "gap or overlap at batch %d", i)
		}
	})

	It("should reject an unknown partition as a remote validation failure", func() {
		op := (&static.Backfill[string, sinkParams]{Items: tenItems()}).Operator()
		_, err := op.GetNextBatchRange(ctx, &backfila.GetNextBatchRangeRequest{
			PartitionName: "other",
			BackfillRange: backfila.KeyRange{Start: []byte("0"), End: []byte("10")},
			ScanSize:      10,
			BatchSize:     3,
		})
		Expect(backfila.IsValidationError(err)).To(BeTrue())
		Expect(backfila.ClassifyError(err)).To(Equal(backfila.KindRemoteValidation))
	})
})
