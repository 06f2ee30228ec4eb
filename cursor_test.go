package backfila_test

import (
	"context"
	"errors"

	"github.com/VsevolodSauta/backfila"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// preparedPartition prepares op and returns its first partition as a fresh RUNNING partition.
func preparedPartition(op backfila.BackfillOperator) *backfila.RunPartition {
	resp, err := op.PrepareBackfill(context.Background(), &backfila.PrepareBackfillRequest{BackfillName: "fill"})
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.Partitions).NotTo(BeEmpty())
	pp := resp.Partitions[0]
	p := &backfila.RunPartition{
		PartitionName:        pp.PartitionName,
		BackfillRange:        pp.BackfillRange,
		RunState:             backfila.RunStateRunning,
		EstimatedRecordCount: pp.EstimatedRecordCount,
	}
	if pp.EstimatedRecordCount != nil {
		p.PrecomputeDone = true
		p.PrecomputeMatchingCount = *pp.EstimatedRecordCount
		p.PrecomputeScannedCount = *pp.EstimatedRecordCount
	}
	return p
}

func drive(cursor *backfila.Cursor, p *backfila.RunPartition) []backfila.StepKind {
	var kinds []backfila.StepKind
	for i := 0; !p.Done(); i++ {
		Expect(i).To(BeNumerically("<", 1000), "cursor did not converge")
		result, err := cursor.Step(context.Background(), p)
		Expect(err).NotTo(HaveOccurred())
		kinds = append(kinds, result.Kind)
	}
	return kinds
}

var _ = Describe("Cursor", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("NextStep", func() {
		It("should precompute first, then scan, then run", func() {
			p := &backfila.RunPartition{}
			Expect(p.NextStep(2)).To(Equal(backfila.StepPrecompute))
			p.PrecomputeDone = true
			Expect(p.NextStep(2)).To(Equal(backfila.StepScan))
			p.PendingBatches = make([]backfila.Batch, 2)
			Expect(p.NextStep(2)).To(Equal(backfila.StepRun))
			p.ScanDone = true
			p.PendingBatches = nil
			Expect(p.NextStep(2)).To(Equal(backfila.StepDone))
			Expect(p.Done()).To(BeTrue())
		})

		It("should scan the whole range before running without a capacity", func() {
			p := &backfila.RunPartition{PrecomputeDone: true, PendingBatches: make([]backfila.Batch, 50)}
			Expect(p.NextStep(0)).To(Equal(backfila.StepScan))
		})

		It("should expose the unscanned remainder of the range", func() {
			p := &backfila.RunPartition{BackfillRange: backfila.KeyRange{Start: []byte("a"), End: []byte("z")}}
			Expect(p.ScanCursor().Start).To(Equal([]byte("a")))
			p.ScanEndKey = []byte("m")
			Expect(p.ScanCursor().Start).To(Equal([]byte("m")))
			Expect(p.ScanCursor().End).To(Equal([]byte("z")))
			p.ScanDone = true
			Expect(p.ScanCursor()).To(BeNil())
		})
	})

	It("should precompute, scan and run every record", func() {
		op := newRecordsOperator(map[string]int{"p": 25})
		op.match = func(id int) bool { return id%2 == 0 }
		cursor := &backfila.Cursor{
			Operator: op,
			Config:   backfila.StepConfig{BackfillName: "fill", ScanSize: 7, BatchSize: 3, ScanCountLimit: 2},
			Capacity: 2,
		}
		p := preparedPartition(op)

		kinds := drive(cursor, p)
		Expect(kinds).To(ContainElements(backfila.StepPrecompute, backfila.StepScan, backfila.StepRun))
		Expect(p.PrecomputeMatchingCount).To(Equal(int64(13)))
		Expect(p.PrecomputeScannedCount).To(Equal(int64(25)))
		Expect(p.BackfilledMatchingCount).To(Equal(int64(13)))
		Expect(p.BackfilledScannedCount).To(Equal(int64(25)))
		Expect(op.ranRecords()).To(Equal([]int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22, 24}))
	})

	It("should skip precompute when the partition came with an estimate", func() {
		op := newRecordsOperator(map[string]int{"p": 10})
		op.estimate = true
		cursor := &backfila.Cursor{Operator: op, Config: backfila.StepConfig{ScanSize: 100, BatchSize: 4}}
		p := preparedPartition(op)

		drive(cursor, p)
		Expect(op.precomputeCalls).To(BeZero())
		Expect(p.PrecomputeMatchingCount).To(Equal(int64(10)))
		Expect(p.BackfilledMatchingCount).To(Equal(int64(10)))
	})

	It("should credit batches without matching records as scanned without running them", func() {
		op := newRecordsOperator(map[string]int{"p": 20})
		op.match = func(id int) bool { return id < 5 }
		op.estimate = true
		cursor := &backfila.Cursor{Operator: op, Config: backfila.StepConfig{ScanSize: 5, BatchSize: 2}}
		p := preparedPartition(op)

		drive(cursor, p)
		Expect(op.runCallCount()).To(Equal(3))
		Expect(p.BackfilledMatchingCount).To(Equal(int64(5)))
		Expect(p.BackfilledScannedCount).To(Equal(int64(20)))
	})

	It("should follow remaining ranges and credit a batch once", func() {
		op := newRecordsOperator(map[string]int{"p": 9})
		op.partial = true
		op.estimate = true
		cursor := &backfila.Cursor{Operator: op, Config: backfila.StepConfig{ScanSize: 100, BatchSize: 3}}
		p := preparedPartition(op)

		Expect(p.NextStep(0)).To(Equal(backfila.StepScan))
		_, err := cursor.Step(ctx, p)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.PendingBatches).To(HaveLen(3))

		result, err := cursor.RunFront(ctx, p)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.BatchFinished).To(BeFalse())
		Expect(p.PendingBatches).To(HaveLen(3))
		Expect(p.PendingBatches[0].Range.Start).To(Equal(key(1)))
		Expect(p.BackfilledMatchingCount).To(BeZero())

		drive(cursor, p)
		Expect(p.BackfilledMatchingCount).To(Equal(int64(9)))
		Expect(op.ranRecords()).To(Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8}))
		Expect(op.runCallCount()).To(Equal(9))
	})

	It("should not run side effects on a dry run", func() {
		op := newRecordsOperator(map[string]int{"p": 10})
		cursor := &backfila.Cursor{Operator: op, Config: backfila.StepConfig{ScanSize: 100, BatchSize: 4, DryRun: true}}
		p := preparedPartition(op)

		drive(cursor, p)
		Expect(op.ranRecords()).To(BeEmpty())
		Expect(op.dryRunCalls).To(Equal(3))
		Expect(p.BackfilledMatchingCount).To(Equal(int64(10)))
	})

	Describe("invalid responses", func() {
		var p *backfila.RunPartition

		BeforeEach(func() {
			p = &backfila.RunPartition{
				PartitionName:  "p",
				BackfillRange:  backfila.KeyRange{Start: key(0), End: key(99)},
				PrecomputeDone: true,
				ScanEndKey:     key(10),
			}
		})

		DescribeTable("should reject a scan response and leave the partition untouched",
			func(batches []backfila.Batch) {
				op := &stubOperator{next: func(*backfila.GetNextBatchRangeRequest) (*backfila.GetNextBatchRangeResponse, error) {
					return &backfila.GetNextBatchRangeResponse{Batches: batches}, nil
				}}
				cursor := &backfila.Cursor{Operator: op, Config: backfila.StepConfig{ScanSize: 10, BatchSize: 2}}
				before := *p

				_, err := cursor.Scan(ctx, p)
				var invalid *backfila.InvalidResponseError
				Expect(errors.As(err, &invalid)).To(BeTrue())
				Expect(backfila.ClassifyError(err)).To(Equal(backfila.KindInvalidResponse))
				Expect(*p).To(Equal(before))
			},
			Entry("missing end key", []backfila.Batch{{Range: backfila.KeyRange{Start: key(11)}, ScannedRecordCount: 1, MatchingRecordCount: 1}}),
			Entry("negative counts", []backfila.Batch{{Range: backfila.KeyRange{Start: key(11), End: key(12)}, ScannedRecordCount: -1}}),
			Entry("more matching than scanned", []backfila.Batch{{Range: backfila.KeyRange{Start: key(11), End: key(12)}, ScannedRecordCount: 1, MatchingRecordCount: 2}}),
			Entry("no progress", []backfila.Batch{{Range: backfila.KeyRange{Start: key(5), End: key(10)}, ScannedRecordCount: 1, MatchingRecordCount: 1}}),
		)

		It("should reject a remaining range equal to the batch", func() {
			batch := backfila.Batch{Range: backfila.KeyRange{Start: key(0), End: key(3)}, ScannedRecordCount: 4, MatchingRecordCount: 4}
			p.PendingBatches = []backfila.Batch{batch}
			op := &stubOperator{run: func(req *backfila.RunBatchRequest) (*backfila.RunBatchResponse, error) {
				remaining := req.BatchRange
				return &backfila.RunBatchResponse{RemainingBatchRange: &remaining}, nil
			}}
			cursor := &backfila.Cursor{Operator: op}

			_, err := cursor.RunFront(ctx, p)
			Expect(backfila.ClassifyError(err)).To(Equal(backfila.KindInvalidResponse))
			Expect(p.PendingBatches[0].Range).To(Equal(batch.Range))
		})

		It("should leave the partition untouched when RunBatch fails", func() {
			p.PendingBatches = []backfila.Batch{{Range: backfila.KeyRange{Start: key(0), End: key(3)}, ScannedRecordCount: 4, MatchingRecordCount: 4}}
			op := &stubOperator{run: func(*backfila.RunBatchRequest) (*backfila.RunBatchResponse, error) {
				return nil, errors.New("database is down")
			}}
			cursor := &backfila.Cursor{Operator: op}

			_, err := cursor.RunFront(ctx, p)
			Expect(err).To(MatchError("database is down"))
			Expect(p.PendingBatches).To(HaveLen(1))
			Expect(p.BackfilledMatchingCount).To(BeZero())
		})
	})
})

var _ = Describe("Embedded", func() {
	var (
		ctx      context.Context
		op       *recordsOperator
		embedded *backfila.Embedded
	)

	BeforeEach(func() {
		ctx = context.Background()
		op = newRecordsOperator(map[string]int{"left": 12, "right": 8})
		registry := backfila.NewRegistry()
		Expect(registry.Register("fill", func() backfila.BackfillOperator { return op })).To(Succeed())
		embedded = backfila.NewEmbedded(registry, testLogger())
	})

	It("should execute every partition of a wet run", func() {
		run, err := embedded.CreateWetRun(ctx, "fill", nil, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Partitions()).To(HaveLen(2))

		Expect(run.Execute(ctx)).To(Succeed())
		Expect(run.Complete()).To(BeTrue())
		Expect(op.ranRecords()).To(HaveLen(20))
		counts := run.Counts()
		Expect(counts.PrecomputeMatching).To(Equal(int64(20)))
		Expect(counts.BackfilledMatching).To(Equal(int64(20)))
	})

	It("should step through scans one partition at a time", func() {
		run, err := embedded.CreateDryRun(ctx, "fill", nil, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		run.BatchSize = 5
		run.ScanSize = 5
		Expect(run.PrecomputeRemaining(ctx)).To(Succeed())

		Expect(run.PartitionScan(ctx, "left")).To(Succeed())
		Expect(run.BatchesToRun()).To(HaveLen(1))
		left, err := run.Partition("left")
		Expect(err).NotTo(HaveOccurred())
		Expect(left.PendingBatches).To(HaveLen(1))

		Expect(run.SingleScan(ctx)).To(Succeed())
		Expect(run.BatchesToRun()).To(HaveLen(3))
		Expect(run.FinishedScanning()).To(BeFalse())

		Expect(run.ScanRemaining(ctx)).To(Succeed())
		Expect(run.FinishedScanning()).To(BeTrue())
		Expect(run.RunBatch(ctx)).To(Succeed())
		Expect(run.RunAllScanned(ctx)).To(Succeed())
		Expect(run.Complete()).To(BeTrue())
		Expect(op.ranRecords()).To(BeEmpty())
		Expect(run.RunBatch(ctx)).To(MatchError(backfila.ErrNoBatchesToRun))
	})

	It("should pass a range to PrepareBackfill", func() {
		run, err := embedded.CreateWetRun(ctx, "fill", nil, key(2), key(5))
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Execute(ctx)).To(Succeed())
		Expect(op.ranRecords()).To(Equal([]int{2, 3, 4, 5}))
	})

	It("should reject unknown backfills and partitions", func() {
		_, err := embedded.CreateWetRun(ctx, "missing", nil, nil, nil)
		Expect(err).To(MatchError(backfila.ErrNotFound))

		run, err := embedded.CreateWetRun(ctx, "fill", nil, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.PartitionScan(ctx, "middle")).To(MatchError(backfila.ErrNotFound))
	})

	It("should surface prepare failures as validation errors", func() {
		op.prepareErr = errors.New("bad parameters")
		_, err := embedded.CreateDryRun(ctx, "fill", nil, nil, nil)
		Expect(backfila.IsValidationError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("bad parameters"))
	})

	It("should reject oversized parameters", func() {
		big := make([]byte, backfila.MaxParameterValueSize+1)
		_, err := embedded.CreateDryRun(ctx, "fill", map[string][]byte{"blob": big}, nil, nil)
		Expect(backfila.IsValidationError(err)).To(BeTrue())
	})
})
