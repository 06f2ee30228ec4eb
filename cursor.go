package backfila

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

const (
	// DefaultComputeTimeLimit bounds how long a single GetNextBatchRange call may scan.
	DefaultComputeTimeLimit = 5 * time.Second

	// PrecomputeCountLimit is the number of batches a precompute scan may return per call.
	PrecomputeCountLimit = 100
)

// StepKind names the transition a cursor step performed.
type StepKind int

const (
	StepNone StepKind = iota
	StepPrecompute
	StepScan
	StepRun
	StepDone
)

func (k StepKind) String() string {
	switch k {
	case StepPrecompute:
		return "precompute"
	case StepScan:
		return "scan"
	case StepRun:
		return "run"
	case StepDone:
		return "done"
	default:
		return "none"
	}
}

// Done reports whether the partition has nothing left to precompute, scan or run.
func (p *RunPartition) Done() bool {
	return p.PrecomputeDone && p.ScanDone && len(p.PendingBatches) == 0
}

// PrecomputeCursor is the unprecomputed remainder of the range, or nil once precompute finished.
func (p *RunPartition) PrecomputeCursor() *KeyRange {
	if p.PrecomputeDone {
		return nil
	}
	return remainingRange(p.BackfillRange, p.PrecomputeEndKey)
}

// ScanCursor is the unscanned remainder of the range, or nil once scanning finished.
func (p *RunPartition) ScanCursor() *KeyRange {
	if p.ScanDone {
		return nil
	}
	return remainingRange(p.BackfillRange, p.ScanEndKey)
}

func remainingRange(full KeyRange, endKey []byte) *KeyRange {
	remaining := full.Clone()
	if endKey != nil {
		remaining.Start = copyBytes(endKey)
	}
	return &remaining
}

// NextStep decides what the next step of the partition is.
// capacity bounds how many batches may be pending before scanning pauses in favor of running;
// zero or less scans the whole range before running anything.
func (p *RunPartition) NextStep(capacity int) StepKind {
	switch {
	case !p.PrecomputeDone:
		return StepPrecompute
	case !p.ScanDone && (capacity <= 0 || len(p.PendingBatches) < capacity):
		return StepScan
	case len(p.PendingBatches) > 0:
		return StepRun
	case !p.ScanDone:
		return StepScan
	default:
		return StepDone
	}
}

// StepConfig carries the run-level settings a cursor step sends to the client.
type StepConfig struct {
	BackfillID       string
	BackfillName     string
	Parameters       map[string][]byte
	DryRun           bool
	ScanSize         int64
	BatchSize        int64
	ScanCountLimit   int64
	ComputeTimeLimit time.Duration
}

// StepConfigForRun derives the step settings of a run. threadMultiplier sizes the number of
// batches a scan may return relative to the run's thread count.
func StepConfigForRun(run *BackfillRun, threadMultiplier int) StepConfig {
	limit := int64(run.NumThreads * threadMultiplier)
	if limit < 1 {
		limit = 1
	}
	return StepConfig{
		BackfillID:       run.ID,
		BackfillName:     run.BackfillName,
		Parameters:       run.Parameters,
		DryRun:           run.DryRun,
		ScanSize:         run.ScanSize,
		BatchSize:        run.BatchSize,
		ScanCountLimit:   limit,
		ComputeTimeLimit: DefaultComputeTimeLimit,
	}
}

// StepResult describes the outcome of a successful step.
type StepResult struct {
	Kind StepKind
	// Batches returned by a precompute or scan call.
	Batches []Batch
	// Batch is the batch sent to RunBatch.
	Batch *Batch
	// BatchFinished is false when the client left part of the batch for another call.
	BatchFinished bool
}

// Cursor drives one partition through precompute, scan and run against an operator.
// The same cursor logic backs both the server runner and the embedded run.
// A failed step leaves the partition untouched.
type Cursor struct {
	Operator BackfillOperator
	Config   StepConfig
	// Capacity bounds pending batches before running them; see RunPartition.NextStep.
	Capacity int
}

// Step performs the next transition of p.
func (c *Cursor) Step(ctx context.Context, p *RunPartition) (StepResult, error) {
	switch p.NextStep(c.Capacity) {
	case StepPrecompute:
		return c.Precompute(ctx, p)
	case StepScan:
		return c.Scan(ctx, p)
	case StepRun:
		return c.RunFront(ctx, p)
	default:
		return StepResult{Kind: StepDone}, nil
	}
}

// Precompute performs one precompute scan.
func (c *Cursor) Precompute(ctx context.Context, p *RunPartition) (StepResult, error) {
	if p.PrecomputeDone {
		return StepResult{Kind: StepNone}, nil
	}
	resp, err := c.Operator.GetNextBatchRange(ctx, &GetNextBatchRangeRequest{
		BackfillID:         c.Config.BackfillID,
		BackfillName:       c.Config.BackfillName,
		PartitionName:      p.PartitionName,
		BackfillRange:      p.BackfillRange.Clone(),
		PreviousEndKey:     copyBytes(p.PrecomputeEndKey),
		ScanSize:           c.Config.ScanSize,
		BatchSize:          c.Config.BatchSize,
		Parameters:         c.Config.Parameters,
		DryRun:             c.Config.DryRun,
		Precomputing:       true,
		ComputeTimeLimitMs: c.Config.ComputeTimeLimit.Milliseconds(),
		ComputeCountLimit:  PrecomputeCountLimit,
	})
	if err != nil {
		return StepResult{}, err
	}
	if resp == nil {
		return StepResult{}, &InvalidResponseError{Reason: "empty GetNextBatchRange response"}
	}
	if err := checkBatches(resp.Batches, p.PrecomputeEndKey); err != nil {
		return StepResult{}, err
	}

	if len(resp.Batches) == 0 {
		p.PrecomputeDone = true
		return StepResult{Kind: StepPrecompute}, nil
	}
	for _, b := range resp.Batches {
		p.PrecomputeMatchingCount += b.MatchingRecordCount
		p.PrecomputeScannedCount += b.ScannedRecordCount
	}
	p.PrecomputeEndKey = copyBytes(resp.Batches[len(resp.Batches)-1].Range.End)
	return StepResult{Kind: StepPrecompute, Batches: resp.Batches}, nil
}

// Scan performs one scan and queues the returned batches.
// Batches without matching records are not queued; their scanned records count as backfilled.
func (c *Cursor) Scan(ctx context.Context, p *RunPartition) (StepResult, error) {
	if p.ScanDone {
		return StepResult{Kind: StepNone}, nil
	}
	resp, err := c.Operator.GetNextBatchRange(ctx, &GetNextBatchRangeRequest{
		BackfillID:         c.Config.BackfillID,
		BackfillName:       c.Config.BackfillName,
		PartitionName:      p.PartitionName,
		BackfillRange:      p.BackfillRange.Clone(),
		PreviousEndKey:     copyBytes(p.ScanEndKey),
		ScanSize:           c.Config.ScanSize,
		BatchSize:          c.Config.BatchSize,
		Parameters:         c.Config.Parameters,
		DryRun:             c.Config.DryRun,
		ComputeTimeLimitMs: c.Config.ComputeTimeLimit.Milliseconds(),
		ComputeCountLimit:  c.Config.ScanCountLimit,
	})
	if err != nil {
		return StepResult{}, err
	}
	if resp == nil {
		return StepResult{}, &InvalidResponseError{Reason: "empty GetNextBatchRange response"}
	}
	if err := checkBatches(resp.Batches, p.ScanEndKey); err != nil {
		return StepResult{}, err
	}

	if len(resp.Batches) == 0 {
		p.ScanDone = true
		return StepResult{Kind: StepScan}, nil
	}
	for _, b := range resp.Batches {
		if b.MatchingRecordCount == 0 {
			p.BackfilledScannedCount += b.ScannedRecordCount
			continue
		}
		p.PendingBatches = append(p.PendingBatches, Batch{
			Range:               b.Range.Clone(),
			ScannedRecordCount:  b.ScannedRecordCount,
			MatchingRecordCount: b.MatchingRecordCount,
		})
	}
	p.ScanEndKey = copyBytes(resp.Batches[len(resp.Batches)-1].Range.End)
	return StepResult{Kind: StepScan, Batches: resp.Batches}, nil
}

// RunFront runs the oldest pending batch. When the client reports a remaining range the batch
// stays at the front with the narrowed range and its counts are credited once it finishes.
func (c *Cursor) RunFront(ctx context.Context, p *RunPartition) (StepResult, error) {
	if len(p.PendingBatches) == 0 {
		return StepResult{Kind: StepNone}, nil
	}
	front := p.PendingBatches[0]
	resp, err := c.Operator.RunBatch(ctx, &RunBatchRequest{
		BackfillID:    c.Config.BackfillID,
		BackfillName:  c.Config.BackfillName,
		PartitionName: p.PartitionName,
		BatchRange:    front.Range.Clone(),
		Parameters:    c.Config.Parameters,
		DryRun:        c.Config.DryRun,
		BatchSize:     c.Config.BatchSize,
	})
	if err != nil {
		return StepResult{}, err
	}

	if resp != nil && resp.RemainingBatchRange != nil {
		if resp.RemainingBatchRange.Equal(front.Range) {
			return StepResult{}, &InvalidResponseError{Reason: fmt.Sprintf("batch %s made no progress", front.Range)}
		}
		p.PendingBatches[0].Range = resp.RemainingBatchRange.Clone()
		return StepResult{Kind: StepRun, Batch: &front, BatchFinished: false}, nil
	}

	p.PendingBatches = p.PendingBatches[1:]
	if len(p.PendingBatches) == 0 {
		p.PendingBatches = nil
	}
	p.BackfilledMatchingCount += front.MatchingRecordCount
	p.BackfilledScannedCount += front.ScannedRecordCount
	return StepResult{Kind: StepRun, Batch: &front, BatchFinished: true}, nil
}

func checkBatches(batches []Batch, previousEndKey []byte) error {
	for i, b := range batches {
		if b.Range.End == nil {
			return &InvalidResponseError{Reason: fmt.Sprintf("batch %d has no end key", i)}
		}
		if b.ScannedRecordCount < 0 || b.MatchingRecordCount < 0 {
			return &InvalidResponseError{Reason: fmt.Sprintf("batch %d has negative counts", i)}
		}
		if b.MatchingRecordCount > b.ScannedRecordCount {
			return &InvalidResponseError{Reason: fmt.Sprintf("batch %d matches more records than it scanned", i)}
		}
	}
	if n := len(batches); n > 0 && previousEndKey != nil && bytes.Equal(batches[n-1].Range.End, previousEndKey) {
		return &InvalidResponseError{Reason: "scan did not advance past the previous end key"}
	}
	return nil
}
