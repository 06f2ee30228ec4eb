package backfila

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

const (
	// DefaultEmbeddedScanSize is the scan size of embedded runs.
	DefaultEmbeddedScanSize = 10000
	// DefaultEmbeddedBatchSize is the batch size of embedded runs.
	DefaultEmbeddedBatchSize = 100
)

// ErrNoBatchesToRun is returned by EmbeddedRun.RunBatch when nothing is queued.
var ErrNoBatchesToRun = errors.New("no batches to run")

// Embedded creates runs that execute synchronously in the calling goroutine against operators
// of a registry. There is no store, no leasing and no concurrency, which makes it the
// deterministic way to exercise a backfill in tests and during development.
type Embedded struct {
	registry *Registry
	logger   *slog.Logger
}

// NewEmbedded creates an embedded runner factory. A nil logger discards output.
func NewEmbedded(registry *Registry, logger *slog.Logger) *Embedded {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Embedded{registry: registry, logger: logger.With("component", "embedded")}
}

// CreateDryRun prepares a run whose RunBatch calls skip side effects.
func (e *Embedded) CreateDryRun(ctx context.Context, backfillName string, parameters map[string][]byte, rangeStart, rangeEnd []byte) (*EmbeddedRun, error) {
	return e.create(ctx, backfillName, parameters, rangeStart, rangeEnd, true)
}

// CreateWetRun prepares a run whose RunBatch calls apply side effects.
func (e *Embedded) CreateWetRun(ctx context.Context, backfillName string, parameters map[string][]byte, rangeStart, rangeEnd []byte) (*EmbeddedRun, error) {
	return e.create(ctx, backfillName, parameters, rangeStart, rangeEnd, false)
}

func (e *Embedded) create(ctx context.Context, backfillName string, parameters map[string][]byte, rangeStart, rangeEnd []byte, dryRun bool) (*EmbeddedRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	op, err := e.registry.Operator(backfillName)
	if err != nil {
		return nil, err
	}
	if err := validateParameterSizes(parameters); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	resp, err := op.PrepareBackfill(ctx, &PrepareBackfillRequest{
		BackfillID:   runID,
		BackfillName: backfillName,
		Range:        KeyRange{Start: copyBytes(rangeStart), End: copyBytes(rangeEnd)},
		Parameters:   copyParameters(parameters),
		DryRun:       dryRun,
	})
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("PrepareBackfill on %s failed", backfillName), Cause: err}
	}
	if err := validatePrepareResponse(resp); err != nil {
		return nil, err
	}

	run := &EmbeddedRun{
		ID:                runID,
		BackfillName:      backfillName,
		DryRun:            dryRun,
		Parameters:        mergeParameters(parameters, resp.Parameters),
		ScanSize:          DefaultEmbeddedScanSize,
		BatchSize:         DefaultEmbeddedBatchSize,
		ComputeCountLimit: 1,
		operator:          op,
		partitions:        newRunPartitions(runID, resp.Partitions, RunStateRunning),
		logger:            e.logger.With("backfill", backfillName, "run", runID),
	}
	run.logger.Debug("embedded run created", "partitions", len(run.partitions), "dryRun", dryRun)
	return run, nil
}

// EmbeddedRun is one in-process execution of a backfill.
// ScanSize, BatchSize and ComputeCountLimit may be changed between steps.
type EmbeddedRun struct {
	ID                string
	BackfillName      string
	DryRun            bool
	Parameters        map[string][]byte
	ScanSize          int64
	BatchSize         int64
	ComputeCountLimit int64

	operator   BackfillOperator
	partitions []*RunPartition
	logger     *slog.Logger
}

func (r *EmbeddedRun) cursor() *Cursor {
	return &Cursor{
		Operator: r.operator,
		Config: StepConfig{
			BackfillID:       r.ID,
			BackfillName:     r.BackfillName,
			Parameters:       r.Parameters,
			DryRun:           r.DryRun,
			ScanSize:         r.ScanSize,
			BatchSize:        r.BatchSize,
			ScanCountLimit:   r.ComputeCountLimit,
			ComputeTimeLimit: DefaultComputeTimeLimit,
		},
	}
}

// Execute precomputes, scans and runs every partition to completion.
// Calling it on a complete run issues no client calls.
func (r *EmbeddedRun) Execute(ctx context.Context) error {
	if err := r.PrecomputeRemaining(ctx); err != nil {
		return err
	}
	if err := r.ScanRemaining(ctx); err != nil {
		return err
	}
	if err := r.RunAllScanned(ctx); err != nil {
		return err
	}
	if !r.Complete() {
		return fmt.Errorf("run %s did not complete", r.ID)
	}
	r.logger.Debug("embedded run complete")
	return nil
}

// PrecomputeRemaining runs precompute scans until every partition has finished precomputing.
func (r *EmbeddedRun) PrecomputeRemaining(ctx context.Context) error {
	cursor := r.cursor()
	for _, p := range r.partitions {
		for !p.PrecomputeDone {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := cursor.Precompute(ctx, p); err != nil {
				return fmt.Errorf("precompute partition %s: %w", p.PartitionName, err)
			}
		}
	}
	return nil
}

// SingleScan performs one scan on every partition that is still scanning.
func (r *EmbeddedRun) SingleScan(ctx context.Context) error {
	cursor := r.cursor()
	for _, p := range r.partitions {
		if err := r.scanPartition(ctx, cursor, p); err != nil {
			return err
		}
	}
	return nil
}

// PartitionScan performs one scan on the named partition.
func (r *EmbeddedRun) PartitionScan(ctx context.Context, partitionName string) error {
	p, err := r.partition(partitionName)
	if err != nil {
		return err
	}
	return r.scanPartition(ctx, r.cursor(), p)
}

func (r *EmbeddedRun) scanPartition(ctx context.Context, cursor *Cursor, p *RunPartition) error {
	if p.ScanDone {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := cursor.Scan(ctx, p); err != nil {
		return fmt.Errorf("scan partition %s: %w", p.PartitionName, err)
	}
	return nil
}

// ScanRemaining scans every partition to the end of its range, queueing all batches.
func (r *EmbeddedRun) ScanRemaining(ctx context.Context) error {
	for !r.FinishedScanning() {
		if err := r.SingleScan(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunBatch runs the next queued batch, following remaining ranges until the batch is finished.
func (r *EmbeddedRun) RunBatch(ctx context.Context) error {
	cursor := r.cursor()
	for _, p := range r.partitions {
		if len(p.PendingBatches) == 0 {
			continue
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := cursor.RunFront(ctx, p)
			if err != nil {
				return fmt.Errorf("run batch on partition %s: %w", p.PartitionName, err)
			}
			if result.BatchFinished {
				return nil
			}
		}
	}
	return ErrNoBatchesToRun
}

// RunAllScanned runs every queued batch.
func (r *EmbeddedRun) RunAllScanned(ctx context.Context) error {
	for r.hasPendingBatches() {
		if err := r.RunBatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Complete reports whether every partition is done.
func (r *EmbeddedRun) Complete() bool {
	for _, p := range r.partitions {
		if !p.Done() {
			return false
		}
	}
	return true
}

// FinishedScanning reports whether every partition has scanned its full range.
func (r *EmbeddedRun) FinishedScanning() bool {
	for _, p := range r.partitions {
		if !p.ScanDone {
			return false
		}
	}
	return true
}

// BatchesToRun returns the queued batches of all partitions, in partition order.
func (r *EmbeddedRun) BatchesToRun() []Batch {
	var batches []Batch
	for _, p := range r.partitions {
		batches = append(batches, copyBatches(p.PendingBatches)...)
	}
	return batches
}

// Partitions returns snapshots of the partitions.
func (r *EmbeddedRun) Partitions() []*RunPartition {
	out := make([]*RunPartition, len(r.partitions))
	for i, p := range r.partitions {
		out[i] = clonePartition(p)
	}
	return out
}

// Partition returns a snapshot of the named partition.
func (r *EmbeddedRun) Partition(name string) (*RunPartition, error) {
	p, err := r.partition(name)
	if err != nil {
		return nil, err
	}
	return clonePartition(p), nil
}

func (r *EmbeddedRun) partition(name string) (*RunPartition, error) {
	for _, p := range r.partitions {
		if p.PartitionName == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("partition %s: %w", name, ErrNotFound)
}

func (r *EmbeddedRun) hasPendingBatches() bool {
	for _, p := range r.partitions {
		if len(p.PendingBatches) > 0 {
			return true
		}
	}
	return false
}

// Counts sums the precompute and backfill counters over all partitions.
func (r *EmbeddedRun) Counts() PartitionCounts {
	var counts PartitionCounts
	for _, p := range r.partitions {
		counts.add(p)
	}
	return counts
}

// PartitionCounts aggregates partition counters.
type PartitionCounts struct {
	PrecomputeMatching int64 `json:"precompute_matching"`
	PrecomputeScanned  int64 `json:"precompute_scanned"`
	BackfilledMatching int64 `json:"backfilled_matching"`
	BackfilledScanned  int64 `json:"backfilled_scanned"`
}

func (c *PartitionCounts) add(p *RunPartition) {
	c.PrecomputeMatching += p.PrecomputeMatchingCount
	c.PrecomputeScanned += p.PrecomputeScannedCount
	c.BackfilledMatching += p.BackfilledMatchingCount
	c.BackfilledScanned += p.BackfilledScannedCount
}
