package backfila

import (
	"context"
	"time"
)

// BackfillOperator is the contract a client service implements so that backfila can drive it.
// Implementations must be safe for concurrent use: partitions of a run call into the same
// operator from different runners.
type BackfillOperator interface {
	// PrepareBackfill validates parameters and splits the requested range into partitions.
	PrepareBackfill(ctx context.Context, req *PrepareBackfillRequest) (*PrepareBackfillResponse, error)

	// GetNextBatchRange scans forward from PreviousEndKey (exclusive) and returns batches in
	// ascending key order. An empty batch list means the partition has no more data.
	GetNextBatchRange(ctx context.Context, req *GetNextBatchRangeRequest) (*GetNextBatchRangeResponse, error)

	// RunBatch applies the side effects of one batch, or only computes them when DryRun is set.
	// It must be safe to retry.
	RunBatch(ctx context.Context, req *RunBatchRequest) (*RunBatchResponse, error)
}

// PrepareBackfillRequest asks the client to validate parameters and partition a backfill.
type PrepareBackfillRequest struct {
	BackfillID   string            `json:"backfill_id,omitempty"`
	BackfillName string            `json:"backfill_name"`
	Range        KeyRange          `json:"range"`
	Parameters   map[string][]byte `json:"parameters,omitempty"`
	DryRun       bool              `json:"dry_run"`
}

// PreparePartition describes one partition returned by PrepareBackfill.
type PreparePartition struct {
	PartitionName string   `json:"partition_name"`
	BackfillRange KeyRange `json:"backfill_range"`
	// EstimatedRecordCount lets the partition skip precompute.
	EstimatedRecordCount *int64 `json:"estimated_record_count,omitempty"`
}

// PrepareBackfillResponse lists the partitions of the backfill.
// Parameters, when set, are merged into the run's parameters.
type PrepareBackfillResponse struct {
	Partitions   []PreparePartition `json:"partitions"`
	Parameters   map[string][]byte  `json:"parameters,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// GetNextBatchRangeRequest asks the client for the next batches of a partition.
type GetNextBatchRangeRequest struct {
	BackfillID    string            `json:"backfill_id,omitempty"`
	BackfillName  string            `json:"backfill_name"`
	PartitionName string            `json:"partition_name"`
	BackfillRange KeyRange          `json:"backfill_range"`
	// PreviousEndKey is nil on the first scan; scanning then starts at BackfillRange.Start.
	PreviousEndKey []byte            `json:"previous_end_key,omitempty"`
	ScanSize       int64             `json:"scan_size"`
	BatchSize      int64             `json:"batch_size"`
	Parameters     map[string][]byte `json:"parameters,omitempty"`
	DryRun         bool              `json:"dry_run"`
	Precomputing   bool              `json:"precomputing"`

	ComputeTimeLimitMs int64 `json:"compute_time_limit_ms,omitempty"`
	ComputeCountLimit  int64 `json:"compute_count_limit,omitempty"`
}

// ComputeTimeLimit returns the scan time limit, or zero when unlimited.
func (r *GetNextBatchRangeRequest) ComputeTimeLimit() time.Duration {
	return time.Duration(r.ComputeTimeLimitMs) * time.Millisecond
}

// StartKey is where the scan begins: PreviousEndKey if set, else the start of the range.
func (r *GetNextBatchRangeRequest) StartKey() []byte {
	if r.PreviousEndKey != nil {
		return r.PreviousEndKey
	}
	return r.BackfillRange.Start
}

// GetNextBatchRangeResponse carries scanned batches in ascending order.
type GetNextBatchRangeResponse struct {
	Batches []Batch `json:"batches"`
}

// RunBatchRequest asks the client to run one batch.
type RunBatchRequest struct {
	BackfillID    string            `json:"backfill_id,omitempty"`
	BackfillName  string            `json:"backfill_name"`
	PartitionName string            `json:"partition_name"`
	BatchRange    KeyRange          `json:"batch_range"`
	Parameters    map[string][]byte `json:"parameters,omitempty"`
	DryRun        bool              `json:"dry_run"`
	BatchSize     int64             `json:"batch_size"`
}

// RunBatchResponse reports the outcome of RunBatch.
type RunBatchResponse struct {
	// RemainingBatchRange is set when the client only processed part of the batch.
	// The caller re-issues RunBatch for the remainder.
	RemainingBatchRange *KeyRange `json:"remaining_batch_range,omitempty"`
}
