// Package blobstore backfills the objects of a gocloud.dev bucket. Keys are object keys,
// partitions are key prefixes and batches are inclusive ranges of object keys.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/VsevolodSauta/backfila"
	"gocloud.dev/blob"
)

// AllPartition names the single partition of a backfill without prefixes.
const AllPartition = "all"

// Backfill runs RunBatch over the keys of Bucket.
type Backfill struct {
	Bucket *blob.Bucket
	// Prefixes become one partition each. Empty means a single partition over the whole bucket.
	Prefixes []string
	// Match selects the objects to run. Nil matches every object.
	Match func(obj *blob.ListObject) bool
	// RunBatch is called with the matching keys of each batch. It must skip side effects on
	// dry runs.
	RunBatch func(ctx context.Context, bucket *blob.Bucket, keys []string, dryRun bool) error
}

// Operator returns the backfill as a BackfillOperator.
func (b *Backfill) Operator() backfila.BackfillOperator {
	return &operator{backfill: b}
}

// Factory returns a registry factory for the backfill.
func (b *Backfill) Factory() backfila.OperatorFactory {
	return b.Operator
}

type operator struct {
	backfill *Backfill
}

func (o *operator) prefix(partition string) (string, error) {
	if len(o.backfill.Prefixes) == 0 && partition == AllPartition {
		return "", nil
	}
	for _, prefix := range o.backfill.Prefixes {
		if prefix == partition {
			return prefix, nil
		}
	}
	return "", &backfila.ValidationError{Message: fmt.Sprintf("unknown partition %s", partition)}
}

func (o *operator) matches(obj *blob.ListObject) bool {
	return !obj.IsDir && (o.backfill.Match == nil || o.backfill.Match(obj))
}

func (o *operator) PrepareBackfill(_ context.Context, req *backfila.PrepareBackfillRequest) (*backfila.PrepareBackfillResponse, error) {
	if req.Range.Start != nil && req.Range.End != nil && string(req.Range.Start) > string(req.Range.End) {
		return nil, &backfila.ValidationError{Message: "Start of range must not be after its end"}
	}
	names := o.backfill.Prefixes
	if len(names) == 0 {
		names = []string{AllPartition}
	}
	resp := &backfila.PrepareBackfillResponse{}
	for _, name := range names {
		resp.Partitions = append(resp.Partitions, backfila.PreparePartition{
			PartitionName: name,
			BackfillRange: req.Range.Clone(),
		})
	}
	return resp, nil
}

// inRange reports whether key lies in r, both bounds inclusive.
func inRange(key string, r backfila.KeyRange) bool {
	if r.Start != nil && key < string(r.Start) {
		return false
	}
	return r.End == nil || key <= string(r.End)
}

func (o *operator) GetNextBatchRange(ctx context.Context, req *backfila.GetNextBatchRangeRequest) (*backfila.GetNextBatchRangeResponse, error) {
	prefix, err := o.prefix(req.PartitionName)
	if err != nil {
		return nil, err
	}
	if req.BatchSize < 1 || req.ScanSize < 1 {
		return nil, &backfila.ValidationError{Message: "scan_size and batch_size must be positive"}
	}
	var deadline time.Time
	if limit := req.ComputeTimeLimit(); limit > 0 {
		deadline = time.Now().Add(limit)
	}

	resp := &backfila.GetNextBatchRangeResponse{}
	var current *backfila.Batch
	flush := func() {
		if current != nil {
			resp.Batches = append(resp.Batches, *current)
			current = nil
		}
	}

	var scanned int64
	iter := o.backfill.Bucket.List(&blob.ListOptions{Prefix: prefix})
	for scanned < req.ScanSize {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		if req.PreviousEndKey != nil && obj.Key <= string(req.PreviousEndKey) {
			continue
		}
		if !inRange(obj.Key, req.BackfillRange) {
			if req.BackfillRange.End != nil && obj.Key > string(req.BackfillRange.End) {
				break
			}
			continue
		}

		scanned++
		if current == nil {
			current = &backfila.Batch{Range: backfila.KeyRange{Start: []byte(obj.Key)}}
		}
		current.Range.End = []byte(obj.Key)
		current.ScannedRecordCount++
		if o.matches(obj) {
			current.MatchingRecordCount++
		}
		if current.MatchingRecordCount >= req.BatchSize {
			flush()
			if req.ComputeCountLimit > 0 && int64(len(resp.Batches)) >= req.ComputeCountLimit {
				break
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
	}
	flush()
	return resp, nil
}

func (o *operator) RunBatch(ctx context.Context, req *backfila.RunBatchRequest) (*backfila.RunBatchResponse, error) {
	prefix, err := o.prefix(req.PartitionName)
	if err != nil {
		return nil, err
	}
	if req.BatchRange.Start == nil || req.BatchRange.End == nil {
		return nil, &backfila.ValidationError{Message: "batch range must be bounded"}
	}

	var keys []string
	iter := o.backfill.Bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		if obj.Key > string(req.BatchRange.End) {
			break
		}
		if inRange(obj.Key, req.BatchRange) && o.matches(obj) {
			keys = append(keys, obj.Key)
		}
	}
	if o.backfill.RunBatch != nil && len(keys) > 0 {
		if err := o.backfill.RunBatch(ctx, o.backfill.Bucket, keys, req.DryRun); err != nil {
			return nil, err
		}
	}
	return &backfila.RunBatchResponse{}, nil
}
