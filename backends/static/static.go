// Package static backfills a fixed in-memory list of items. Keys are decimal item indexes and
// every item matches, which makes it the simplest backend to exercise the cursor with.
package static

import (
	"context"
	"fmt"
	"strconv"

	"github.com/VsevolodSauta/backfila"
)

// PartitionName is the name of the single partition a static backfill has.
const PartitionName = "only"

// Backfill runs RunBatch over slices of Items.
type Backfill[I, P any] struct {
	Items []I
	// Parameters decodes the run parameters. Nil leaves P at its zero value.
	Parameters *backfila.ParameterCodec[P]
	// Validate rejects parameters at prepare time. Optional.
	Validate func(P) error
	// RunBatch is called with the items of each batch. It must skip side effects on dry runs.
	RunBatch func(ctx context.Context, items []I, params P, dryRun bool) error
}

// Operator returns the backfill as a BackfillOperator.
func (b *Backfill[I, P]) Operator() backfila.BackfillOperator {
	return &operator[I, P]{backfill: b}
}

// Factory returns a registry factory for the backfill.
func (b *Backfill[I, P]) Factory() backfila.OperatorFactory {
	return b.Operator
}

type operator[I, P any] struct {
	backfill *Backfill[I, P]
}

func (o *operator[I, P]) params(parameters map[string][]byte) (P, error) {
	var params P
	if o.backfill.Parameters == nil {
		return params, nil
	}
	return o.backfill.Parameters.Decode(parameters)
}

func (o *operator[I, P]) PrepareBackfill(_ context.Context, req *backfila.PrepareBackfillRequest) (*backfila.PrepareBackfillResponse, error) {
	params, err := o.params(req.Parameters)
	if err != nil {
		return nil, err
	}
	if o.backfill.Validate != nil {
		if err := o.backfill.Validate(params); err != nil {
			return nil, &backfila.ValidationError{Message: "parameters rejected", Cause: err}
		}
	}

	size := len(o.backfill.Items)
	start, end := 0, size
	if req.Range.Start != nil {
		if start, err = strconv.Atoi(string(req.Range.Start)); err != nil {
			return nil, &backfila.ValidationError{Message: "Start of range must be a number"}
		}
	}
	if req.Range.End != nil {
		if end, err = strconv.Atoi(string(req.Range.End)); err != nil {
			return nil, &backfila.ValidationError{Message: "End of range must be a number"}
		}
	}
	if start < 0 || end < 0 {
		return nil, &backfila.ValidationError{Message: fmt.Sprintf("Start and end must be positive integers, start: %d end: %d", start, end)}
	}
	if start > end {
		return nil, &backfila.ValidationError{Message: fmt.Sprintf("Start must be less than or equal to end, start: %d end: %d", start, end)}
	}
	if start > size {
		return nil, &backfila.ValidationError{Message: fmt.Sprintf("Start is greater than the static datasource size, start: %d size: %d", start, size)}
	}
	if end > size {
		end = size
	}

	estimate := int64(end - start)
	return &backfila.PrepareBackfillResponse{
		Partitions: []backfila.PreparePartition{{
			PartitionName:        PartitionName,
			BackfillRange:        indexRange(start, end),
			EstimatedRecordCount: &estimate,
		}},
	}, nil
}

func (o *operator[I, P]) GetNextBatchRange(_ context.Context, req *backfila.GetNextBatchRangeRequest) (*backfila.GetNextBatchRangeResponse, error) {
	if req.PartitionName != PartitionName {
		return nil, &backfila.ValidationError{Message: fmt.Sprintf("Attempting to get batch for unknown partition %s", req.PartitionName)}
	}
	if req.BatchSize < 1 || req.ScanSize < 1 {
		return nil, &backfila.ValidationError{Message: "scan_size and batch_size must be positive"}
	}
	rangeStart, rangeEnd, err := decodeRange(req.BackfillRange)
	if err != nil {
		return nil, err
	}
	batchingStart := rangeStart
	if req.PreviousEndKey != nil {
		if batchingStart, err = strconv.Atoi(string(req.PreviousEndKey)); err != nil {
			return nil, &backfila.ValidationError{Message: "previous end key must be a number"}
		}
	}

	batchSize := int(req.BatchSize)
	limit := min(batchingStart+int(req.ScanSize), rangeEnd)
	resp := &backfila.GetNextBatchRangeResponse{}
	for batchStart := batchingStart; batchStart < limit; batchStart += batchSize {
		batchEnd := min(batchStart+batchSize, rangeEnd)
		count := int64(batchEnd - batchStart)
		resp.Batches = append(resp.Batches, backfila.Batch{
			Range:               indexRange(batchStart, batchEnd),
			ScannedRecordCount:  count,
			MatchingRecordCount: count,
		})
	}
	return resp, nil
}

func (o *operator[I, P]) RunBatch(ctx context.Context, req *backfila.RunBatchRequest) (*backfila.RunBatchResponse, error) {
	if req.PartitionName != PartitionName {
		return nil, &backfila.ValidationError{Message: fmt.Sprintf("Attempting to run batch for unknown partition %s", req.PartitionName)}
	}
	start, end, err := decodeRange(req.BatchRange)
	if err != nil {
		return nil, err
	}
	if end > len(o.backfill.Items) {
		return nil, &backfila.ValidationError{Message: fmt.Sprintf("batch end %d is past the datasource size %d", end, len(o.backfill.Items))}
	}
	params, err := o.params(req.Parameters)
	if err != nil {
		return nil, err
	}
	if o.backfill.RunBatch != nil {
		if err := o.backfill.RunBatch(ctx, o.backfill.Items[start:end], params, req.DryRun); err != nil {
			return nil, err
		}
	}
	return &backfila.RunBatchResponse{}, nil
}

func indexRange(start, end int) backfila.KeyRange {
	return backfila.KeyRange{
		Start: []byte(strconv.Itoa(start)),
		End:   []byte(strconv.Itoa(end)),
	}
}

func decodeRange(r backfila.KeyRange) (int, int, error) {
	start, err := strconv.Atoi(string(r.Start))
	if err != nil {
		return 0, 0, &backfila.ValidationError{Message: fmt.Sprintf("range start %q is not a number", r.Start)}
	}
	end, err := strconv.Atoi(string(r.End))
	if err != nil {
		return 0, 0, &backfila.ValidationError{Message: fmt.Sprintf("range end %q is not a number", r.End)}
	}
	if start < 0 || start > end {
		return 0, 0, &backfila.ValidationError{Message: fmt.Sprintf("invalid range %d..%d", start, end)}
	}
	return start, end, nil
}
