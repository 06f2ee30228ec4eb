package backfila

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Defaults applied to unset CreateBackfillRequest fields.
const (
	DefaultNumThreads = 1
	DefaultScanSize   = 1000
	DefaultBatchSize  = 100
)

// CreateBackfillRequest describes a new run. Zero numeric fields take their defaults;
// a nil DryRun means dry run.
type CreateBackfillRequest struct {
	BackfillName    string            `json:"backfill_name"`
	Parameters      map[string][]byte `json:"parameters,omitempty"`
	NumThreads      int               `json:"num_threads,omitempty"`
	ScanSize        int64             `json:"scan_size,omitempty"`
	BatchSize       int64             `json:"batch_size,omitempty"`
	DryRun          *bool             `json:"dry_run,omitempty"`
	BackoffSchedule string            `json:"backoff_schedule,omitempty"`
	ExtraSleepMs    int64             `json:"extra_sleep_ms,omitempty"`
	RangeStart      []byte            `json:"pkey_range_start,omitempty"`
	RangeEnd        []byte            `json:"pkey_range_end,omitempty"`
}

type createSettings struct {
	numThreads int
	scanSize   int64
	batchSize  int64
	dryRun     bool
	backoff    BackoffSchedule
	extraSleep time.Duration
}

func (r *CreateBackfillRequest) settings() (createSettings, error) {
	s := createSettings{
		numThreads: r.NumThreads,
		scanSize:   r.ScanSize,
		batchSize:  r.BatchSize,
		dryRun:     true,
		extraSleep: time.Duration(r.ExtraSleepMs) * time.Millisecond,
	}
	if s.numThreads == 0 {
		s.numThreads = DefaultNumThreads
	}
	if s.scanSize == 0 {
		s.scanSize = DefaultScanSize
	}
	if s.batchSize == 0 {
		s.batchSize = DefaultBatchSize
	}
	if r.DryRun != nil {
		s.dryRun = *r.DryRun
	}

	if r.BackfillName == "" {
		return s, validationErrorf("backfill_name is required")
	}
	if s.numThreads < 1 {
		return s, validationErrorf("num_threads must be >= 1")
	}
	if s.scanSize < 1 {
		return s, validationErrorf("scan_size must be >= 1")
	}
	if s.batchSize < 1 {
		return s, validationErrorf("batch_size must be >= 1")
	}
	if s.scanSize < s.batchSize {
		return s, validationErrorf("scan_size must be >= batch_size")
	}
	if r.ExtraSleepMs < 0 {
		return s, validationErrorf("extra_sleep_ms must be >= 0")
	}
	backoff, err := ParseBackoffSchedule(r.BackoffSchedule)
	if err != nil {
		return s, err
	}
	s.backoff = backoff
	if err := validateParameterSizes(r.Parameters); err != nil {
		return s, err
	}
	return s, nil
}

// BackfillCreator validates a request, prepares the backfill on the client and persists the
// run PAUSED with one partition per prepared partition.
type BackfillCreator struct {
	store      Store
	connectors *ConnectorProvider
	logger     *slog.Logger
}

// NewBackfillCreator creates a creator. A nil logger discards output.
func NewBackfillCreator(store Store, connectors *ConnectorProvider, logger *slog.Logger) *BackfillCreator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BackfillCreator{store: store, connectors: connectors, logger: logger.With("component", "creator")}
}

// Create validates req and stores a new PAUSED run. Validation and prepare failures return a
// *ValidationError and persist nothing.
func (c *BackfillCreator) Create(ctx context.Context, author, serviceName, variant string, req CreateBackfillRequest) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	settings, err := req.settings()
	if err != nil {
		return "", err
	}
	if variant == "" {
		variant = DefaultVariant
	}

	service, err := c.store.GetService(ctx, serviceName, variant)
	if errors.Is(err, ErrNotFound) {
		return "", validationErrorf("service %s/%s is not registered", serviceName, variant)
	}
	if err != nil {
		return "", fmt.Errorf("load service: %w", err)
	}
	registered, err := c.store.GetRegisteredBackfill(ctx, service.ID, req.BackfillName)
	if errors.Is(err, ErrNotFound) {
		return "", validationErrorf("backfill %s is not registered by %s/%s", req.BackfillName, serviceName, variant)
	}
	if err != nil {
		return "", fmt.Errorf("load registered backfill: %w", err)
	}

	op, err := c.connectors.Operator(service)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	resp, err := op.PrepareBackfill(ctx, &PrepareBackfillRequest{
		BackfillID:   runID,
		BackfillName: req.BackfillName,
		Range:        KeyRange{Start: copyBytes(req.RangeStart), End: copyBytes(req.RangeEnd)},
		Parameters:   copyParameters(req.Parameters),
		DryRun:       settings.dryRun,
	})
	if err != nil {
		return "", &ValidationError{
			Message: fmt.Sprintf("PrepareBackfill on %s failed", c.connectors.Describe(service)),
			Cause:   err,
		}
	}
	if resp != nil && resp.ErrorMessage != "" {
		return "", validationErrorf("PrepareBackfill on %s failed: %s", c.connectors.Describe(service), resp.ErrorMessage)
	}
	if err := validatePrepareResponse(resp); err != nil {
		return "", err
	}

	run := &BackfillRun{
		ID:                   runID,
		ServiceID:            service.ID,
		RegisteredBackfillID: registered.ID,
		BackfillName:         registered.Name,
		Parameters:           mergeParameters(req.Parameters, resp.Parameters),
		State:                RunStatePaused,
		Author:               author,
		ScanSize:             settings.scanSize,
		BatchSize:            settings.batchSize,
		NumThreads:           settings.numThreads,
		BackoffSchedule:      settings.backoff,
		DryRun:               settings.dryRun,
		ExtraSleep:           settings.extraSleep,
	}
	partitions := newRunPartitions(runID, resp.Partitions, RunStatePaused)
	if err := c.store.CreateRun(ctx, run, partitions); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := c.store.RecordEvent(ctx, &EventLog{
		RunID:   runID,
		User:    author,
		Type:    EventTypeStateChange,
		Message: fmt.Sprintf("backfill created with %d partitions", len(partitions)),
	}); err != nil {
		c.logger.Warn("failed to record creation event", "run", runID, "error", err)
	}
	c.logger.Info("backfill created",
		"backfill", run.BackfillName,
		"run", runID,
		"author", author,
		"partitions", len(partitions),
		"dryRun", run.DryRun,
	)
	return runID, nil
}

func validatePrepareResponse(resp *PrepareBackfillResponse) error {
	if resp == nil || len(resp.Partitions) == 0 {
		return validationErrorf("PrepareBackfill returned no partitions")
	}
	names := make(map[string]bool, len(resp.Partitions))
	for _, p := range resp.Partitions {
		if p.PartitionName == "" {
			return validationErrorf("PrepareBackfill returned unnamed partitions")
		}
		if names[p.PartitionName] {
			return validationErrorf("PrepareBackfill did not return distinct partition names")
		}
		names[p.PartitionName] = true
	}
	return nil
}

// newRunPartitions builds the initial partition rows. A partition that came with an estimate
// needs no precompute and starts with its counts seeded from the estimate.
func newRunPartitions(runID string, prepared []PreparePartition, state RunState) []*RunPartition {
	partitions := make([]*RunPartition, 0, len(prepared))
	for _, pp := range prepared {
		p := &RunPartition{
			ID:            uuid.NewString(),
			RunID:         runID,
			PartitionName: pp.PartitionName,
			BackfillRange: pp.BackfillRange.Clone(),
			RunState:      state,
		}
		if pp.EstimatedRecordCount != nil {
			estimate := *pp.EstimatedRecordCount
			p.EstimatedRecordCount = &estimate
			p.PrecomputeDone = true
			p.PrecomputeMatchingCount = estimate
			p.PrecomputeScannedCount = estimate
		}
		partitions = append(partitions, p)
	}
	return partitions
}
