// Package backfila coordinates large, resumable backfills: scans of a dataset performed in
// ranged batches against a client service, with pause/resume, multi-partition parallelism,
// lease-based failover and dry/wet run semantics.
//
// The library supports:
//   - Multiple store implementations (in-memory, BadgerDB, SQLite via GORM)
//   - Lease hunting across server instances with optimistic-concurrency writes
//   - A per-partition cursor state machine shared by the server runner and the embedded runner
//   - Retry with a configurable backoff schedule and explicit error classification
//   - Client callback RPCs and the service API over connect with a JSON codec
//
// Example usage:
//
//	registry := backfila.NewRegistry()
//	registry.Register("my_backfill", myOperatorFactory)
//
//	run, _ := backfila.NewEmbedded(registry, logger).CreateWetRun(ctx, "my_backfill", nil, nil, nil)
//	_ = run.Execute(ctx)
package backfila

import (
	"bytes"
	"fmt"
	"time"
)

// RunState represents the state of a backfill run or one of its partitions.
type RunState string

const (
	// RunStatePaused indicates the run was created or paused and is not being worked on.
	RunStatePaused RunState = "PAUSED"
	// RunStateRunning indicates the run is eligible for leasing.
	RunStateRunning RunState = "RUNNING"
	// RunStateComplete indicates every partition finished.
	RunStateComplete RunState = "COMPLETE"
	// RunStateCancelled indicates the run was cancelled by an operator. Terminal.
	RunStateCancelled RunState = "CANCELLED"
	// RunStateErrored is only used for partitions that exhausted their backoff schedule.
	// Resuming the run moves them back to RUNNING.
	RunStateErrored RunState = "ERRORED"
)

// IsFinal reports whether no further transitions are possible from the state.
func (s RunState) IsFinal() bool {
	return s == RunStateComplete || s == RunStateCancelled
}

// KeyRange is an opaque range of keys. A nil bound is unbounded.
// The ordering of keys is defined by the backend; the core never interprets the bytes.
type KeyRange struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"`
}

// Clone returns a deep copy of the range.
func (r KeyRange) Clone() KeyRange {
	return KeyRange{Start: copyBytes(r.Start), End: copyBytes(r.End)}
}

// Equal reports whether both bounds are byte-equal.
func (r KeyRange) Equal(other KeyRange) bool {
	return bytes.Equal(r.Start, other.Start) && bytes.Equal(r.End, other.End)
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%s, %s]", keyString(r.Start), keyString(r.End))
}

func keyString(key []byte) string {
	if key == nil {
		return "unbounded"
	}
	return fmt.Sprintf("%q", key)
}

// Batch is one unit of work produced by a scan, to be run later.
type Batch struct {
	Range               KeyRange `json:"range"`
	ScannedRecordCount  int64    `json:"scanned_record_count"`
	MatchingRecordCount int64    `json:"matching_record_count"`
}

// Service is a client service that registered its backfills.
type Service struct {
	ID                 string    // Unique service identifier
	Name               string    // Registry name of the service
	Variant            string    // Variant, "default" unless configured
	ConnectorType      string    // How to reach the service (see ConnectorProvider)
	ConnectorExtraData string    // Connector specific data, e.g. the callback URL
	SlackChannel       string    // Channel used by notification listeners
	LastRegisteredAt   time.Time // When the service last called ConfigureService
}

// RegisteredBackfill is a backfill exposed by a service.
type RegisteredBackfill struct {
	ID               string     // Unique registration identifier
	ServiceID        string     // Owning service
	Name             string     // Backfill name, unique among active registrations of a service
	ParameterNames   []string   // Names of the accepted parameters
	RequiresApproval bool       // Whether runs need an approval before starting
	DeleteBy         *time.Time // Deadline after which the backfill should be removed from code
	CreatedAt        time.Time  // When this registration was stored
	DeactivatedAt    *time.Time // Set once replaced or removed (nil while active)
}

// Active reports whether the registration is the current one.
func (r *RegisteredBackfill) Active() bool {
	return r.DeactivatedAt == nil
}

// equalConfig reports whether two registrations describe the same backfill.
func (r *RegisteredBackfill) equalConfig(other *RegisteredBackfill) bool {
	if r.Name != other.Name || r.RequiresApproval != other.RequiresApproval {
		return false
	}
	if len(r.ParameterNames) != len(other.ParameterNames) {
		return false
	}
	for i := range r.ParameterNames {
		if r.ParameterNames[i] != other.ParameterNames[i] {
			return false
		}
	}
	switch {
	case r.DeleteBy == nil && other.DeleteBy == nil:
		return true
	case r.DeleteBy == nil || other.DeleteBy == nil:
		return false
	default:
		return r.DeleteBy.Equal(*other.DeleteBy)
	}
}

// BackfillRun is one execution of a registered backfill.
type BackfillRun struct {
	ID                   string            // Unique run identifier
	ServiceID            string            // Service that owns the backfill
	RegisteredBackfillID string            // Registration the run was created from
	BackfillName         string            // Denormalized backfill name
	Parameters           map[string][]byte // Parameters passed to every client call
	State                RunState          // Current run state
	Author               string            // Who created the run
	ScanSize             int64             // Records scanned per GetNextBatchRange call
	BatchSize            int64             // Maximum records per batch
	NumThreads           int               // Parallelism hint used to size the batch queue
	BackoffSchedule      BackoffSchedule   // Delays applied after consecutive failures
	DryRun               bool              // Whether RunBatch should skip side effects
	ExtraSleep           time.Duration     // Pause after each batch (throttling)
	CreatedAt            time.Time         // When the run was created
	UpdatedAt            time.Time         // When the state last changed
}

// RunPartition is the persisted progress of one partition of a run.
type RunPartition struct {
	ID            string   // Unique partition identifier
	RunID         string   // Owning run
	PartitionName string   // Unique within a run
	BackfillRange KeyRange // Full range assigned at creation, immutable
	RunState      RunState // Mirrors the run state until the partition completes or errors

	LeaseToken     string     // Token of the runner that holds the lease (empty if unleased)
	LeaseExpiresAt *time.Time // Lease expiry (nil if never leased)
	Version        int64      // Optimistic concurrency version, bumped on every write

	PrecomputeDone          bool   // Precompute finished (or not required)
	PrecomputeEndKey        []byte // Last key precomputed (exclusive start of the next precompute scan)
	PrecomputeMatchingCount int64  // Matching records seen by precompute
	PrecomputeScannedCount  int64  // Records scanned by precompute

	ScanDone                bool    // Scanning reached the end of the range
	ScanEndKey              []byte  // Last key scanned (exclusive start of the next scan)
	PendingBatches          []Batch // Batches scanned but not yet run, in order
	BackfilledMatchingCount int64   // Matching records run successfully
	BackfilledScannedCount  int64   // Scanned records run successfully (or skipped as non-matching)

	EstimatedRecordCount *int64 // Estimate returned by PrepareBackfill, if any
	ErrorMessage         string // Last fatal error, set when RunState is ERRORED
}

// Leased reports whether the partition holds a lease that has not expired at now.
func (p *RunPartition) Leased(now time.Time) bool {
	return p.LeaseToken != "" && p.LeaseExpiresAt != nil && p.LeaseExpiresAt.After(now)
}

// EventType categorizes an EventLog entry.
type EventType string

const (
	EventTypeStateChange EventType = "STATE_CHANGE"
	EventTypeError       EventType = "ERROR"
)

// EventLog is an audit entry about a run or one of its partitions.
type EventLog struct {
	ID          string    // Unique event identifier
	RunID       string    // Run the event belongs to
	PartitionID string    // Partition the event belongs to (empty for run-level events)
	User        string    // Who caused the event (empty for system events)
	Type        EventType // Event category
	Message     string    // Human readable message
	ExtraData   string    // Details such as an error chain
	CreatedAt   time.Time // When the event happened
}

func cloneService(s *Service) *Service {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

func cloneRegisteredBackfill(r *RegisteredBackfill) *RegisteredBackfill {
	if r == nil {
		return nil
	}
	clone := *r
	clone.ParameterNames = copyStringSlice(r.ParameterNames)
	clone.DeleteBy = copyTimePtr(r.DeleteBy)
	clone.DeactivatedAt = copyTimePtr(r.DeactivatedAt)
	return &clone
}

func cloneRun(run *BackfillRun) *BackfillRun {
	if run == nil {
		return nil
	}
	clone := *run
	clone.Parameters = copyParameters(run.Parameters)
	clone.BackoffSchedule = append(BackoffSchedule(nil), run.BackoffSchedule...)
	return &clone
}

func clonePartition(p *RunPartition) *RunPartition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.BackfillRange = p.BackfillRange.Clone()
	clone.LeaseExpiresAt = copyTimePtr(p.LeaseExpiresAt)
	clone.PrecomputeEndKey = copyBytes(p.PrecomputeEndKey)
	clone.ScanEndKey = copyBytes(p.ScanEndKey)
	clone.PendingBatches = copyBatches(p.PendingBatches)
	if p.EstimatedRecordCount != nil {
		estimate := *p.EstimatedRecordCount
		clone.EstimatedRecordCount = &estimate
	}
	return &clone
}

func copyBatches(src []Batch) []Batch {
	if src == nil {
		return nil
	}
	dst := make([]Batch, len(src))
	for i, b := range src {
		dst[i] = Batch{
			Range:               b.Range.Clone(),
			ScannedRecordCount:  b.ScannedRecordCount,
			MatchingRecordCount: b.MatchingRecordCount,
		}
	}
	return dst
}

func copyParameters(src map[string][]byte) map[string][]byte {
	if src == nil {
		return nil
	}
	dst := make(map[string][]byte, len(src))
	for k, v := range src {
		dst[k] = copyBytes(v)
	}
	return dst
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func copyStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}
