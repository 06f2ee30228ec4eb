package backfila

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Store represents the persistence layer for services, registrations, runs and partitions.
// Implementations must be thread-safe and must make UpdatePartition, CreateRun and SetRunState
// atomic: several server instances share one store and race for partition leases.
type Store interface {
	// SaveService inserts or updates a service keyed by name and variant, assigning an ID when empty
	SaveService(ctx context.Context, service *Service) error

	// GetService returns the service with the given name and variant, or ErrNotFound
	GetService(ctx context.Context, name, variant string) (*Service, error)

	// GetServiceByID returns the service with the given ID, or ErrNotFound
	GetServiceByID(ctx context.Context, serviceID string) (*Service, error)

	// ListServiceVariants returns the variants registered under a service name, sorted
	ListServiceVariants(ctx context.Context, name string) ([]string, error)

	// SaveRegisteredBackfill inserts or updates a registration, assigning an ID when empty
	SaveRegisteredBackfill(ctx context.Context, backfill *RegisteredBackfill) error

	// ListRegisteredBackfills returns the registrations of a service ordered by name.
	// activeOnly skips deactivated registrations.
	ListRegisteredBackfills(ctx context.Context, serviceID string, activeOnly bool) ([]*RegisteredBackfill, error)

	// GetRegisteredBackfill returns the active registration with the given name, or ErrNotFound
	GetRegisteredBackfill(ctx context.Context, serviceID, name string) (*RegisteredBackfill, error)

	// CreateRun stores a run and all of its partitions atomically
	CreateRun(ctx context.Context, run *BackfillRun, partitions []*RunPartition) error

	// GetRun returns a run by ID, or ErrNotFound
	GetRun(ctx context.Context, runID string) (*BackfillRun, error)

	// ListRuns returns the runs of a service, newest first
	ListRuns(ctx context.Context, serviceID string) ([]*BackfillRun, error)

	// SetRunState moves a run from one state to another and every partition that is not
	// COMPLETE along with it. It returns ErrStateConflict when the run is not in state from.
	SetRunState(ctx context.Context, runID string, from, to RunState) error

	// ListPartitions returns the partitions of a run ordered by partition name
	ListPartitions(ctx context.Context, runID string) ([]*RunPartition, error)

	// GetPartition returns a partition by ID, or ErrNotFound
	GetPartition(ctx context.Context, partitionID string) (*RunPartition, error)

	// FindExpiredLeases returns RUNNING partitions whose lease expired before now.
	// A partition that was never leased counts as expired.
	FindExpiredLeases(ctx context.Context, now time.Time) ([]*RunPartition, error)

	// UpdatePartition writes a partition if its stored Version equals partition.Version,
	// then increments partition.Version. It returns ErrLeaseConflict otherwise.
	UpdatePartition(ctx context.Context, partition *RunPartition) error

	// RecordEvent appends an event log entry, assigning an ID when empty
	RecordEvent(ctx context.Context, event *EventLog) error

	// ListEvents returns the events of a run, oldest first
	ListEvents(ctx context.Context, runID string) ([]*EventLog, error)

	// Close closes the store
	Close() error
}

// NewStore opens the store selected by backend: "memory", "badger" or "sqlite".
// dataDir holds the badger directory or the sqlite database file.
func NewStore(backend, dataDir string, opts StoreOptions) (Store, error) {
	switch backend {
	case "", StoreBackendMemory:
		return NewInMemoryStore(), nil
	case StoreBackendBadger:
		return NewBadgerStore(dataDir, opts.Logger)
	case StoreBackendSQLite:
		return NewSQLStore(sqlitePath(dataDir), opts)
	default:
		return nil, validationErrorf("unknown store backend %q", backend)
	}
}

// Store backends accepted by NewStore.
const (
	StoreBackendMemory = "memory"
	StoreBackendBadger = "badger"
	StoreBackendSQLite = "sqlite"
)

func sqlitePath(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "backfila.db")
}

// prepareRunForCreate validates a new run and stamps IDs, timestamps and versions.
func prepareRunForCreate(run *BackfillRun, partitions []*RunPartition) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	if len(partitions) == 0 {
		return fmt.Errorf("run requires at least one partition")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	names := make(map[string]bool, len(partitions))
	for idx, p := range partitions {
		if p == nil {
			return fmt.Errorf("partition at index %d is nil", idx)
		}
		if names[p.PartitionName] {
			return fmt.Errorf("duplicate partition name %s", p.PartitionName)
		}
		names[p.PartitionName] = true
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.RunID = run.ID
		p.Version = 0
	}
	return nil
}

// movePartitionState applies a run state change to one partition.
// COMPLETE partitions never move. It reports whether the partition changed.
func movePartitionState(p *RunPartition, to RunState) bool {
	if p.RunState == RunStateComplete || p.RunState == to {
		return false
	}
	p.RunState = to
	if to == RunStateRunning {
		p.ErrorMessage = ""
	}
	return true
}

func leaseExpired(p *RunPartition, now time.Time) bool {
	if p.RunState != RunStateRunning {
		return false
	}
	return p.LeaseExpiresAt == nil || p.LeaseExpiresAt.Before(now)
}

func prepareEvent(event *EventLog) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
}

func sortPartitions(partitions []*RunPartition) {
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].RunID != partitions[j].RunID {
			return partitions[i].RunID < partitions[j].RunID
		}
		return partitions[i].PartitionName < partitions[j].PartitionName
	})
}

func sortRunsNewestFirst(runs []*BackfillRun) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

func sortRegisteredBackfills(backfills []*RegisteredBackfill) {
	sort.Slice(backfills, func(i, j int) bool {
		if backfills[i].Name != backfills[j].Name {
			return backfills[i].Name < backfills[j].Name
		}
		return backfills[i].CreatedAt.Before(backfills[j].CreatedAt)
	})
}
