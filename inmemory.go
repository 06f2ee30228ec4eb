package backfila

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements the Store interface using in-memory maps.
// It uses a single mutex for thread-safety and is suitable for testing and the dev server.
type InMemoryStore struct {
	mu         sync.RWMutex
	services   map[string]*Service            // serviceID -> service
	backfills  map[string]*RegisteredBackfill // registrationID -> registration
	runs       map[string]*BackfillRun        // runID -> run
	partitions map[string]*RunPartition       // partitionID -> partition
	runParts   map[string][]string            // runID -> partition IDs
	events     map[string][]*EventLog         // runID -> events, oldest first
	closed     bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		services:   make(map[string]*Service),
		backfills:  make(map[string]*RegisteredBackfill),
		runs:       make(map[string]*BackfillRun),
		partitions: make(map[string]*RunPartition),
		runParts:   make(map[string][]string),
		events:     make(map[string][]*EventLog),
	}
}

// Close closes the store and prevents further operations.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) ensureOpenLocked() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveService inserts or updates a service keyed by name and variant.
func (s *InMemoryStore) SaveService(ctx context.Context, service *Service) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if service == nil || service.Name == "" {
		return fmt.Errorf("service name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	for id, existing := range s.services {
		if existing.Name == service.Name && existing.Variant == service.Variant && id != service.ID {
			if service.ID != "" {
				return fmt.Errorf("service %s/%s already exists with ID %s", service.Name, service.Variant, id)
			}
			service.ID = id
		}
	}
	if service.ID == "" {
		service.ID = uuid.NewString()
	}
	s.services[service.ID] = cloneService(service)
	return nil
}

// GetService returns a service by name and variant.
func (s *InMemoryStore) GetService(ctx context.Context, name, variant string) (*Service, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	for _, service := range s.services {
		if service.Name == name && service.Variant == variant {
			return cloneService(service), nil
		}
	}
	return nil, fmt.Errorf("service %s/%s: %w", name, variant, ErrNotFound)
}

// GetServiceByID returns a service by ID.
func (s *InMemoryStore) GetServiceByID(ctx context.Context, serviceID string) (*Service, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	service, ok := s.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}
	return cloneService(service), nil
}

// ListServiceVariants returns the sorted variants of a service name.
func (s *InMemoryStore) ListServiceVariants(ctx context.Context, name string) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	variants := make([]string, 0)
	for _, service := range s.services {
		if service.Name == name {
			variants = append(variants, service.Variant)
		}
	}
	sort.Strings(variants)
	return variants, nil
}

// SaveRegisteredBackfill inserts or updates a registration.
func (s *InMemoryStore) SaveRegisteredBackfill(ctx context.Context, backfill *RegisteredBackfill) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if backfill == nil || backfill.ServiceID == "" || backfill.Name == "" {
		return fmt.Errorf("registered backfill requires a service ID and a name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if backfill.ID == "" {
		backfill.ID = uuid.NewString()
	}
	s.backfills[backfill.ID] = cloneRegisteredBackfill(backfill)
	return nil
}

// ListRegisteredBackfills returns the registrations of a service ordered by name.
func (s *InMemoryStore) ListRegisteredBackfills(ctx context.Context, serviceID string, activeOnly bool) ([]*RegisteredBackfill, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	result := make([]*RegisteredBackfill, 0)
	for _, backfill := range s.backfills {
		if backfill.ServiceID != serviceID {
			continue
		}
		if activeOnly && !backfill.Active() {
			continue
		}
		result = append(result, cloneRegisteredBackfill(backfill))
	}
	sortRegisteredBackfills(result)
	return result, nil
}

// GetRegisteredBackfill returns the active registration of a backfill name.
func (s *InMemoryStore) GetRegisteredBackfill(ctx context.Context, serviceID, name string) (*RegisteredBackfill, error) {
	backfills, err := s.ListRegisteredBackfills(ctx, serviceID, true)
	if err != nil {
		return nil, err
	}
	for _, backfill := range backfills {
		if backfill.Name == name {
			return backfill, nil
		}
	}
	return nil, fmt.Errorf("backfill %s: %w", name, ErrNotFound)
}

// CreateRun stores a run and its partitions atomically.
func (s *InMemoryStore) CreateRun(ctx context.Context, run *BackfillRun, partitions []*RunPartition) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := prepareRunForCreate(run, partitions); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	for _, p := range partitions {
		if _, exists := s.partitions[p.ID]; exists {
			return fmt.Errorf("partition already exists: %s", p.ID)
		}
	}

	s.runs[run.ID] = cloneRun(run)
	ids := make([]string, 0, len(partitions))
	for _, p := range partitions {
		s.partitions[p.ID] = clonePartition(p)
		ids = append(ids, p.ID)
	}
	s.runParts[run.ID] = ids
	return nil
}

// GetRun returns a run by ID.
func (s *InMemoryStore) GetRun(ctx context.Context, runID string) (*BackfillRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(run), nil
}

// ListRuns returns the runs of a service, newest first.
func (s *InMemoryStore) ListRuns(ctx context.Context, serviceID string) ([]*BackfillRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	runs := make([]*BackfillRun, 0)
	for _, run := range s.runs {
		if run.ServiceID == serviceID {
			runs = append(runs, cloneRun(run))
		}
	}
	sortRunsNewestFirst(runs)
	return runs, nil
}

// SetRunState compares and sets the state of a run and its unfinished partitions.
func (s *InMemoryStore) SetRunState(ctx context.Context, runID string, from, to RunState) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.State != from {
		return fmt.Errorf("run %s is %s, expected %s: %w", runID, run.State, from, ErrStateConflict)
	}

	now := time.Now()
	run.State = to
	run.UpdatedAt = now
	for _, id := range s.runParts[runID] {
		p := s.partitions[id]
		if movePartitionState(p, to) {
			p.Version++
		}
	}
	return nil
}

// ListPartitions returns the partitions of a run ordered by name.
func (s *InMemoryStore) ListPartitions(ctx context.Context, runID string) ([]*RunPartition, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	result := make([]*RunPartition, 0, len(s.runParts[runID]))
	for _, id := range s.runParts[runID] {
		result = append(result, clonePartition(s.partitions[id]))
	}
	sortPartitions(result)
	return result, nil
}

// GetPartition returns a partition by ID.
func (s *InMemoryStore) GetPartition(ctx context.Context, partitionID string) (*RunPartition, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	p, ok := s.partitions[partitionID]
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", partitionID, ErrNotFound)
	}
	return clonePartition(p), nil
}

// FindExpiredLeases returns RUNNING partitions whose lease expired before now.
func (s *InMemoryStore) FindExpiredLeases(ctx context.Context, now time.Time) ([]*RunPartition, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	result := make([]*RunPartition, 0)
	for _, p := range s.partitions {
		if leaseExpired(p, now) {
			result = append(result, clonePartition(p))
		}
	}
	sortPartitions(result)
	return result, nil
}

// UpdatePartition writes a partition if its version matches the stored one.
func (s *InMemoryStore) UpdatePartition(ctx context.Context, partition *RunPartition) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if partition == nil || partition.ID == "" {
		return fmt.Errorf("partition ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	stored, ok := s.partitions[partition.ID]
	if !ok {
		return fmt.Errorf("partition %s: %w", partition.ID, ErrNotFound)
	}
	if stored.Version != partition.Version {
		return fmt.Errorf("partition %s at version %d, expected %d: %w", partition.ID, stored.Version, partition.Version, ErrLeaseConflict)
	}

	partition.Version++
	s.partitions[partition.ID] = clonePartition(partition)
	return nil
}

// RecordEvent appends an event to the run's log.
func (s *InMemoryStore) RecordEvent(ctx context.Context, event *EventLog) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if event == nil || event.RunID == "" {
		return fmt.Errorf("event run ID is required")
	}
	prepareEvent(event)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	clone := *event
	s.events[event.RunID] = append(s.events[event.RunID], &clone)
	return nil
}

// ListEvents returns the events of a run, oldest first.
func (s *InMemoryStore) ListEvents(ctx context.Context, runID string) ([]*EventLog, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	events := s.events[runID]
	result := make([]*EventLog, len(events))
	for i, event := range events {
		clone := *event
		result[i] = &clone
	}
	return result, nil
}
