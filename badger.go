package backfila

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore implements the Store interface using BadgerDB.
// Records are JSON values under key prefixes; secondary index keys hold IDs.
// Lease writes rely on badger's serializable transactions: a concurrent writer to the same
// partition key fails to commit, is retried, and then observes the bumped version.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens a BadgerDB store.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "badger-store"),
	}, nil
}

// Close closes the database connection
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Fixed delay, no jitter.
func (b *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	b.logger.Warn("transaction conflict retries exhausted", "retries", maxRetries)
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixService     = "svc:"
	keyPrefixServiceName = "idx:svcname:"
	keyPrefixBackfill    = "rb:"
	keyPrefixSvcBackfill = "idx:svcrb:"
	keyPrefixRun         = "run:"
	keyPrefixSvcRun      = "idx:svcrun:"
	keyPrefixPartition   = "part:"
	keyPrefixRunPart     = "idx:runpart:"
	keyPrefixRunning     = "idx:running:"
	keyPrefixEvent       = "evt:"
)

func serviceKey(id string) []byte { return []byte(keyPrefixService + id) }

func serviceNameKey(name, variant string) []byte {
	return []byte(keyPrefixServiceName + name + "\x00" + variant)
}

func serviceNamePrefix(name string) []byte { return []byte(keyPrefixServiceName + name + "\x00") }

func backfillKey(id string) []byte { return []byte(keyPrefixBackfill + id) }

func serviceBackfillKey(serviceID, id string) []byte {
	return []byte(keyPrefixSvcBackfill + serviceID + ":" + id)
}

func runKey(id string) []byte { return []byte(keyPrefixRun + id) }

func serviceRunKey(serviceID, id string) []byte {
	return []byte(keyPrefixSvcRun + serviceID + ":" + id)
}

func partitionKey(id string) []byte { return []byte(keyPrefixPartition + id) }

func runPartitionKey(runID, partitionID string) []byte {
	return []byte(keyPrefixRunPart + runID + ":" + partitionID)
}

func runningIndexKey(partitionID string) []byte { return []byte(keyPrefixRunning + partitionID) }

// eventKey orders events of a run by creation time.
func eventKey(runID string, createdAt time.Time, id string) []byte {
	key := make([]byte, 0, len(keyPrefixEvent)+len(runID)+1+8+len(id))
	key = append(key, []byte(keyPrefixEvent+runID+":")...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, uint64(createdAt.UnixNano()))
	key = append(key, tsBytes...)
	key = append(key, []byte(id)...)
	return key
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// indexValues returns the values stored under an index prefix.
func indexValues(txn *badger.Txn, prefix []byte) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var values []string
	for it.Seek(prefix); it.Valid(); it.Next() {
		value, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %w", prefix, err)
		}
		values = append(values, string(value))
	}
	return values, nil
}

// SaveService inserts or updates a service keyed by name and variant.
func (b *BadgerStore) SaveService(ctx context.Context, service *Service) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if service == nil || service.Name == "" {
		return fmt.Errorf("service name is required")
	}

	var assignedID string
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		assignedID = service.ID
		item, err := txn.Get(serviceNameKey(service.Name, service.Variant))
		switch {
		case err == nil:
			existingID, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read service index: %w", err)
			}
			if assignedID != "" && assignedID != string(existingID) {
				return fmt.Errorf("service %s/%s already exists with ID %s", service.Name, service.Variant, existingID)
			}
			assignedID = string(existingID)
		case errors.Is(err, badger.ErrKeyNotFound):
			if assignedID == "" {
				assignedID = uuid.NewString()
			}
		default:
			return fmt.Errorf("failed to read service index: %w", err)
		}

		stored := cloneService(service)
		stored.ID = assignedID
		if err := setJSON(txn, serviceKey(assignedID), stored); err != nil {
			return err
		}
		return txn.Set(serviceNameKey(service.Name, service.Variant), []byte(assignedID))
	})
	if err != nil {
		return err
	}
	service.ID = assignedID
	return nil
}

// GetService returns a service by name and variant.
func (b *BadgerStore) GetService(ctx context.Context, name, variant string) (*Service, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var service Service
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(serviceNameKey(name, variant))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read service index: %w", err)
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read service index: %w", err)
		}
		return getJSON(txn, serviceKey(string(id)), &service)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("service %s/%s: %w", name, variant, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &service, nil
}

// GetServiceByID returns a service by ID.
func (b *BadgerStore) GetServiceByID(ctx context.Context, serviceID string) (*Service, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var service Service
	err = b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, serviceKey(serviceID), &service)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &service, nil
}

// ListServiceVariants returns the sorted variants of a service name.
func (b *BadgerStore) ListServiceVariants(ctx context.Context, name string) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	prefix := serviceNamePrefix(name)
	variants := make([]string, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			key := it.Item().Key()
			variants = append(variants, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(variants)
	return variants, nil
}

// SaveRegisteredBackfill inserts or updates a registration.
func (b *BadgerStore) SaveRegisteredBackfill(ctx context.Context, backfill *RegisteredBackfill) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if backfill == nil || backfill.ServiceID == "" || backfill.Name == "" {
		return fmt.Errorf("registered backfill requires a service ID and a name")
	}
	if backfill.ID == "" {
		backfill.ID = uuid.NewString()
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, backfillKey(backfill.ID), backfill); err != nil {
			return err
		}
		return txn.Set(serviceBackfillKey(backfill.ServiceID, backfill.ID), []byte(backfill.ID))
	})
}

// ListRegisteredBackfills returns the registrations of a service ordered by name.
func (b *BadgerStore) ListRegisteredBackfills(ctx context.Context, serviceID string, activeOnly bool) ([]*RegisteredBackfill, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	result := make([]*RegisteredBackfill, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		ids, err := indexValues(txn, []byte(keyPrefixSvcBackfill+serviceID+":"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			var backfill RegisteredBackfill
			if err := getJSON(txn, backfillKey(id), &backfill); err != nil {
				return err
			}
			if activeOnly && !backfill.Active() {
				continue
			}
			result = append(result, &backfill)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRegisteredBackfills(result)
	return result, nil
}

// GetRegisteredBackfill returns the active registration of a backfill name.
func (b *BadgerStore) GetRegisteredBackfill(ctx context.Context, serviceID, name string) (*RegisteredBackfill, error) {
	backfills, err := b.ListRegisteredBackfills(ctx, serviceID, true)
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

// CreateRun stores a run and its partitions in one transaction.
func (b *BadgerStore) CreateRun(ctx context.Context, run *BackfillRun, partitions []*RunPartition) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := prepareRunForCreate(run, partitions); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(run.ID)); err == nil {
			return fmt.Errorf("run already exists: %s", run.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check run: %w", err)
		}

		if err := setJSON(txn, runKey(run.ID), run); err != nil {
			return err
		}
		if err := txn.Set(serviceRunKey(run.ServiceID, run.ID), []byte(run.ID)); err != nil {
			return fmt.Errorf("failed to add to service run index: %w", err)
		}
		for _, p := range partitions {
			if err := b.writePartition(txn, p); err != nil {
				return err
			}
			if err := txn.Set(runPartitionKey(run.ID, p.ID), []byte(p.ID)); err != nil {
				return fmt.Errorf("failed to add to run partition index: %w", err)
			}
		}
		return nil
	})
}

// writePartition stores a partition and maintains the running index.
func (b *BadgerStore) writePartition(txn *badger.Txn, p *RunPartition) error {
	if err := setJSON(txn, partitionKey(p.ID), p); err != nil {
		return err
	}
	if p.RunState == RunStateRunning {
		return txn.Set(runningIndexKey(p.ID), []byte(p.ID))
	}
	if err := txn.Delete(runningIndexKey(p.ID)); err != nil {
		return fmt.Errorf("failed to remove from running index: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (b *BadgerStore) GetRun(ctx context.Context, runID string) (*BackfillRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var run BackfillRun
	err = b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKey(runID), &run)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the runs of a service, newest first.
func (b *BadgerStore) ListRuns(ctx context.Context, serviceID string) ([]*BackfillRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	runs := make([]*BackfillRun, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		ids, err := indexValues(txn, []byte(keyPrefixSvcRun+serviceID+":"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			var run BackfillRun
			if err := getJSON(txn, runKey(id), &run); err != nil {
				return err
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRunsNewestFirst(runs)
	return runs, nil
}

// SetRunState compares and sets the state of a run and its unfinished partitions.
func (b *BadgerStore) SetRunState(ctx context.Context, runID string, from, to RunState) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var run BackfillRun
		if err := getJSON(txn, runKey(runID), &run); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return err
		}
		if run.State != from {
			return fmt.Errorf("run %s is %s, expected %s: %w", runID, run.State, from, ErrStateConflict)
		}

		run.State = to
		run.UpdatedAt = time.Now()
		if err := setJSON(txn, runKey(runID), &run); err != nil {
			return err
		}

		ids, err := indexValues(txn, []byte(keyPrefixRunPart+runID+":"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			var p RunPartition
			if err := getJSON(txn, partitionKey(id), &p); err != nil {
				return err
			}
			if !movePartitionState(&p, to) {
				continue
			}
			p.Version++
			if err := b.writePartition(txn, &p); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPartitions returns the partitions of a run ordered by name.
func (b *BadgerStore) ListPartitions(ctx context.Context, runID string) ([]*RunPartition, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	result := make([]*RunPartition, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(runID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		ids, err := indexValues(txn, []byte(keyPrefixRunPart+runID+":"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			var p RunPartition
			if err := getJSON(txn, partitionKey(id), &p); err != nil {
				return err
			}
			result = append(result, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPartitions(result)
	return result, nil
}

// GetPartition returns a partition by ID.
func (b *BadgerStore) GetPartition(ctx context.Context, partitionID string) (*RunPartition, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var p RunPartition
	err = b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, partitionKey(partitionID), &p)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("partition %s: %w", partitionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindExpiredLeases returns RUNNING partitions whose lease expired before now.
func (b *BadgerStore) FindExpiredLeases(ctx context.Context, now time.Time) ([]*RunPartition, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	result := make([]*RunPartition, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		ids, err := indexValues(txn, []byte(keyPrefixRunning))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p RunPartition
			if err := getJSON(txn, partitionKey(id), &p); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if leaseExpired(&p, now) {
				result = append(result, &p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPartitions(result)
	return result, nil
}

// UpdatePartition writes a partition if its version matches the stored one.
func (b *BadgerStore) UpdatePartition(ctx context.Context, partition *RunPartition) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if partition == nil || partition.ID == "" {
		return fmt.Errorf("partition ID is required")
	}

	next := clonePartition(partition)
	next.Version = partition.Version + 1
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var stored RunPartition
		if err := getJSON(txn, partitionKey(partition.ID), &stored); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("partition %s: %w", partition.ID, ErrNotFound)
			}
			return err
		}
		if stored.Version != partition.Version {
			return fmt.Errorf("partition %s at version %d, expected %d: %w", partition.ID, stored.Version, partition.Version, ErrLeaseConflict)
		}
		return b.writePartition(txn, next)
	})
	if err != nil {
		return err
	}
	partition.Version = next.Version
	return nil
}

// RecordEvent appends an event to the run's log.
func (b *BadgerStore) RecordEvent(ctx context.Context, event *EventLog) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if event == nil || event.RunID == "" {
		return fmt.Errorf("event run ID is required")
	}
	prepareEvent(event)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, eventKey(event.RunID, event.CreatedAt, event.ID), event)
	})
}

// ListEvents returns the events of a run, oldest first.
func (b *BadgerStore) ListEvents(ctx context.Context, runID string) ([]*EventLog, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	prefix := []byte(keyPrefixEvent + runID + ":")
	events := make([]*EventLog, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy event: %w", err)
			}
			var event EventLog
			if err := json.Unmarshal(data, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
