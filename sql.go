package backfila

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// StoreOptions configures optional store features.
type StoreOptions struct {
	Logger *slog.Logger
	// Tracing installs the OpenTelemetry plugin on SQL stores.
	Tracing bool
}

// Driver settings; the sqlite build tag switches to the CGO driver.
var (
	sqlDriverName  = ""
	sqlConnOptions = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

// SQLStore implements the Store interface on SQLite through GORM.
// It provides ACID transactions and is suitable for single-server deployments.
// Partition writes compare and bump the version column in a single UPDATE.
type SQLStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewSQLStore opens a SQLite store at path. An empty path opens a shared in-memory database.
func NewSQLStore(path string, opts StoreOptions) (*SQLStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dsn := "file::memory:?cache=shared"
	if path != "" {
		dsn = fmt.Sprintf("file:%s?%s", path, sqlConnOptions)
	}
	db, err := gorm.Open(
		&sqlite.Dialector{DriverName: sqlDriverName, DSN: dsn},
		&gorm.Config{
			Logger:                 gormlogger.Discard,
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite allows one writer; a single connection serializes transactions
	sqlDB.SetMaxOpenConns(1)

	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to install tracing: %w", err)
		}
	}

	store := &SQLStore{db: db, logger: logger.With("component", "sql-store")}
	if err := store.initSchema(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) initSchema() error {
	return s.db.AutoMigrate(
		&serviceRow{},
		&registeredBackfillRow{},
		&runRow{},
		&partitionRow{},
		&eventRow{},
	)
}

type serviceRow struct {
	ID                 string `gorm:"primaryKey"`
	Name               string `gorm:"uniqueIndex:idx_service_name_variant;not null"`
	Variant            string `gorm:"uniqueIndex:idx_service_name_variant;not null"`
	ConnectorType      string
	ConnectorExtraData string
	SlackChannel       string
	LastRegisteredAt   time.Time
}

func (serviceRow) TableName() string { return "services" }

type registeredBackfillRow struct {
	ID               string `gorm:"primaryKey"`
	ServiceID        string `gorm:"index;not null"`
	Name             string `gorm:"not null"`
	ParameterNames   string
	RequiresApproval bool
	DeleteBy         *time.Time
	CreatedAt        time.Time
	DeactivatedAt    *time.Time
}

func (registeredBackfillRow) TableName() string { return "registered_backfills" }

type runRow struct {
	ID                   string `gorm:"primaryKey"`
	ServiceID            string `gorm:"index;not null"`
	RegisteredBackfillID string
	BackfillName         string
	Parameters           string
	State                string `gorm:"not null"`
	Author               string
	ScanSize             int64
	BatchSize            int64
	NumThreads           int
	BackoffSchedule      string
	DryRun               bool
	ExtraSleepMs         int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (runRow) TableName() string { return "backfill_runs" }

type partitionRow struct {
	ID                      string `gorm:"primaryKey"`
	RunID                   string `gorm:"index;not null"`
	PartitionName           string `gorm:"not null"`
	RangeStart              []byte
	RangeEnd                []byte
	RunState                string `gorm:"index;not null"`
	LeaseToken              string
	LeaseExpiresAtMs        *int64
	Version                 int64 `gorm:"not null"`
	PrecomputeDone          bool
	PrecomputeEndKey        []byte
	PrecomputeMatchingCount int64
	PrecomputeScannedCount  int64
	ScanDone                bool
	ScanEndKey              []byte
	PendingBatches          string
	BackfilledMatchingCount int64
	BackfilledScannedCount  int64
	EstimatedRecordCount    *int64
	ErrorMessage            string
}

func (partitionRow) TableName() string { return "run_partitions" }

type eventRow struct {
	ID          string `gorm:"primaryKey"`
	RunID       string `gorm:"index;not null"`
	PartitionID string
	User        string
	Type        string
	Message     string
	ExtraData   string
	CreatedAt   time.Time `gorm:"index"`
}

func (eventRow) TableName() string { return "event_logs" }

func toServiceRow(svc *Service) *serviceRow {
	return &serviceRow{
		ID:                 svc.ID,
		Name:               svc.Name,
		Variant:            svc.Variant,
		ConnectorType:      svc.ConnectorType,
		ConnectorExtraData: svc.ConnectorExtraData,
		SlackChannel:       svc.SlackChannel,
		LastRegisteredAt:   svc.LastRegisteredAt,
	}
}

func (r *serviceRow) toService() *Service {
	return &Service{
		ID:                 r.ID,
		Name:               r.Name,
		Variant:            r.Variant,
		ConnectorType:      r.ConnectorType,
		ConnectorExtraData: r.ConnectorExtraData,
		SlackChannel:       r.SlackChannel,
		LastRegisteredAt:   r.LastRegisteredAt,
	}
}

func toRegisteredBackfillRow(b *RegisteredBackfill) (*registeredBackfillRow, error) {
	names, err := json.Marshal(b.ParameterNames)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameter names: %w", err)
	}
	return &registeredBackfillRow{
		ID:               b.ID,
		ServiceID:        b.ServiceID,
		Name:             b.Name,
		ParameterNames:   string(names),
		RequiresApproval: b.RequiresApproval,
		DeleteBy:         copyTimePtr(b.DeleteBy),
		CreatedAt:        b.CreatedAt,
		DeactivatedAt:    copyTimePtr(b.DeactivatedAt),
	}, nil
}

func (r *registeredBackfillRow) toRegisteredBackfill() (*RegisteredBackfill, error) {
	var names []string
	if r.ParameterNames != "" {
		if err := json.Unmarshal([]byte(r.ParameterNames), &names); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameter names: %w", err)
		}
	}
	return &RegisteredBackfill{
		ID:               r.ID,
		ServiceID:        r.ServiceID,
		Name:             r.Name,
		ParameterNames:   names,
		RequiresApproval: r.RequiresApproval,
		DeleteBy:         r.DeleteBy,
		CreatedAt:        r.CreatedAt,
		DeactivatedAt:    r.DeactivatedAt,
	}, nil
}

func toRunRow(run *BackfillRun) (*runRow, error) {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return &runRow{
		ID:                   run.ID,
		ServiceID:            run.ServiceID,
		RegisteredBackfillID: run.RegisteredBackfillID,
		BackfillName:         run.BackfillName,
		Parameters:           string(params),
		State:                string(run.State),
		Author:               run.Author,
		ScanSize:             run.ScanSize,
		BatchSize:            run.BatchSize,
		NumThreads:           run.NumThreads,
		BackoffSchedule:      run.BackoffSchedule.String(),
		DryRun:               run.DryRun,
		ExtraSleepMs:         run.ExtraSleep.Milliseconds(),
		CreatedAt:            run.CreatedAt,
		UpdatedAt:            run.UpdatedAt,
	}, nil
}

func (r *runRow) toRun() (*BackfillRun, error) {
	var params map[string][]byte
	if r.Parameters != "" {
		if err := json.Unmarshal([]byte(r.Parameters), &params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	schedule, err := ParseBackoffSchedule(r.BackoffSchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored backoff schedule: %w", err)
	}
	return &BackfillRun{
		ID:                   r.ID,
		ServiceID:            r.ServiceID,
		RegisteredBackfillID: r.RegisteredBackfillID,
		BackfillName:         r.BackfillName,
		Parameters:           params,
		State:                RunState(r.State),
		Author:               r.Author,
		ScanSize:             r.ScanSize,
		BatchSize:            r.BatchSize,
		NumThreads:           r.NumThreads,
		BackoffSchedule:      schedule,
		DryRun:               r.DryRun,
		ExtraSleep:           time.Duration(r.ExtraSleepMs) * time.Millisecond,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}, nil
}

func toPartitionRow(p *RunPartition) (*partitionRow, error) {
	pending, err := json.Marshal(p.PendingBatches)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending batches: %w", err)
	}
	var leaseMs *int64
	if p.LeaseExpiresAt != nil {
		ms := p.LeaseExpiresAt.UnixMilli()
		leaseMs = &ms
	}
	return &partitionRow{
		ID:                      p.ID,
		RunID:                   p.RunID,
		PartitionName:           p.PartitionName,
		RangeStart:              p.BackfillRange.Start,
		RangeEnd:                p.BackfillRange.End,
		RunState:                string(p.RunState),
		LeaseToken:              p.LeaseToken,
		LeaseExpiresAtMs:        leaseMs,
		Version:                 p.Version,
		PrecomputeDone:          p.PrecomputeDone,
		PrecomputeEndKey:        p.PrecomputeEndKey,
		PrecomputeMatchingCount: p.PrecomputeMatchingCount,
		PrecomputeScannedCount:  p.PrecomputeScannedCount,
		ScanDone:                p.ScanDone,
		ScanEndKey:              p.ScanEndKey,
		PendingBatches:          string(pending),
		BackfilledMatchingCount: p.BackfilledMatchingCount,
		BackfilledScannedCount:  p.BackfilledScannedCount,
		EstimatedRecordCount:    p.EstimatedRecordCount,
		ErrorMessage:            p.ErrorMessage,
	}, nil
}

func (r *partitionRow) toPartition() (*RunPartition, error) {
	var pending []Batch
	if r.PendingBatches != "" {
		if err := json.Unmarshal([]byte(r.PendingBatches), &pending); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending batches: %w", err)
		}
	}
	var leaseExpiresAt *time.Time
	if r.LeaseExpiresAtMs != nil {
		t := time.UnixMilli(*r.LeaseExpiresAtMs)
		leaseExpiresAt = &t
	}
	return &RunPartition{
		ID:                      r.ID,
		RunID:                   r.RunID,
		PartitionName:           r.PartitionName,
		BackfillRange:           KeyRange{Start: r.RangeStart, End: r.RangeEnd},
		RunState:                RunState(r.RunState),
		LeaseToken:              r.LeaseToken,
		LeaseExpiresAt:          leaseExpiresAt,
		Version:                 r.Version,
		PrecomputeDone:          r.PrecomputeDone,
		PrecomputeEndKey:        r.PrecomputeEndKey,
		PrecomputeMatchingCount: r.PrecomputeMatchingCount,
		PrecomputeScannedCount:  r.PrecomputeScannedCount,
		ScanDone:                r.ScanDone,
		ScanEndKey:              r.ScanEndKey,
		PendingBatches:          pending,
		BackfilledMatchingCount: r.BackfilledMatchingCount,
		BackfilledScannedCount:  r.BackfilledScannedCount,
		EstimatedRecordCount:    r.EstimatedRecordCount,
		ErrorMessage:            r.ErrorMessage,
	}, nil
}

// SaveService inserts or updates a service keyed by name and variant.
func (s *SQLStore) SaveService(ctx context.Context, service *Service) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if service == nil || service.Name == "" {
		return fmt.Errorf("service name is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing serviceRow
		err := tx.Where("name = ? AND variant = ?", service.Name, service.Variant).First(&existing).Error
		switch {
		case err == nil:
			if service.ID != "" && service.ID != existing.ID {
				return fmt.Errorf("service %s/%s already exists with ID %s", service.Name, service.Variant, existing.ID)
			}
			service.ID = existing.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
			if service.ID == "" {
				service.ID = uuid.NewString()
			}
		default:
			return fmt.Errorf("failed to look up service: %w", err)
		}
		if err := tx.Save(toServiceRow(service)).Error; err != nil {
			return fmt.Errorf("failed to save service: %w", err)
		}
		return nil
	})
}

// GetService returns a service by name and variant.
func (s *SQLStore) GetService(ctx context.Context, name, variant string) (*Service, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var row serviceRow
	err = s.db.WithContext(ctx).Where("name = ? AND variant = ?", name, variant).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("service %s/%s: %w", name, variant, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return row.toService(), nil
}

// GetServiceByID returns a service by ID.
func (s *SQLStore) GetServiceByID(ctx context.Context, serviceID string) (*Service, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var row serviceRow
	err = s.db.WithContext(ctx).Where("id = ?", serviceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return row.toService(), nil
}

// ListServiceVariants returns the sorted variants of a service name.
func (s *SQLStore) ListServiceVariants(ctx context.Context, name string) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	variants := make([]string, 0)
	err = s.db.WithContext(ctx).Model(&serviceRow{}).
		Where("name = ?", name).
		Order("variant").
		Pluck("variant", &variants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	return variants, nil
}

// SaveRegisteredBackfill inserts or updates a registration.
func (s *SQLStore) SaveRegisteredBackfill(ctx context.Context, backfill *RegisteredBackfill) error {
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

	row, err := toRegisteredBackfillRow(backfill)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("failed to save registered backfill: %w", err)
	}
	return nil
}

// ListRegisteredBackfills returns the registrations of a service ordered by name.
func (s *SQLStore) ListRegisteredBackfills(ctx context.Context, serviceID string, activeOnly bool) ([]*RegisteredBackfill, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Where("service_id = ?", serviceID)
	if activeOnly {
		query = query.Where("deactivated_at IS NULL")
	}
	var rows []registeredBackfillRow
	if err := query.Order("name, created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list registered backfills: %w", err)
	}

	result := make([]*RegisteredBackfill, 0, len(rows))
	for i := range rows {
		backfill, err := rows[i].toRegisteredBackfill()
		if err != nil {
			return nil, err
		}
		result = append(result, backfill)
	}
	return result, nil
}

// GetRegisteredBackfill returns the active registration of a backfill name.
func (s *SQLStore) GetRegisteredBackfill(ctx context.Context, serviceID, name string) (*RegisteredBackfill, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var row registeredBackfillRow
	err = s.db.WithContext(ctx).
		Where("service_id = ? AND name = ? AND deactivated_at IS NULL", serviceID, name).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("backfill %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registered backfill: %w", err)
	}
	return row.toRegisteredBackfill()
}

// CreateRun stores a run and its partitions in one transaction.
func (s *SQLStore) CreateRun(ctx context.Context, run *BackfillRun, partitions []*RunPartition) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := prepareRunForCreate(run, partitions); err != nil {
		return err
	}

	runRecord, err := toRunRow(run)
	if err != nil {
		return err
	}
	partitionRecords := make([]*partitionRow, 0, len(partitions))
	for _, p := range partitions {
		row, err := toPartitionRow(p)
		if err != nil {
			return err
		}
		partitionRecords = append(partitionRecords, row)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(runRecord).Error; err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		if err := tx.Create(&partitionRecords).Error; err != nil {
			return fmt.Errorf("failed to insert partitions: %w", err)
		}
		return nil
	})
}

// GetRun returns a run by ID.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*BackfillRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var row runRow
	err = s.db.WithContext(ctx).Where("id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toRun()
}

// ListRuns returns the runs of a service, newest first.
func (s *SQLStore) ListRuns(ctx context.Context, serviceID string) ([]*BackfillRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var rows []runRow
	if err := s.db.WithContext(ctx).Where("service_id = ?", serviceID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]*BackfillRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// SetRunState compares and sets the state of a run and its unfinished partitions.
func (s *SQLStore) SetRunState(ctx context.Context, runID string, from, to RunState) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&runRow{}).
			Where("id = ? AND state = ?", runID, string(from)).
			Updates(map[string]any{"state": string(to), "updated_at": time.Now()})
		if res.Error != nil {
			return fmt.Errorf("failed to update run state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var current runRow
			err := tx.Select("state").Where("id = ?", runID).First(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to read run state: %w", err)
			}
			return fmt.Errorf("run %s is %s, expected %s: %w", runID, current.State, from, ErrStateConflict)
		}

		updates := map[string]any{
			"run_state": string(to),
			"version":   gorm.Expr("version + 1"),
		}
		if to == RunStateRunning {
			updates["error_message"] = ""
		}
		err := tx.Model(&partitionRow{}).
			Where("run_id = ? AND run_state NOT IN ?", runID, []string{string(RunStateComplete), string(to)}).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("failed to update partition states: %w", err)
		}
		return nil
	})
}

// ListPartitions returns the partitions of a run ordered by name.
func (s *SQLStore) ListPartitions(ctx context.Context, runID string) ([]*RunPartition, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", runID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check run: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	var rows []partitionRow
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("partition_name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	return partitionsFromRows(rows)
}

// GetPartition returns a partition by ID.
func (s *SQLStore) GetPartition(ctx context.Context, partitionID string) (*RunPartition, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var row partitionRow
	err = s.db.WithContext(ctx).Where("id = ?", partitionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("partition %s: %w", partitionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get partition: %w", err)
	}
	return row.toPartition()
}

// FindExpiredLeases returns RUNNING partitions whose lease expired before now.
func (s *SQLStore) FindExpiredLeases(ctx context.Context, now time.Time) ([]*RunPartition, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var rows []partitionRow
	err = s.db.WithContext(ctx).
		Where("run_state = ? AND (lease_expires_at_ms IS NULL OR lease_expires_at_ms < ?)", string(RunStateRunning), now.UnixMilli()).
		Order("run_id, partition_name").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired leases: %w", err)
	}
	return partitionsFromRows(rows)
}

// UpdatePartition writes a partition if its version matches the stored one.
func (s *SQLStore) UpdatePartition(ctx context.Context, partition *RunPartition) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if partition == nil || partition.ID == "" {
		return fmt.Errorf("partition ID is required")
	}

	row, err := toPartitionRow(partition)
	if err != nil {
		return err
	}
	row.Version = partition.Version + 1

	res := s.db.WithContext(ctx).Model(&partitionRow{}).
		Where("id = ? AND version = ?", partition.ID, partition.Version).
		Select("*").
		Omit("id").
		Updates(row)
	if res.Error != nil {
		return fmt.Errorf("failed to update partition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&partitionRow{}).Where("id = ?", partition.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check partition: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("partition %s: %w", partition.ID, ErrNotFound)
		}
		return fmt.Errorf("partition %s is not at version %d: %w", partition.ID, partition.Version, ErrLeaseConflict)
	}
	partition.Version = row.Version
	return nil
}

// RecordEvent appends an event to the run's log.
func (s *SQLStore) RecordEvent(ctx context.Context, event *EventLog) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if event == nil || event.RunID == "" {
		return fmt.Errorf("event run ID is required")
	}
	prepareEvent(event)

	row := &eventRow{
		ID:          event.ID,
		RunID:       event.RunID,
		PartitionID: event.PartitionID,
		User:        event.User,
		Type:        string(event.Type),
		Message:     event.Message,
		ExtraData:   event.ExtraData,
		CreatedAt:   event.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run, oldest first.
func (s *SQLStore) ListEvents(ctx context.Context, runID string) ([]*EventLog, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var rows []eventRow
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]*EventLog, 0, len(rows))
	for _, row := range rows {
		events = append(events, &EventLog{
			ID:          row.ID,
			RunID:       row.RunID,
			PartitionID: row.PartitionID,
			User:        row.User,
			Type:        EventType(row.Type),
			Message:     row.Message,
			ExtraData:   row.ExtraData,
			CreatedAt:   row.CreatedAt,
		})
	}
	return events, nil
}

func partitionsFromRows(rows []partitionRow) ([]*RunPartition, error) {
	result := make([]*RunPartition, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPartition()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}
